package workerpool

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/bc-dunia/loadtrestler/internal/workload"
)

func buildHTTPRequest(ctx context.Context, req workload.Request) (*http.Request, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	return httpReq, nil
}

// copyAndCount drains resp.Body, returning the number of bytes read. The
// body must still be consumed even when the caller only cares about the
// byte count, so the connection can be reused.
func copyAndCount(resp *http.Response) (int64, error) {
	return io.Copy(io.Discard, resp.Body)
}
