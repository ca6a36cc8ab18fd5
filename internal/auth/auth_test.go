package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEqualEmptyExpectedAlwaysPasses(t *testing.T) {
	if !Equal("", "anything") {
		t.Fatal("empty expected token should disable the check")
	}
}

func TestEqualRejectsMismatch(t *testing.T) {
	if Equal("secret", "wrong") {
		t.Fatal("mismatched tokens must not compare equal")
	}
	if !Equal("secret", "secret") {
		t.Fatal("matching tokens must compare equal")
	}
}

func TestBearerTokenExtraction(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	if got := BearerToken(r); got != "abc123" {
		t.Fatalf("BearerToken() = %q, want abc123", got)
	}
}

func TestBearerTokenMissingHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if got := BearerToken(r); got != "" {
		t.Fatalf("BearerToken() = %q, want empty", got)
	}
}

func TestRequireBearerRejectsAndAccepts(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := RequireBearer(inner, "secret")

	r1 := httptest.NewRequest("GET", "/", nil)
	rr1 := httptest.NewRecorder()
	h.ServeHTTP(rr1, r1)
	if rr1.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without a token", rr1.Code)
	}

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("Authorization", "Bearer secret")
	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, r2)
	if rr2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with the right token", rr2.Code)
	}
}
