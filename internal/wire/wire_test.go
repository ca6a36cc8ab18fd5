package wire

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestBigLatencySumRoundTrip(t *testing.T) {
	var b BigLatencySum
	b.AddMillis(1_000_000)
	b.AddMillis(2_000_000_000)

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded BigLatencySum
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != b {
		t.Fatalf("round trip = %+v, want %+v", decoded, b)
	}
}

func TestBigLatencySumOverflowsIntoHi(t *testing.T) {
	var b BigLatencySum
	b.Lo = ^uint64(0)
	b.AddMillis(5)
	if b.Hi != 1 {
		t.Fatalf("Hi = %d, want 1 after overflow", b.Hi)
	}
	if b.Lo != 4 {
		t.Fatalf("Lo = %d, want 4 after wraparound", b.Lo)
	}
}

func TestBigLatencySumDecimalString(t *testing.T) {
	var b BigLatencySum
	b.Lo = 12345
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"12345"` {
		t.Fatalf("Marshal = %s, want \"12345\"", data)
	}
}

func TestEncodeDecodeOverLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	var serverErr error
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			serverErr = err
			return
		}
		defer conn.Close()
		dec := NewDecoder(conn)
		typ, raw, ok, err := dec.PeekType()
		if err != nil || !ok {
			serverErr = err
			return
		}
		if typ != TypeHello {
			serverErr = errString("unexpected type")
			return
		}
		var hello Hello
		if err := Decode(raw, &hello); err != nil {
			serverErr = err
			return
		}
		if hello.AgentID != "agent-1" {
			serverErr = errString("unexpected agent id")
		}
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	enc := NewEncoder(conn)
	if err := enc.Encode(Hello{Type: TypeHello, AgentID: "agent-1", Hostname: "h1", Cores: 4, Weight: 1}); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server goroutine")
	}
	if serverErr != nil {
		t.Fatalf("server: %v", serverErr)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
