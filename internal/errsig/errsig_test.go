package errsig

import "testing"

func TestNormalizeReplacesDynamicParts(t *testing.T) {
	cases := []struct{ in, want string }{
		{"dial tcp 10.0.0.5:8443: connection refused", "dial tcp <IP>:<NUM>: connection refused"},
		{"request abc-123 at /v1/orders/42 timed out", "request abc-<NUM> at <PATH> timed out"},
		{"session 550e8400-e29b-41d4-a716-446655440000 expired", "session <UUID> expired"},
	}
	for _, c := range cases {
		if got := Normalize(c.in); got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestAggregatorTopRanksByCount(t *testing.T) {
	a := NewAggregator()
	a.Record(10, "checkout", "dial tcp 10.0.0.1:80: connection refused")
	a.Record(20, "checkout", "dial tcp 10.0.0.2:80: connection refused")
	a.Record(30, "login", "context deadline exceeded")

	top := a.Top(1)
	if len(top) != 1 {
		t.Fatalf("len(top) = %d, want 1", len(top))
	}
	if top[0].Count != 2 {
		t.Fatalf("top[0].Count = %d, want 2 (the two dial-refused errors should collapse into one signature)", top[0].Count)
	}
	if top[0].Pattern != "dial tcp <IP>:<NUM>: connection refused" {
		t.Fatalf("unexpected pattern: %q", top[0].Pattern)
	}
}

func TestAggregatorTracksScenariosAndTimestamps(t *testing.T) {
	a := NewAggregator()
	a.Record(5, "step-a", "boom")
	a.Record(50, "step-b", "boom")

	all := a.Top(0)
	if len(all) != 1 {
		t.Fatalf("len(all) = %d, want 1", len(all))
	}
	sig := all[0]
	if sig.FirstSeenMs != 5 || sig.LastSeenMs != 50 {
		t.Fatalf("FirstSeenMs/LastSeenMs = %d/%d, want 5/50", sig.FirstSeenMs, sig.LastSeenMs)
	}
	if len(sig.AffectedScenarios) != 2 {
		t.Fatalf("len(AffectedScenarios) = %d, want 2", len(sig.AffectedScenarios))
	}
}

func TestAggregatorIgnoresEmptyErrorText(t *testing.T) {
	a := NewAggregator()
	a.Record(1, "step", "")
	if len(a.Top(0)) != 0 {
		t.Fatal("empty error text should not create a signature")
	}
}
