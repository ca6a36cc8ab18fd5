package ratecontrol

import (
	"testing"
	"time"
)

func TestPlanLinearity(t *testing.T) {
	c := New(Config{Plan: &Plan{
		InitialRPM: 600,
		Stages:     []Stage{{DurationSecs: 2, TargetRPM: 1200}},
	}})

	want := []int{10, 15, 20, 20, 20}
	for i, w := range want {
		if got := c.NextTokens(); got != w {
			t.Fatalf("tick %d: NextTokens() = %d, want %d", i, got, w)
		}
	}
}

func TestFixedMode(t *testing.T) {
	c := New(Config{FixedRPS: 50})
	if c.Mode() != ModeFixed {
		t.Fatalf("Mode() = %v, want ModeFixed", c.Mode())
	}
	for i := 0; i < 3; i++ {
		if got := c.NextTokens(); got != 50 {
			t.Fatalf("NextTokens() = %d, want 50", got)
		}
	}
}

func TestBurstMode(t *testing.T) {
	c := New(Config{BurstRate: 200})
	if c.Mode() != ModeBurst {
		t.Fatalf("Mode() = %v, want ModeBurst", c.Mode())
	}
	if got := c.NextTokens(); got != 200 {
		t.Fatalf("NextTokens() = %d, want 200", got)
	}
}

func TestBurstModeWithDelay(t *testing.T) {
	c := New(Config{BurstRate: 200, BurstDelay: 3 * time.Second})

	want := []int{200, 0, 0, 200, 0, 0, 200}
	for i, w := range want {
		if got := c.NextTokens(); got != w {
			t.Fatalf("tick %d: NextTokens() = %d, want %d", i, got, w)
		}
	}
}

func TestFixedWinsOverBurst(t *testing.T) {
	c := New(Config{FixedRPS: 30, BurstRate: 500})
	if c.Mode() != ModeFixed {
		t.Fatalf("Mode() = %v, want ModeFixed when both fixed and burst set", c.Mode())
	}
}

func TestPlanWinsOverFixedAndBurst(t *testing.T) {
	c := New(Config{
		Plan:     &Plan{InitialRPM: 60, Stages: []Stage{{DurationSecs: 1, TargetRPM: 60}}},
		FixedRPS: 30,
	})
	if c.Mode() != ModePlan {
		t.Fatalf("Mode() = %v, want ModePlan", c.Mode())
	}
}
