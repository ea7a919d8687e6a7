package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests step time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if !b.Allow("geoip") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	if !b.Allow("geoip") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("geoip")
	if b.Allow("geoip") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("geoip") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("geoip"))
	}
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	b.RecordSuccess("geoip")
	b.RecordFailure("geoip")
	b.RecordFailure("geoip")

	if b.State("geoip") != StateClosed {
		t.Fatalf("failures were not consecutive, expected closed, got %v", b.State("geoip"))
	}
}

func TestBreaker_OpenToHalfOpenAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	if b.Allow("geoip") {
		t.Fatal("should be open")
	}

	clk.Advance(time.Second)

	if !b.Allow("geoip") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("geoip") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("geoip"))
	}
	if b.Allow("geoip") {
		t.Fatal("should reject second request while probe is in flight")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	clk.Advance(time.Second)
	b.Allow("geoip")

	b.RecordSuccess("geoip")
	if b.State("geoip") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("geoip"))
	}
	if !b.Allow("geoip") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)

	b.RecordFailure("geoip")
	b.RecordFailure("geoip")
	clk.Advance(time.Second)
	b.Allow("geoip")

	b.RecordFailure("geoip")
	if b.State("geoip") != StateOpen {
		t.Fatalf("expected StateOpen after failed probe, got %v", b.State("geoip"))
	}
	if b.Allow("geoip") {
		t.Fatal("reopened circuit should reject until the next cooldown")
	}
}

func TestBreaker_AbandonedProbeIsReplaced(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)

	b.RecordFailure("geoip")
	clk.Advance(time.Second)
	if !b.Allow("geoip") {
		t.Fatal("first probe should be allowed")
	}
	// Probe never reports back.
	clk.Advance(time.Second)
	if !b.Allow("geoip") {
		t.Fatal("abandoned probe should be replaced after cooldown")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)

	b.RecordFailure("primary")
	if b.Allow("primary") {
		t.Fatal("primary should be open")
	}
	if !b.Allow("secondary") {
		t.Fatal("secondary should be unaffected")
	}

	open := b.OpenKeys()
	if len(open) != 1 || open[0] != "primary" {
		t.Fatalf("OpenKeys = %v, want [primary]", open)
	}
}

func TestBreaker_OnTransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(1, time.Second)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		got <- [2]State{from, to}
	})

	b.RecordFailure("geoip")

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("unexpected transition %v -> %v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(42):     "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(1000, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow("geoip")
				b.RecordFailure("geoip")
				b.RecordSuccess("geoip")
			}
		}()
	}
	wg.Wait()
}
