package breaker

import (
	"sync"
	"testing"
	"time"

	"capital-router/internal/fault"
)

func newTestBreaker(t *testing.T, threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	t.Helper()
	b, err := New("venue-a", Settings{FailureThreshold: threshold, Cooldown: cooldown}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestSettingsValidate(t *testing.T) {
	if err := (Settings{FailureThreshold: 0, Cooldown: time.Second}).Validate(); err == nil {
		t.Fatal("expected threshold validation error")
	}
	if err := (Settings{FailureThreshold: 1, Cooldown: 0}).Validate(); err == nil {
		t.Fatal("expected cooldown validation error")
	}
}

func TestConsecutiveFailuresOpenBreaker(t *testing.T) {
	b, _ := newTestBreaker(t, 3, 30*time.Second)
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d should be allowed while closed: %v", i+1, err)
		}
		b.Record(false)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after 3 failures, got %s", b.State())
	}
	err := b.Allow()
	if !fault.IsKind(err, fault.KindCircuitOpen) {
		t.Fatalf("expected CircuitOpen while cooling down, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t, 3, 30*time.Second)
	b.Record(false)
	b.Record(false)
	b.Record(true)
	b.Record(false)
	b.Record(false)
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED, got %s", b.State())
	}
	b.Record(false)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after threshold reached post-reset, got %s", b.State())
	}
}

func TestCooldownAdmitsSingleTrial(t *testing.T) {
	b, now := newTestBreaker(t, 1, 30*time.Second)
	b.Record(false)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
	*now = now.Add(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("first caller after cooldown must be admitted: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.State())
	}
	if err := b.Allow(); !fault.IsKind(err, fault.KindCircuitOpen) {
		t.Fatalf("second caller must be rejected while trial in flight, got %v", err)
	}
}

func TestTrialSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(t, 1, 30*time.Second)
	b.Record(false)
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial not admitted: %v", err)
	}
	b.Record(true)
	if b.State() != StateClosed {
		t.Fatalf("expected CLOSED after trial success, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker must allow calls: %v", err)
	}
}

func TestTrialFailureReopensAndRestartsCooldown(t *testing.T) {
	b, now := newTestBreaker(t, 1, 30*time.Second)
	b.Record(false)
	opened := *now
	*now = now.Add(time.Minute)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial not admitted: %v", err)
	}
	b.Record(false)
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after trial failure, got %s", b.State())
	}
	snap := b.Snapshot()
	if !snap.OpenedAt.After(opened) {
		t.Fatal("cooldown must restart on trial failure")
	}
	if err := b.Allow(); !fault.IsKind(err, fault.KindCircuitOpen) {
		t.Fatalf("expected rejection during restarted cooldown, got %v", err)
	}
}

func TestHalfOpenSingleTrialUnderConcurrency(t *testing.T) {
	b, now := newTestBreaker(t, 1, time.Second)
	b.Record(false)
	*now = now.Add(2 * time.Second)

	const callers = 32
	var wg sync.WaitGroup
	admitted := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Allow() == nil {
				admitted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(admitted)
	count := 0
	for range admitted {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one admitted trial, got %d", count)
	}
}

func TestForceOpenBypassesThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, 5, 30*time.Second)
	b.ForceOpen()
	if b.State() != StateOpen {
		t.Fatalf("expected OPEN after ForceOpen, got %s", b.State())
	}
	if err := b.Allow(); !fault.IsKind(err, fault.KindCircuitOpen) {
		t.Fatalf("expected rejection after ForceOpen, got %v", err)
	}
}

func TestTransitionSnapshots(t *testing.T) {
	var snaps []Snapshot
	b, err := New("venue-a", Settings{FailureThreshold: 1, Cooldown: time.Second}, nil, nil, func(s Snapshot) {
		snaps = append(snaps, s)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Unix(1700000000, 0)
	b.now = func() time.Time { return now }

	b.Record(false)
	now = now.Add(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial not admitted: %v", err)
	}
	b.Record(true)

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(snaps) != len(want) {
		t.Fatalf("expected %d snapshots, got %d", len(want), len(snaps))
	}
	for i, s := range snaps {
		if s.State != want[i] {
			t.Fatalf("snapshot %d state = %s, want %s", i, s.State, want[i])
		}
		if s.Resource != "venue-a" {
			t.Fatalf("snapshot %d resource = %s", i, s.Resource)
		}
	}
	if snaps[0].OpenedAt.IsZero() {
		t.Fatal("open snapshot must carry opened_at")
	}
}

func TestRegistrySharesBreakerPerResource(t *testing.T) {
	r, err := NewRegistry(Settings{FailureThreshold: 2, Cooldown: time.Second}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a1 := r.For("venue-a")
	a2 := r.For("venue-a")
	other := r.For("venue-b")
	if a1 != a2 {
		t.Fatal("same resource must share one breaker")
	}
	if a1 == other {
		t.Fatal("different resources must not share a breaker")
	}
	a1.Record(false)
	a1.Record(false)
	if a2.State() != StateOpen {
		t.Fatal("shared breaker state not visible through second handle")
	}
	if other.State() != StateClosed {
		t.Fatal("independent breaker affected")
	}
	if len(r.Snapshots()) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(r.Snapshots()))
	}
}
