package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"capital-router/internal/config"
	"capital-router/internal/signal"
	"capital-router/internal/venue"

	"go.uber.org/zap"
)

type recordingAdapter struct {
	mu    sync.Mutex
	calls []venue.Request
	err   error
}

func (a *recordingAdapter) SubmitOrder(_ context.Context, req venue.Request) (venue.Ack, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.err != nil {
		return venue.Ack{}, a.err
	}
	return venue.Ack{VenueOrderID: "v-1", Status: venue.AckAccepted}, nil
}

func (a *recordingAdapter) CancelOrder(context.Context, string) error { return nil }

func (a *recordingAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// chanSource replays intents from a channel, standing in for the
// websocket feed.
type chanSource struct {
	intents chan signal.Intent
}

func (s *chanSource) Run(ctx context.Context, handler func(signal.Intent)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent, ok := <-s.intents:
			if !ok {
				return nil
			}
			handler(intent)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Log:     config.LoggingConfig{Level: "error"},
		Metrics: config.MetricsConfig{Enabled: false},
		State: config.StateConfig{
			SQLitePath:       filepath.Join(t.TempDir(), "router.db"),
			JournalRetention: 100,
		},
		Telemetry: config.TelemetryConfig{Enabled: false},
		Signals:   config.SignalsConfig{URL: "ws://unused", ReconnectDelay: time.Second, PingInterval: 15 * time.Second},
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinWait:     time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second},
		Allocator: config.AllocatorConfig{
			Alpha:             0.3,
			Lookback:          30,
			MinWeight:         0.05,
			MaxWeight:         0.6,
			PeriodsPerYear:    252,
			SnapshotLogCap:    16,
			RebalanceInterval: time.Hour,
		},
		Risk: config.RiskConfig{
			AccountEquity:   100000,
			MaxRiskPerTrade: 0.01,
			Symbols: map[string]config.SymbolConfig{
				"ETH": {Volatility: 0.05, MinLot: 0.001, LotStep: 0.001},
			},
		},
		Venues: []string{"venue-a"},
	}
}

func newTestApp(t *testing.T, adapter venue.Adapter, source signal.Source) *App {
	t.Helper()
	a, err := New(testConfig(t), zap.NewNop(), map[string]venue.Adapter{"venue-a": adapter}, source)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestHandleIntentSubmitsOrder(t *testing.T) {
	adapter := &recordingAdapter{}
	a := newTestApp(t, adapter, &chanSource{})
	defer a.store.Close()

	a.handleIntent(context.Background(), signal.Intent{
		StrategyID:    "momentum",
		Symbol:        "ETH",
		Side:          "BUY",
		Confidence:    0.8,
		ClientOrderID: "cloid-1",
	})

	if got := adapter.callCount(); got != 1 {
		t.Fatalf("expected 1 venue call, got %d", got)
	}
	if !adapter.calls[0].IsBuy {
		t.Fatal("expected a buy request")
	}
	if adapter.calls[0].Symbol != "ETH" {
		t.Fatalf("unexpected symbol %s", adapter.calls[0].Symbol)
	}
}

func TestHandleIntentDefaultsVenue(t *testing.T) {
	adapter := &recordingAdapter{}
	a := newTestApp(t, adapter, &chanSource{})
	defer a.store.Close()

	a.handleIntent(context.Background(), signal.Intent{
		StrategyID: "momentum",
		Symbol:     "ETH",
		Side:       "SELL",
		Confidence: 0.5,
	})

	if got := adapter.callCount(); got != 1 {
		t.Fatalf("expected 1 venue call, got %d", got)
	}
	if adapter.calls[0].IsBuy {
		t.Fatal("expected a sell request")
	}
}

func TestHandleIntentAutoRegistersStrategy(t *testing.T) {
	adapter := &recordingAdapter{}
	a := newTestApp(t, adapter, &chanSource{})
	defer a.store.Close()

	if _, ok := a.allocator.Weight("fresh"); ok {
		t.Fatal("strategy must not exist before its first intent")
	}
	a.handleIntent(context.Background(), signal.Intent{
		StrategyID: "fresh",
		Symbol:     "ETH",
		Side:       "BUY",
		Confidence: 1,
	})
	w, ok := a.allocator.Weight("fresh")
	if !ok {
		t.Fatal("strategy must be registered after its first intent")
	}
	if w <= 0 {
		t.Fatalf("expected a positive weight, got %f", w)
	}
}

func TestPausedAppDropsIntents(t *testing.T) {
	adapter := &recordingAdapter{}
	a := newTestApp(t, adapter, &chanSource{})
	defer a.store.Close()

	a.Pause()
	a.handleIntent(context.Background(), signal.Intent{
		StrategyID: "momentum",
		Symbol:     "ETH",
		Side:       "BUY",
		Confidence: 1,
	})
	if got := adapter.callCount(); got != 0 {
		t.Fatalf("expected no venue calls while paused, got %d", got)
	}

	a.Resume()
	a.handleIntent(context.Background(), signal.Intent{
		StrategyID: "momentum",
		Symbol:     "ETH",
		Side:       "BUY",
		Confidence: 1,
	})
	if got := adapter.callCount(); got != 1 {
		t.Fatalf("expected 1 venue call after resume, got %d", got)
	}
}

func TestHandleIntentInvalidDropped(t *testing.T) {
	adapter := &recordingAdapter{}
	a := newTestApp(t, adapter, &chanSource{})
	defer a.store.Close()

	a.handleIntent(context.Background(), signal.Intent{
		Symbol:     "ETH",
		Side:       "BUY",
		Confidence: 1,
	})
	if got := adapter.callCount(); got != 0 {
		t.Fatalf("invalid intent must not reach the venue, got %d calls", got)
	}
}

func TestRunConsumesFeed(t *testing.T) {
	adapter := &recordingAdapter{}
	source := &chanSource{intents: make(chan signal.Intent, 1)}
	a := newTestApp(t, adapter, source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	source.intents <- signal.Intent{
		StrategyID: "momentum",
		Symbol:     "ETH",
		Side:       "BUY",
		Confidence: 0.9,
	}

	deadline := time.After(2 * time.Second)
	for adapter.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the intent to reach the venue")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRecordReturnFlowsToAllocator(t *testing.T) {
	adapter := &recordingAdapter{}
	a := newTestApp(t, adapter, &chanSource{})
	defer a.store.Close()

	a.allocator.Register("momentum")
	for i := 0; i < 5; i++ {
		a.RecordReturn("momentum", 0.01)
	}
	a.allocator.RebalanceRecorded()
	if _, ok := a.allocator.Weight("momentum"); !ok {
		t.Fatal("expected a weight after recorded returns")
	}
}
