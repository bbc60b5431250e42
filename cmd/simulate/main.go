package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"capital-router/internal/alloc"
	"capital-router/internal/breaker"
	"capital-router/internal/config"
	"capital-router/internal/exec"
	"capital-router/internal/fault"
	"capital-router/internal/logging"
	"capital-router/internal/metrics"
	"capital-router/internal/order"
	"capital-router/internal/retry"
	"capital-router/internal/sizing"
	"capital-router/internal/state/sqlite"
	"capital-router/internal/venue"
	"capital-router/internal/venue/paper"
)

// Drives the full submit pipeline against an in-memory venue so the
// retry, breaker and allocation behavior can be observed without a live
// endpoint.

type simRisk struct {
	equity     float64
	risk       float64
	volatility float64
}

func (r simRisk) RiskContext(string) (sizing.RiskContext, sizing.LotConstraints, error) {
	return sizing.RiskContext{
			AccountEquity:        r.equity,
			MaxRiskPerTrade:      r.risk,
			InstrumentVolatility: r.volatility,
		}, sizing.LotConstraints{MinLot: 0.001, LotStep: 0.001}, nil
}

// flaky fails every n-th submit with a transient fault.
type flaky struct {
	inner venue.Adapter
	every int
	calls int
}

func (f *flaky) SubmitOrder(ctx context.Context, req venue.Request) (venue.Ack, error) {
	f.calls++
	if f.every > 0 && f.calls%f.every == 0 {
		return venue.Ack{}, fault.New(fault.KindTransient, "simulated venue hiccup")
	}
	return f.inner.SubmitOrder(ctx, req)
}

func (f *flaky) CancelOrder(ctx context.Context, venueOrderID string) error {
	return f.inner.CancelOrder(ctx, venueOrderID)
}

func main() {
	intents := flag.Int("intents", 20, "number of intents to submit")
	failEvery := flag.Int("fail-every", 4, "fail every n-th venue call with a transient error (0 disables)")
	strategies := flag.String("strategies", "momentum,carry,meanrev", "comma separated strategy ids")
	symbol := flag.String("symbol", "ETH", "instrument symbol")
	statePath := flag.String("state", filepath.Join(os.TempDir(), "capital-router-sim.db"), "sqlite path for the run")
	seed := flag.Int64("seed", 42, "seed for synthetic strategy returns")
	flag.Parse()

	log := logging.New(config.LoggingConfig{Level: "warn", Encoding: "console"})
	defer func() { _ = log.Sync() }()
	noop := metrics.NewNoop()

	store, err := sqlite.New(*statePath, 1000)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	breakers, err := breaker.NewRegistry(breaker.Settings{FailureThreshold: 3, Cooldown: 5 * time.Second}, log, noop, nil)
	if err != nil {
		fatal(err)
	}
	engine, err := alloc.NewEngine(alloc.Config{
		Alpha:          0.3,
		Lookback:       30,
		MinWeight:      0.05,
		MaxWeight:      0.6,
		PeriodsPerYear: 252,
		SnapshotLogCap: 16,
	}, log, noop, nil)
	if err != nil {
		fatal(err)
	}

	ids := strings.Split(*strategies, ",")
	rng := rand.New(rand.NewSource(*seed))
	for _, id := range ids {
		engine.Register(id)
		// Synthetic history so the strategies end up with distinct weights.
		drift := rng.Float64() * 0.004
		for i := 0; i < 30; i++ {
			engine.RecordReturn(id, drift+rng.NormFloat64()*0.01)
		}
	}
	weights := engine.RebalanceRecorded()
	fmt.Println("allocation after synthetic history:")
	for _, id := range ids {
		fmt.Printf("  %-10s %.4f\n", id, weights[id])
	}

	adapter := &flaky{inner: paper.New("sim", paper.WithImmediateFills()), every: *failEvery}
	coordinator, err := exec.New(
		engine,
		simRisk{equity: 100000, risk: 0.01, volatility: 0.05},
		breakers,
		retry.New(log, noop),
		retry.Policy{
			MaxAttempts:    3,
			MinWait:        10 * time.Millisecond,
			MaxWait:        100 * time.Millisecond,
			Multiplier:     2,
			RetryableKinds: retry.DefaultRetryable(),
		},
		map[string]venue.Adapter{"sim": adapter},
		store,
		log,
		noop,
		nil,
	)
	if err != nil {
		fatal(err)
	}

	ctx := context.Background()
	outcomes := map[order.Status]int{}
	for i := 0; i < *intents; i++ {
		id := ids[i%len(ids)]
		snap, err := coordinator.Submit(ctx, exec.Intent{
			StrategyID:    id,
			Venue:         "sim",
			Symbol:        *symbol,
			Side:          order.SideBuy,
			Confidence:    0.5 + rng.Float64()*0.5,
			ClientOrderID: fmt.Sprintf("sim-%d", i),
		})
		switch {
		case err != nil && snap == nil:
			fmt.Printf("intent %2d %-10s rejected: %v\n", i, id, err)
		case snap == nil:
			fmt.Printf("intent %2d %-10s skipped (below minimum lot)\n", i, id)
		default:
			outcomes[snap.Status]++
			fmt.Printf("intent %2d %-10s order=%s status=%s qty=%.4f attempts=%d\n",
				i, id, snap.ID, snap.Status, snap.RequestedQty, snap.AttemptsUsed)
		}
	}

	fmt.Println("outcomes:")
	for status, n := range outcomes {
		fmt.Printf("  %-16s %d\n", status, n)
	}
	for _, snap := range breakers.Snapshots() {
		fmt.Printf("breaker %s state=%s consecutive_failures=%d\n", snap.Resource, snap.State, snap.ConsecutiveFailures)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
