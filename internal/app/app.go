package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"capital-router/internal/alerts"
	"capital-router/internal/alloc"
	"capital-router/internal/breaker"
	"capital-router/internal/config"
	"capital-router/internal/exec"
	"capital-router/internal/metrics"
	"capital-router/internal/order"
	"capital-router/internal/retry"
	"capital-router/internal/signal"
	"capital-router/internal/sizing"
	"capital-router/internal/state/sqlite"
	"capital-router/internal/telemetry"
	"capital-router/internal/venue"

	"go.uber.org/zap"
)

// App wires the capital-control core to its collaborators: a signal
// source feeding intents in, venue adapters taking orders out, and the
// persistence/telemetry sinks observing every transition.
type App struct {
	cfg         *config.Config
	log         *zap.Logger
	store       *sqlite.Store
	telemetry   *telemetry.Writer
	prom        *metrics.Prometheus
	breakers    *breaker.Registry
	allocator   *alloc.Engine
	coordinator *exec.Coordinator
	source      signal.Source
	alerts      *alerts.Telegram

	opsMu  sync.RWMutex
	paused bool
}

// configRisk recomputes the sizing inputs per call from configured
// account and instrument parameters.
type configRisk struct {
	cfg config.RiskConfig
}

func (r configRisk) RiskContext(symbol string) (sizing.RiskContext, sizing.LotConstraints, error) {
	sc, ok := r.cfg.Symbols[symbol]
	if !ok {
		return sizing.RiskContext{}, sizing.LotConstraints{}, fmt.Errorf("no risk parameters for symbol %s", symbol)
	}
	ctx := sizing.RiskContext{
		AccountEquity:        r.cfg.AccountEquity,
		MaxRiskPerTrade:      r.cfg.MaxRiskPerTrade,
		InstrumentVolatility: sc.Volatility,
	}
	return ctx, sizing.LotConstraints{MinLot: sc.MinLot, LotStep: sc.LotStep}, nil
}

func New(cfg *config.Config, log *zap.Logger, adapters map[string]venue.Adapter, source signal.Source) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath, cfg.State.JournalRetention)
	if err != nil {
		return nil, err
	}
	writer, err := telemetry.New(telemetry.Config{
		Enabled:         cfg.Telemetry.Enabled,
		DSN:             cfg.Telemetry.DSN,
		Schema:          cfg.Telemetry.Schema,
		QueueSize:       cfg.Telemetry.QueueSize,
		MaxOpenConns:    cfg.Telemetry.MaxOpenConns,
		MaxIdleConns:    cfg.Telemetry.MaxIdleConns,
		ConnMaxLifetime: cfg.Telemetry.ConnMaxLifetime,
	}, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	prom := metrics.NewPrometheus()
	alertsClient := alerts.NewTelegram(cfg.Telegram, log)

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		telemetry: writer,
		prom:      prom,
		source:    source,
		alerts:    alertsClient,
	}

	registry, err := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, log, prom.Metrics, a.onBreakerChange)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.breakers = registry

	allocator, err := alloc.NewEngine(alloc.Config{
		Alpha:             cfg.Allocator.Alpha,
		Lookback:          cfg.Allocator.Lookback,
		MinWeight:         cfg.Allocator.MinWeight,
		MaxWeight:         cfg.Allocator.MaxWeight,
		RiskFreePerPeriod: cfg.Allocator.RiskFreePerPeriod,
		PeriodsPerYear:    cfg.Allocator.PeriodsPerYear,
		SnapshotLogCap:    cfg.Allocator.SnapshotLogCap,
	}, log, prom.Metrics, a.onWeightSnapshot)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.allocator = allocator

	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		MinWait:        cfg.Retry.MinWait,
		MaxWait:        cfg.Retry.MaxWait,
		Multiplier:     cfg.Retry.Multiplier,
		RetryableKinds: retry.DefaultRetryable(),
	}
	coordinator, err := exec.New(
		allocator,
		configRisk{cfg: cfg.Risk},
		registry,
		retry.New(log, prom.Metrics),
		policy,
		adapters,
		store,
		log,
		prom.Metrics,
		a.onOrderChange,
	)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.coordinator = coordinator
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.store.Close()
	a.telemetry.Start(ctx)

	if a.cfg.Metrics.Enabled {
		go a.serveMetrics(ctx)
	}

	ticker := time.NewTicker(a.cfg.Allocator.RebalanceInterval)
	defer ticker.Stop()

	intents := make(chan signal.Intent, 64)
	feedDone := make(chan error, 1)
	go func() {
		feedDone <- a.source.Run(ctx, func(intent signal.Intent) {
			select {
			case intents <- intent:
			default:
				a.log.Warn("intent queue full, dropping",
					zap.String("strategy", intent.StrategyID),
					zap.String("symbol", intent.Symbol),
				)
			}
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-feedDone:
			return err
		case <-ticker.C:
			a.allocator.RebalanceRecorded()
		case intent := <-intents:
			go a.handleIntent(ctx, intent)
		}
	}
}

func (a *App) handleIntent(ctx context.Context, in signal.Intent) {
	if a.isPaused() {
		a.log.Info("trading paused, intent dropped",
			zap.String("strategy", in.StrategyID),
			zap.String("symbol", in.Symbol),
		)
		return
	}
	if err := in.Validate(); err != nil {
		a.log.Warn("invalid intent", zap.Error(err))
		return
	}
	venueName := in.Venue
	if venueName == "" && len(a.cfg.Venues) > 0 {
		venueName = a.cfg.Venues[0]
	}
	// A strategy seen for the first time joins the book at a neutral
	// score before its first order.
	if _, ok := a.allocator.Weight(in.StrategyID); !ok {
		a.allocator.Register(in.StrategyID)
		a.allocator.RebalanceRecorded()
	}
	side := order.SideBuy
	if in.Side == "SELL" {
		side = order.SideSell
	}
	snap, err := a.coordinator.Submit(ctx, exec.Intent{
		StrategyID:    in.StrategyID,
		Venue:         venueName,
		Symbol:        in.Symbol,
		Side:          side,
		Confidence:    in.Confidence,
		ClientOrderID: in.ClientOrderID,
	})
	if err != nil {
		if snap != nil {
			a.log.Warn("order finished in failure",
				zap.String("order_id", snap.ID),
				zap.String("status", string(snap.Status)),
				zap.String("kind", string(snap.LastErrorKind)),
			)
			return
		}
		a.log.Error("intent rejected", zap.Error(err))
	}
}

// RecordReturn feeds a realized per-period return into the allocator. The
// accounting collaborator calls this as fills settle.
func (a *App) RecordReturn(strategyID string, ret float64) {
	a.allocator.RecordReturn(strategyID, ret)
}

// Cancel forwards an operator cancellation request.
func (a *App) Cancel(ctx context.Context, orderID string) error {
	return a.coordinator.Cancel(ctx, orderID)
}

func (a *App) Pause() {
	a.opsMu.Lock()
	a.paused = true
	a.opsMu.Unlock()
	a.notify(context.Background(), alerts.TradingPaused())
}

func (a *App) Resume() {
	a.opsMu.Lock()
	a.paused = false
	a.opsMu.Unlock()
	a.notify(context.Background(), alerts.TradingResumed())
}

// BreakerSnapshots exposes current breaker state for operator tooling.
func (a *App) BreakerSnapshots() []breaker.Snapshot {
	return a.breakers.Snapshots()
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

// Runs under the breaker's lock, so anything slow goes to a goroutine.
func (a *App) onBreakerChange(snap breaker.Snapshot) {
	a.telemetry.EnqueueBreaker(snap)
	switch snap.State {
	case breaker.StateOpen:
		go a.notify(context.Background(), alerts.BreakerOpened(snap, a.cfg.Breaker.Cooldown))
	case breaker.StateClosed:
		go a.notify(context.Background(), alerts.BreakerClosed(snap))
	}
}

func (a *App) onWeightSnapshot(snap alloc.WeightSnapshot) {
	for id, w := range snap.Weights {
		a.telemetry.EnqueueWeight(telemetry.WeightEntry{Time: snap.Time, StrategyID: id, Weight: w})
	}
}

func (a *App) onOrderChange(snap order.Order) {
	a.telemetry.EnqueueOrder(snap)
}

func (a *App) notify(ctx context.Context, message string) {
	if err := a.alerts.Send(ctx, message); err != nil {
		a.log.Warn("alert send failed", zap.Error(err))
	}
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.prom.Handler())
	server := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.log.Warn("metrics server failed", zap.Error(err))
	}
}
