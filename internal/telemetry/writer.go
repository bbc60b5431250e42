package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"capital-router/internal/breaker"
	"capital-router/internal/order"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// WeightEntry is one strategy's share at one rebalance.
type WeightEntry struct {
	Time       time.Time
	StrategyID string
	Weight     float64
}

type Config struct {
	Enabled         bool
	DSN             string
	Schema          string
	QueueSize       int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Writer streams order transitions, breaker transitions and allocation
// weights into TimescaleDB for the dashboard collaborators. Writes are
// asynchronous; a full queue drops entries rather than stall order flow.
type Writer struct {
	db       *sql.DB
	log      *zap.Logger
	schema   string
	orders   chan order.Order
	breakers chan breaker.Snapshot
	weights  chan WeightEntry
	started  atomic.Bool
	dropped  atomic.Uint64
}

func New(cfg Config, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("telemetry dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:       db,
		log:      log,
		schema:   schema,
		orders:   make(chan order.Order, queueSize),
		breakers: make(chan breaker.Snapshot, queueSize),
		weights:  make(chan WeightEntry, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueOrder(snap order.Order) {
	if w == nil {
		return
	}
	select {
	case w.orders <- snap:
	default:
		w.noteDrop("order queue full")
	}
}

func (w *Writer) EnqueueBreaker(snap breaker.Snapshot) {
	if w == nil {
		return
	}
	select {
	case w.breakers <- snap:
	default:
		w.noteDrop("breaker queue full")
	}
}

func (w *Writer) EnqueueWeight(entry WeightEntry) {
	if w == nil {
		return
	}
	select {
	case w.weights <- entry:
	default:
		w.noteDrop("weight queue full")
	}
}

func (w *Writer) noteDrop(msg string) {
	if w.dropped.Add(1) == 1 && w.log != nil {
		w.log.Warn("telemetry " + msg)
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.orders:
			w.writeOrder(ctx, snap)
		case snap := <-w.breakers:
			w.writeBreaker(ctx, snap)
		case entry := <-w.weights:
			w.writeWeight(ctx, entry)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("telemetry db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		order_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		venue TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_qty DOUBLE PRECISION NOT NULL,
		filled_qty DOUBLE PRECISION NOT NULL,
		attempts INTEGER NOT NULL,
		last_error_kind TEXT NOT NULL
	)`, w.table("order_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		resource TEXT NOT NULL,
		state TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL,
		opened_at TIMESTAMPTZ
	)`, w.table("breaker_transitions"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy_id TEXT NOT NULL,
		weight DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (ts, strategy_id)
	)`, w.table("allocation_weights"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if w.log != nil {
			w.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	for _, table := range []string{"order_transitions", "breaker_transitions", "allocation_weights"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(table))); err != nil && w.log != nil {
			w.log.Warn("hypertable create failed", zap.String("table", table), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeOrder(ctx context.Context, snap order.Order) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, order_id, strategy_id, venue, symbol, side, status,
		requested_qty, filled_qty, attempts, last_error_kind
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, w.table("order_transitions"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.UpdatedAt,
		snap.ID,
		snap.StrategyID,
		snap.Venue,
		snap.Symbol,
		string(snap.Side),
		string(snap.Status),
		snap.RequestedQty,
		snap.FilledQty,
		snap.AttemptsUsed,
		string(snap.LastErrorKind),
	); err != nil && w.log != nil {
		w.log.Warn("order transition insert failed", zap.Error(err))
	}
}

func (w *Writer) writeBreaker(ctx context.Context, snap breaker.Snapshot) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var openedAt any
	if !snap.OpenedAt.IsZero() {
		openedAt = snap.OpenedAt
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, resource, state, consecutive_failures, opened_at
	) VALUES ($1,$2,$3,$4,$5)`, w.table("breaker_transitions"))
	if _, err := w.db.ExecContext(ctx, query,
		snap.Time,
		snap.Resource,
		string(snap.State),
		snap.ConsecutiveFailures,
		openedAt,
	); err != nil && w.log != nil {
		w.log.Warn("breaker transition insert failed", zap.Error(err))
	}
}

func (w *Writer) writeWeight(ctx context.Context, entry WeightEntry) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, strategy_id, weight)
		VALUES ($1,$2,$3)
		ON CONFLICT (ts, strategy_id) DO UPDATE SET weight = EXCLUDED.weight`, w.table("allocation_weights"))
	if _, err := w.db.ExecContext(ctx, query,
		entry.Time,
		entry.StrategyID,
		entry.Weight,
	); err != nil && w.log != nil {
		w.log.Warn("allocation weight insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
