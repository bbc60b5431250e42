package alloc

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"capital-router/internal/metrics"

	"go.uber.org/zap"
)

const (
	// Smoothed scores are clamped so a merely-unlucky strategy is never
	// starved to zero weight and a single outlier never takes the book.
	scoreFloor = 0.5
	scoreCap   = 5.0

	weightEpsilon = 1e-9

	// Accumulated float error on a constant return series can leave the
	// sample deviation a hair above zero; anything below this is no edge.
	stdEpsilon = 1e-12
)

type Config struct {
	Alpha             float64
	Lookback          int
	MinWeight         float64
	MaxWeight         float64
	RiskFreePerPeriod float64
	PeriodsPerYear    float64
	SnapshotLogCap    int
}

func (c Config) Validate() error {
	if c.Alpha < 0 || c.Alpha >= 1 {
		return errors.New("alloc: alpha must be in [0, 1)")
	}
	if c.Lookback < 2 {
		return errors.New("alloc: lookback must be >= 2")
	}
	if c.MinWeight < 0 || c.MaxWeight <= 0 || c.MinWeight > c.MaxWeight || c.MaxWeight > 1 {
		return errors.New("alloc: weight bounds must satisfy 0 <= min <= max <= 1")
	}
	if c.PeriodsPerYear <= 0 {
		return errors.New("alloc: periods_per_year must be > 0")
	}
	return nil
}

// Performance is one strategy's input to a rebalance pass.
type Performance struct {
	Returns    []float64
	TradeCount int
}

type strategyState struct {
	returns   *returnRing
	smoothed  float64
	hasScore  bool
	lastTrade int
}

// Engine maintains per-strategy capital weights from realized performance.
// Rebalances are serialized globally: the water-filling pass works over all
// strategies at once and must not interleave.
type Engine struct {
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
	onSnapshot func(WeightSnapshot)
	now        func() time.Time

	mu            sync.Mutex
	strategies    map[string]*strategyState
	weights       map[string]float64
	history       *snapshotLog
	lastRebalance time.Time
}

func NewEngine(cfg Config, log *zap.Logger, m *metrics.Metrics, onSnapshot func(WeightSnapshot)) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	logCap := cfg.SnapshotLogCap
	if logCap <= 0 {
		logCap = 1024
	}
	return &Engine{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		onSnapshot: onSnapshot,
		now:        time.Now,
		strategies: make(map[string]*strategyState),
		weights:    make(map[string]float64),
		history:    newSnapshotLog(logCap),
	}, nil
}

// Register adds a strategy. Until its first rebalance it carries no weight.
func (e *Engine) Register(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.strategies[id]; !ok {
		e.strategies[id] = &strategyState{returns: newReturnRing(e.cfg.Lookback)}
	}
}

// Deregister removes a strategy and renormalizes the survivors' weights so
// the book stays fully allocated between rebalances.
func (e *Engine) Deregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.strategies, id)
	delete(e.weights, id)
	total := 0.0
	for _, w := range e.weights {
		total += w
	}
	if total <= weightEpsilon {
		return
	}
	for sid, w := range e.weights {
		e.weights[sid] = w / total
	}
}

// RecordReturn appends a realized per-period return to the strategy's
// bounded history. Unknown strategies are registered implicitly.
func (e *Engine) RecordReturn(id string, ret float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.strategies[id]
	if !ok {
		st = &strategyState{returns: newReturnRing(e.cfg.Lookback)}
		e.strategies[id] = st
	}
	st.returns.Append(ret)
	st.lastTrade++
}

// Weight resolves a strategy's current allocation weight.
func (e *Engine) Weight(id string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.weights[id]
	return w, ok
}

func (e *Engine) Weights() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.weights))
	for id, w := range e.weights {
		out[id] = w
	}
	return out
}

func (e *Engine) History() []WeightSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.All()
}

// RebalanceRecorded rebalances from the returns accumulated through
// RecordReturn.
func (e *Engine) RebalanceRecorded() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	perf := make(map[string]Performance, len(e.strategies))
	for id, st := range e.strategies {
		perf[id] = Performance{Returns: st.returns.Values(), TradeCount: st.lastTrade}
	}
	return e.rebalanceLocked(perf)
}

// Rebalance recomputes all weights from the supplied performance. The pass
// is idempotent for identical inputs within a tick, but smoothing makes it
// order-sensitive across ticks.
func (e *Engine) Rebalance(perf map[string]Performance) map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebalanceLocked(perf)
}

func (e *Engine) rebalanceLocked(perf map[string]Performance) map[string]float64 {
	if len(perf) == 0 {
		return map[string]float64{}
	}

	scores := make(map[string]float64, len(perf))
	for id, p := range perf {
		st, ok := e.strategies[id]
		if !ok {
			st = &strategyState{returns: newReturnRing(e.cfg.Lookback)}
			e.strategies[id] = st
		}
		raw := e.rawScore(p.Returns)
		if st.hasScore {
			st.smoothed = e.cfg.Alpha*st.smoothed + (1-e.cfg.Alpha)*raw
		} else {
			st.smoothed = raw
			st.hasScore = true
		}
		scores[id] = clamp(st.smoothed, scoreFloor, scoreCap)
	}

	weights := normalize(scores)
	weights = waterFill(weights, e.cfg.MinWeight, e.cfg.MaxWeight)

	e.weights = weights
	e.lastRebalance = e.now()
	snap := WeightSnapshot{Time: e.lastRebalance, Weights: copyWeights(weights)}
	e.history.Append(snap)
	e.metrics.Rebalances.Inc()
	e.log.Info("rebalanced", zap.Int("strategies", len(weights)))
	if e.onSnapshot != nil {
		e.onSnapshot(snap)
	}
	return copyWeights(weights)
}

// rawScore is the annualized Sharpe ratio over the window. Fewer than two
// observations score a neutral 1.0; zero variance with no excess edge
// scores 0.0.
func (e *Engine) rawScore(returns []float64) float64 {
	if len(returns) < 2 {
		return 1.0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)
	if std < stdEpsilon {
		return 0.0
	}
	return (mean - e.cfg.RiskFreePerPeriod) / std * math.Sqrt(e.cfg.PeriodsPerYear)
}

func normalize(scores map[string]float64) map[string]float64 {
	total := 0.0
	for _, s := range scores {
		total += s
	}
	out := make(map[string]float64, len(scores))
	if total <= weightEpsilon {
		// Scores are floored above zero, so this only happens with an
		// empty input; keep the degenerate branch total anyway.
		even := 1.0 / float64(len(scores))
		for id := range scores {
			out[id] = even
		}
		return out
	}
	for id, s := range scores {
		out[id] = s / total
	}
	return out
}

// waterFill re-clamps weights into [min, max] and redistributes the slack
// proportionally among unclamped strategies until the sum-to-one invariant
// holds. Jointly infeasible bounds (n*max < 1 or n*min > 1) fall back to
// the best-effort normalized split so the book is never under- or
// over-allocated.
func waterFill(weights map[string]float64, min, max float64) map[string]float64 {
	n := len(weights)
	if n == 0 {
		return weights
	}
	if float64(n)*max < 1-weightEpsilon || float64(n)*min > 1+weightEpsilon {
		return weights
	}

	out := copyWeights(weights)
	fixed := make(map[string]bool, n)
	// Each pass pins at least one weight to a bound, so this terminates in
	// at most n passes.
	for pass := 0; pass < n; pass++ {
		clampedAny := false
		for id, w := range out {
			if fixed[id] {
				continue
			}
			if w < min-weightEpsilon {
				out[id] = min
				fixed[id] = true
				clampedAny = true
			} else if w > max+weightEpsilon {
				out[id] = max
				fixed[id] = true
				clampedAny = true
			}
		}
		if !clampedAny {
			break
		}
		fixedSum := 0.0
		freeSum := 0.0
		for id, w := range out {
			if fixed[id] {
				fixedSum += w
			} else {
				freeSum += w
			}
		}
		remaining := 1 - fixedSum
		if freeSum <= weightEpsilon {
			break
		}
		scale := remaining / freeSum
		for id, w := range out {
			if !fixed[id] {
				out[id] = w * scale
			}
		}
	}
	return settleResidual(out, min, max)
}

// settleResidual absorbs whatever the clamping passes left over. When every
// weight ends up pinned to a bound the pinned sum can land off 1; the
// residual is spread over the side with room, proportional to each weight's
// headroom (raising toward max) or slack (lowering toward min). The
// feasibility guard in waterFill guarantees enough room on the needed side,
// so no weight leaves its bounds here.
func settleResidual(out map[string]float64, min, max float64) map[string]float64 {
	sum := 0.0
	for _, w := range out {
		sum += w
	}
	residual := 1 - sum
	if math.Abs(residual) <= weightEpsilon {
		return out
	}
	if residual > 0 {
		headroom := 0.0
		for _, w := range out {
			headroom += max - w
		}
		if headroom <= weightEpsilon {
			return out
		}
		for id, w := range out {
			out[id] = w + residual*(max-w)/headroom
		}
		return out
	}
	slack := 0.0
	for _, w := range out {
		slack += w - min
	}
	if slack <= weightEpsilon {
		return out
	}
	for id, w := range out {
		out[id] = w + residual*(w-min)/slack
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func copyWeights(weights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	for id, w := range weights {
		out[id] = w
	}
	return out
}

// StrategyIDs lists registered strategies in stable order, mainly for
// status reporting.
func (e *Engine) StrategyIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.strategies))
	for id := range e.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
