package retry

import (
	"context"
	"time"

	"capital-router/internal/fault"
	"capital-router/internal/metrics"

	"go.uber.org/zap"
)

// Invoker runs fallible operations under a Policy. The inter-attempt wait
// is the only suspension point: a blocking Do call cooperates through ctx,
// and callers wanting parallelism run Do in their own goroutine with the
// same semantics.
type Invoker struct {
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(log *zap.Logger, m *metrics.Metrics) *Invoker {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Invoker{log: log, metrics: m}
}

// Do invokes op up to policy.MaxAttempts times and reports how many
// attempts ran. A failure whose kind is outside policy.RetryableKinds
// surfaces immediately with attempts remaining; exhausting the budget
// surfaces the last error wrapped as RetryExhausted.
func (i *Invoker) Do(ctx context.Context, name string, policy Policy, op func() error) (int, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	for attempt := 1; ; attempt++ {
		i.metrics.RetryAttempts.Inc()
		err := op()
		if err == nil {
			i.log.Debug("operation succeeded",
				zap.String("op", name),
				zap.Int("attempt", attempt),
			)
			return attempt, nil
		}
		kind := fault.KindOf(err)
		if !policy.retryable(kind) {
			i.log.Warn("operation failed, not retryable",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			return attempt, err
		}
		if attempt >= policy.MaxAttempts {
			i.metrics.RetriesExhausted.Inc()
			i.log.Warn("operation failed, attempts exhausted",
				zap.String("op", name),
				zap.Int("attempt", attempt),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			return attempt, fault.Wrap(fault.KindRetryExhausted, err)
		}
		wait := policy.Wait(attempt + 1)
		if suggested, ok := fault.RetryAfterOf(err); ok && suggested > wait {
			wait = suggested
		}
		i.log.Info("operation failed, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(wait):
		}
	}
}
