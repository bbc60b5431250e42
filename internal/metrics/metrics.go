package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	RetryAttempts    Counter
	RetriesExhausted Counter
	BreakerOpened    Counter
	BreakerHalfOpen  Counter
	BreakerClosed    Counter
	OrdersSubmitted  Counter
	OrdersFilled     Counter
	OrdersRejected   Counter
	OrdersFailed     Counter
	OrdersCancelled  Counter
	TradesSkipped    Counter
	Rebalances       Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		RetryAttempts:    n,
		RetriesExhausted: n,
		BreakerOpened:    n,
		BreakerHalfOpen:  n,
		BreakerClosed:    n,
		OrdersSubmitted:  n,
		OrdersFilled:     n,
		OrdersRejected:   n,
		OrdersFailed:     n,
		OrdersCancelled:  n,
		TradesSkipped:    n,
		Rebalances:       n,
	}
}
