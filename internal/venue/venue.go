package venue

import (
	"context"
)

// AckStatus is what the venue reports back for an accepted order.
type AckStatus string

const (
	AckAccepted        AckStatus = "ACCEPTED"
	AckFilled          AckStatus = "FILLED"
	AckPartiallyFilled AckStatus = "PARTIALLY_FILLED"
)

type Request struct {
	ClientOrderID string
	Symbol        string
	IsBuy         bool
	Quantity      float64
}

type Ack struct {
	VenueOrderID string
	Status       AckStatus
	FilledQty    float64
	AvgPrice     float64
}

// Adapter is the in-process boundary to one execution venue. Protocol
// framing lives behind it; implementations classify every failure with a
// fault.Kind so the caller can decide retryability without knowing the
// venue. Timeouts against the supplied context must surface as Transient.
type Adapter interface {
	SubmitOrder(ctx context.Context, req Request) (Ack, error)
	CancelOrder(ctx context.Context, venueOrderID string) error
}

// OrderStatus is the reconciliation view used after best-effort cancels.
type OrderStatus struct {
	VenueOrderID string
	FilledQty    float64
	Open         bool
}

// StatusQuerier is optional; adapters that can report order state allow
// the coordinator to reconcile cancels dispatched after submission.
type StatusQuerier interface {
	OrderStatus(ctx context.Context, venueOrderID string) (OrderStatus, error)
}
