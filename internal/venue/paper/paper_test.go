package paper

import (
	"context"
	"errors"
	"testing"

	"capital-router/internal/fault"
	"capital-router/internal/venue"
)

func TestSubmitAssignsSequentialIDs(t *testing.T) {
	a := New("paper")
	ctx := context.Background()
	first, err := a.SubmitOrder(ctx, venue.Request{ClientOrderID: "c1", Symbol: "ETH", IsBuy: true, Quantity: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	second, err := a.SubmitOrder(ctx, venue.Request{ClientOrderID: "c2", Symbol: "ETH", IsBuy: true, Quantity: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if first.VenueOrderID != "paper-1" || second.VenueOrderID != "paper-2" {
		t.Fatalf("unexpected ids %s, %s", first.VenueOrderID, second.VenueOrderID)
	}
	if first.Status != venue.AckAccepted {
		t.Fatalf("expected ACCEPTED, got %s", first.Status)
	}
}

func TestScriptedErrorsThenAccept(t *testing.T) {
	transient := fault.New(fault.KindTransient, "flaky")
	a := New("paper", WithScript(transient, transient))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := a.SubmitOrder(ctx, venue.Request{Quantity: 1}); !errors.Is(err, transient) {
			t.Fatalf("call %d: expected scripted error, got %v", i+1, err)
		}
	}
	ack, err := a.SubmitOrder(ctx, venue.Request{Quantity: 1})
	if err != nil {
		t.Fatalf("expected acceptance after script drained, got %v", err)
	}
	if ack.VenueOrderID == "" {
		t.Fatal("expected a venue order id")
	}
	if got := a.Submits(); got != 3 {
		t.Fatalf("expected 3 submits, got %d", got)
	}
}

func TestImmediateFillsReported(t *testing.T) {
	a := New("paper", WithImmediateFills())
	ack, err := a.SubmitOrder(context.Background(), venue.Request{Quantity: 2.5})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ack.Status != venue.AckFilled || ack.FilledQty != 2.5 {
		t.Fatalf("expected a full fill, got %+v", ack)
	}
	status, err := a.OrderStatus(context.Background(), ack.VenueOrderID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Open {
		t.Fatal("filled order must not be open")
	}
}

func TestCancelClosesOrder(t *testing.T) {
	a := New("paper")
	ctx := context.Background()
	ack, err := a.SubmitOrder(ctx, venue.Request{Quantity: 1})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if err := a.CancelOrder(ctx, ack.VenueOrderID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	status, err := a.OrderStatus(ctx, ack.VenueOrderID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.Open {
		t.Fatal("cancelled order must not be open")
	}
	if err := a.CancelOrder(ctx, "missing"); err == nil {
		t.Fatal("expected error for unknown order")
	}
}
