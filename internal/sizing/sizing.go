package sizing

import (
	"errors"
	"fmt"
	"math"
)

// RiskContext is the per-call input to sizing. It is recomputed for every
// intent and never stored.
type RiskContext struct {
	AccountEquity        float64
	MaxRiskPerTrade      float64
	InstrumentVolatility float64
}

// LotConstraints are venue-imposed quantity rules. Quantities are floored
// to the step and anything below MinLot means skip the trade.
type LotConstraints struct {
	MinLot  float64
	LotStep float64
}

var (
	ErrEquity     = errors.New("account equity must be > 0")
	ErrRisk       = errors.New("max risk per trade must be in (0, 1]")
	ErrVolatility = errors.New("instrument volatility must be > 0")
	ErrConfidence = errors.New("signal confidence must be in [0, 1]")
	ErrWeight     = errors.New("allocation weight must be in [0, 1]")
)

// Size computes an order quantity from the risk budget. The budget is
// equity * maxRisk scaled by the strategy's allocation weight, shrunk for
// volatile instruments and for low-confidence signals. A result of 0 means
// skip the trade; it is a normal outcome, not a fault. The returned
// quantity never exceeds the risk budget even after lot rounding.
func Size(ctx RiskContext, lots LotConstraints, weight, confidence float64) (float64, error) {
	if ctx.AccountEquity <= 0 {
		return 0, fmt.Errorf("sizing: %w (got %.4f)", ErrEquity, ctx.AccountEquity)
	}
	if ctx.MaxRiskPerTrade <= 0 || ctx.MaxRiskPerTrade > 1 {
		return 0, fmt.Errorf("sizing: %w (got %.4f)", ErrRisk, ctx.MaxRiskPerTrade)
	}
	if ctx.InstrumentVolatility <= 0 {
		return 0, fmt.Errorf("sizing: %w (got %.4f)", ErrVolatility, ctx.InstrumentVolatility)
	}
	if confidence < 0 || confidence > 1 {
		return 0, fmt.Errorf("sizing: %w (got %.4f)", ErrConfidence, confidence)
	}
	if weight < 0 || weight > 1 {
		return 0, fmt.Errorf("sizing: %w (got %.4f)", ErrWeight, weight)
	}

	budget := ctx.AccountEquity * ctx.MaxRiskPerTrade * weight
	qty := budget / ctx.InstrumentVolatility * confidence
	if qty <= 0 {
		return 0, nil
	}

	if lots.LotStep > 0 {
		qty = math.Floor(qty/lots.LotStep) * lots.LotStep
	}
	if lots.MinLot > 0 && qty < lots.MinLot {
		return 0, nil
	}
	// Flooring can only shrink qty, but guard the budget cap explicitly so
	// rounding arithmetic can never push notional risk above it.
	if maxQty := budget / ctx.InstrumentVolatility; qty > maxQty {
		qty = maxQty
	}
	return qty, nil
}
