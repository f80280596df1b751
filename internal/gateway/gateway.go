// Package gateway is the exchange boundary. One implementation exists per
// venue; everything above it sees normalized orders, fills and exposure.
package gateway

import (
	"context"

	"github.com/enhen-x/BasisSentry/internal/position"
)

type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIALLY_FILLED"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

func (s OrderStatus) Done() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// OrderRequest is a bounded order: Qty at no worse than PriceBound.
type OrderRequest struct {
	Instrument    string
	Side          position.Side
	Qty           float64
	PriceBound    float64
	ReduceOnly    bool
	ClientOrderID string
}

// OrderState is the exchange's view of one order, used both for fill polling
// and for unknown-outcome reconciliation.
type OrderState struct {
	OrderID   string
	Status    OrderStatus
	FilledQty float64
	AvgPrice  float64
}

// FundingInfo is the venue's published funding data for one perp instrument.
type FundingInfo struct {
	Instrument    string
	Rate          float64
	PredictedRate float64
	NextFunding   int64 // unix ms
	MarkPrice     float64
	Volume24hUSD  float64
}

// Gateway places and queries orders on one venue. Calls are I/O bound; every
// call honors its context deadline, and a deadline expiry means the outcome is
// unknown until OrderStatus confirms it.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, instrument, orderID string) error
	OrderStatus(ctx context.Context, instrument, orderID string) (OrderState, error)
	Exposure(ctx context.Context, instrument string) (float64, error)
	FundingRates(ctx context.Context) ([]FundingInfo, error)
}
