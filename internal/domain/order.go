package domain

import (
	"strings"
	"time"
)

// OrderStatus is the local lifecycle status of a resting sell order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// fillEpsilon absorbs rounding in exchange-reported sizes (6-decimal micro units).
const fillEpsilon = 1e-6

// Order is one resting sell order for one side of a Position.
// It is replaced (new ID) on every price adjustment.
type Order struct {
	ID          string
	Side        Side
	TokenID     string
	Price       float64
	Size        float64
	Status      OrderStatus
	FilledSize  float64
	FilledPrice float64
	PlacedAt    time.Time
	UpdatedAt   time.Time
}

// Remaining returns the unfilled size.
func (o Order) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < fillEpsilon {
		return 0
	}
	return r
}

// PlaceOrderRequest contains the parameters to place one SELL order.
type PlaceOrderRequest struct {
	PositionID string
	Side       Side
	TokenID    string
	Price      float64
	Size       float64 // shares
	NegRisk    bool
}

// OrderStatusReport is the exchange's view of an order, parsed at the boundary.
type OrderStatusReport struct {
	OrderID      string
	Status       OrderStatus
	OriginalSize float64
	FilledSize   float64
	FilledPrice  float64
}

// UpdateSource identifies which reconciliation path produced an OrderUpdate.
type UpdateSource string

const (
	SourcePush UpdateSource = "push"
	SourcePull UpdateSource = "pull"
)

// OrderUpdate is an order event delivered to the position loop.
type OrderUpdate struct {
	OrderID     string
	TokenID     string
	Status      OrderStatus
	FilledSize  float64
	FilledPrice float64
	Source      UpdateSource
	ReceivedAt  time.Time
}

// Report converts the update into a status report.
func (u OrderUpdate) Report() OrderStatusReport {
	return OrderStatusReport{
		OrderID:     u.OrderID,
		Status:      u.Status,
		FilledSize:  u.FilledSize,
		FilledPrice: u.FilledPrice,
	}
}

// ClassifyOrderStatus maps an exchange status string plus matched/original sizes
// to a local OrderStatus.
//
//	filled    — status filled/complete/matched, or matched >= original > 0
//	cancelled — status cancelled/canceled/invalid
//	partial   — open-like status with 0 < matched < original
func ClassifyOrderStatus(raw string, matched, original float64) OrderStatus {
	s := strings.ToLower(strings.TrimSpace(raw))

	if original > 0 && matched >= original-fillEpsilon {
		return OrderFilled
	}
	switch {
	case s == "filled" || s == "complete" || s == "matched":
		return OrderFilled
	case strings.HasPrefix(s, "cancel") || strings.HasPrefix(s, "invalid"):
		return OrderCancelled
	}
	if matched > fillEpsilon {
		return OrderPartial
	}
	return OrderOpen
}
