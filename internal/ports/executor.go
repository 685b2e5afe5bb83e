package ports

import (
	"context"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// Exchange is the venue: collateral split/merge plus SELL order management.
type Exchange interface {
	// Split mints amount YES+NO pairs from amount collateral. Returns the tx reference.
	Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error)

	// Merge redeems amount YES+NO pairs back into collateral. Returns the tx reference.
	Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error)

	// Redeem cashes in the shares of a resolved market. Amounts follow the
	// market's outcome order. Fails while the oracle has not reported.
	Redeem(ctx context.Context, conditionID string, amountA, amountB float64, negRisk bool) (string, error)

	// PlaceOrder signs and submits a SELL limit order. Returns the exchange order ID.
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (string, error)

	// CancelOrder cancels a resting order. Returns an error wrapping
	// domain.ErrOrderNotFound when the order is already filled or cancelled.
	CancelOrder(ctx context.Context, orderID string) error

	// OrderStatus returns the exchange view of an order. Returns an error wrapping
	// domain.ErrOrderNotFound when the exchange no longer knows the order.
	OrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error)

	// Balance returns the on-chain share balance of a conditional token.
	Balance(ctx context.Context, tokenID string) (float64, error)
}

// OrderEventSource pushes order status changes as they happen.
type OrderEventSource interface {
	// Run streams updates into out until ctx is cancelled, reconnecting on failure.
	Run(ctx context.Context, out chan<- domain.OrderUpdate) error
}
