package polymarket

import (
	"context"

	"github.com/alejandrodnm/polysplit/internal/ports"
)

// Chain cubre la parte on-chain del exchange (CTF split/merge/redeem y balances ERC1155).
type Chain interface {
	Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error)
	Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error)
	Redeem(ctx context.Context, conditionID string, amountA, amountB float64, negRisk bool) (string, error)
	Balance(ctx context.Context, tokenID string) (float64, error)
}

// Exchange junta el CLOB y la cadena en un ports.Exchange.
type Exchange struct {
	*TradingClient
	chain Chain
}

// NewExchange crea el exchange compuesto.
func NewExchange(trading *TradingClient, chain Chain) *Exchange {
	return &Exchange{TradingClient: trading, chain: chain}
}

func (e *Exchange) Split(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error) {
	return e.chain.Split(ctx, conditionID, amount, negRisk)
}

func (e *Exchange) Merge(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error) {
	return e.chain.Merge(ctx, conditionID, amount, negRisk)
}

func (e *Exchange) Redeem(ctx context.Context, conditionID string, amountA, amountB float64, negRisk bool) (string, error) {
	return e.chain.Redeem(ctx, conditionID, amountA, amountB, negRisk)
}

func (e *Exchange) Balance(ctx context.Context, tokenID string) (float64, error) {
	return e.chain.Balance(ctx, tokenID)
}

// PlaceOrder, CancelOrder y OrderStatus vienen del TradingClient embebido.
var (
	_ ports.Exchange         = (*Exchange)(nil)
	_ ports.MarketDiscovery  = (*Client)(nil)
	_ ports.PullBookSource   = (*Client)(nil)
	_ ports.PushBookSource   = (*MarketWS)(nil)
	_ ports.OrderEventSource = (*UserWS)(nil)
)
