package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// MarketCriteria filtra los mercados candidatos.
type MarketCriteria struct {
	SlugPrefixes []string  // vacío = cualquier mercado
	EndAfter     time.Time // zero = sin límite
	EndBefore    time.Time // zero = sin límite
	Limit        int
}

// MarketDiscovery descubre mercados elegibles y reporta su estado.
type MarketDiscovery interface {
	// NextEligibleMarkets devuelve los mercados activos que cumplen el criterio.
	NextEligibleMarkets(ctx context.Context, criteria MarketCriteria) ([]domain.Market, error)

	// Market devuelve el estado actual de un mercado. Active=false es la única
	// señal de resolución.
	Market(ctx context.Context, marketID string) (domain.Market, error)
}
