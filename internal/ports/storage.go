package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// PositionEvent es una fila del historial de transiciones de una posición.
type PositionEvent struct {
	PositionID string
	MarketID   string
	FromState  domain.State
	ToState    domain.State
	Event      string
	At         time.Time
}

// PositionStore es la fuente de verdad durable de las posiciones.
type PositionStore interface {
	// Create inserta una posición nueva. Devuelve domain.ErrDuplicatePosition si ya
	// existe una no terminal para el mismo mercado.
	Create(ctx context.Context, p domain.Position) error

	// Save persiste todos los campos y registra la transición con el nombre event.
	Save(ctx context.Context, p domain.Position, event string) error

	// MarkTerminal cierra la posición. No-op si ya está CLOSED o en el estado pedido.
	MarkTerminal(ctx context.Context, id string, state domain.State, reason string, at time.Time) error

	// MarkRedeemed registra la redención del inventario de una posición terminal.
	MarkRedeemed(ctx context.Context, id, txHash string, at time.Time) error

	// ListUnredeemed devuelve las posiciones terminales con acciones sin vender
	// que todavía no se han redimido.
	ListUnredeemed(ctx context.Context) ([]domain.Position, error)

	Get(ctx context.Context, id string) (domain.Position, error)
	ListActive(ctx context.Context) ([]domain.Position, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Position, error)
	HasActive(ctx context.Context, marketID string) (bool, error)
	Events(ctx context.Context, positionID string) ([]PositionEvent, error)

	// SaveObservation guarda el último best bid de un lado cerca de la resolución.
	SaveObservation(ctx context.Context, o domain.BidObservation) error
	Observations(ctx context.Context, marketID string) (map[domain.Side]domain.BidObservation, error)

	Close() error
}
