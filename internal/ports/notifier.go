package ports

import (
	"context"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// Notifier presenta al operador los cierres de posiciones.
type Notifier interface {
	// PositionClosed se llama una vez por posición, al quedar terminal.
	PositionClosed(ctx context.Context, p domain.Position) error
}
