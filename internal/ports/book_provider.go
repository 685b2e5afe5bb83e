package ports

import (
	"context"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// PullBookSource obtiene orderbooks del CLOB bajo demanda (modo polling).
type PullBookSource interface {
	// FetchOrderBooks devuelve los orderbooks para los token_ids dados.
	// Internamente agrupa los IDs en batches de máx 20 para minimizar requests.
	FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error)
}

// PushBookSource abre sesiones de streaming de orderbooks.
type PushBookSource interface {
	// Connect abre una sesión suscrita a tokenIDs. La sesión termina cuando
	// se cierra la conexión; Done() lo señala y Err() devuelve la causa.
	Connect(ctx context.Context, tokenIDs []string) (BookStream, error)
}

// BookStream es una sesión push activa.
type BookStream interface {
	// Subscribe añade tokens a la sesión en curso.
	Subscribe(ctx context.Context, tokenIDs []string) error
	// Updates entrega el libro completo de un token cada vez que cambia.
	Updates() <-chan domain.OrderBook
	Done() <-chan struct{}
	Err() error
	Close() error
}
