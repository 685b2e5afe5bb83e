package domain

import "errors"

var (
	// ErrOrderNotFound lo devuelve el exchange cuando una orden ya no existe
	// (filled o cancelada). No es un error para el reconciler.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNoPriceData indica que no hay book utilizable para un token.
	ErrNoPriceData = errors.New("no price data")

	// ErrAmbiguousOutcomes marca un mercado cuyas etiquetas no permiten decidir los lados.
	ErrAmbiguousOutcomes = errors.New("ambiguous outcome labels")

	// ErrDuplicatePosition: ya existe una posición no terminal para el mercado.
	ErrDuplicatePosition = errors.New("active position already exists for market")

	// ErrPositionNotFound: el id no existe en el store.
	ErrPositionNotFound = errors.New("position not found")

	// ErrInvalidPrice: el precio derivado cae fuera de (0, 1).
	ErrInvalidPrice = errors.New("invalid price")
)
