package domain

import (
	"fmt"
	"math"
)

// Límites de precio del CLOB para outcomes binarios.
const (
	MinPrice = 0.01
	MaxPrice = 0.99

	// priceEpsilon evita que el ruido de float64 cambie una comparación (0.51+0.49 ≤ 1.00).
	priceEpsilon = 1e-9
)

// RoundPrice redondea a 4 decimales para eliminar el ruido de las restas sucesivas.
func RoundPrice(p float64) float64 {
	return math.Round(p*10000) / 10000
}

// ClampPrice limita p a [0.01, 0.99].
func ClampPrice(p float64) float64 {
	return RoundPrice(math.Max(MinPrice, math.Min(p, MaxPrice)))
}

// QuotePrice devuelve el precio inicial de venta: midpoint + offset, con tope 0.99.
// Un midpoint fuera de (0,1) no es cotizable.
func QuotePrice(midpoint, offset float64) (float64, error) {
	if midpoint <= 0 || midpoint >= 1 {
		return 0, fmt.Errorf("midpoint %.4f: %w", midpoint, ErrNoPriceData)
	}
	p := midpoint + offset
	if p <= 0 {
		return 0, fmt.Errorf("quote %.4f: %w", p, ErrInvalidPrice)
	}
	return ClampPrice(p), nil
}

// StepDown baja el precio un step, con clamp a [0.01, 0.99].
func StepDown(price, step float64) float64 {
	return ClampPrice(price - step)
}

// ShouldMerge aplica el umbral de merge sobre la suma de precios.
func ShouldMerge(priceA, priceB, threshold float64) bool {
	return RoundPrice(priceA+priceB) <= threshold+priceEpsilon
}
