package maker

import (
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// SkipReason explica por qué la Admission Gate rechazó un mercado.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipWindow    SkipReason = "outside_window"
	SkipInactive  SkipReason = "inactive"
	SkipAmbiguous SkipReason = "ambiguous_outcomes"
	SkipDuplicate SkipReason = "duplicate"
	SkipCapacity  SkipReason = "capacity"
)

// Gate decide si un mercado puede empezar (o continuar) una posición.
type Gate struct {
	minMinutes   *float64
	maxMinutes   *float64
	maxPositions int
}

// NewGate crea la gate. Bounds nil = sin límite; maxPositions ≤ 0 = sin tope.
func NewGate(minMinutes, maxMinutes *float64, maxPositions int) *Gate {
	return &Gate{minMinutes: minMinutes, maxMinutes: maxMinutes, maxPositions: maxPositions}
}

// InWindow reporta si el tiempo hasta la resolución cae en [min, max].
// Sin fecha de resolución solo pasa si no hay ningún límite configurado.
func (g *Gate) InWindow(m domain.Market, now time.Time) bool {
	if g.minMinutes == nil && g.maxMinutes == nil {
		return true
	}
	if m.EndDate.IsZero() {
		return false
	}
	minutes := m.MinutesToResolution(now)
	if g.minMinutes != nil && minutes < *g.minMinutes {
		return false
	}
	if g.maxMinutes != nil && minutes > *g.maxMinutes {
		return false
	}
	return true
}

// Admit aplica todos los checks en orden. duplicate indica que ya hay una
// posición no terminal para el mercado (memoria o store); active es el número
// de posiciones activas.
func (g *Gate) Admit(m domain.Market, now time.Time, active int, duplicate bool) (a, b domain.Token, reason SkipReason) {
	if !m.IsOpen() {
		return a, b, SkipInactive
	}
	if !g.InWindow(m, now) {
		return a, b, SkipWindow
	}
	if duplicate {
		return a, b, SkipDuplicate
	}
	if g.maxPositions > 0 && active >= g.maxPositions {
		return a, b, SkipCapacity
	}
	a, b, err := m.Sides()
	if err != nil {
		return domain.Token{}, domain.Token{}, SkipAmbiguous
	}
	return a, b, SkipNone
}

// minTrackMinutes es el umbral desde el que se registran best bids para la liquidación.
func (g *Gate) minTrackMinutes() float64 {
	if g.minMinutes == nil {
		return 0
	}
	return *g.minMinutes
}
