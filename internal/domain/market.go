package domain

import (
	"fmt"
	"strings"
	"time"
)

// Market representa un mercado binario tal como lo entrega Market Discovery.
type Market struct {
	ID          string // slug del mercado, clave del Position Store
	ConditionID string
	Question    string
	EndDate     time.Time // fecha de resolución
	Tokens      [2]Token  // en el orden que devuelve la API
	Active      bool
	Closed      bool
	NegRisk     bool
}

// Token es uno de los dos outcomes del mercado.
type Token struct {
	TokenID string
	Outcome string // etiqueta explícita: "Yes" | "No" | "Up" | "Down" | ...
}

// primaryOutcomes son las etiquetas que se asignan al lado A cuando aparecen.
var primaryOutcomes = map[string]bool{"yes": true, "up": true}

// IsOpen devuelve true si el mercado sigue aceptando actividad.
func (m Market) IsOpen() bool {
	return m.Active && !m.Closed
}

// MinutesToResolution devuelve los minutos que faltan hasta EndDate.
// Devuelve -1 si EndDate no está definido.
func (m Market) MinutesToResolution(now time.Time) float64 {
	if m.EndDate.IsZero() {
		return -1
	}
	return m.EndDate.Sub(now).Minutes()
}

// Sides resuelve qué token es el lado A y cuál el B a partir de las etiquetas.
// Un mercado sin etiquetas, con etiquetas repetidas o sin token id es ambiguo.
func (m Market) Sides() (a, b Token, err error) {
	t0, t1 := m.Tokens[0], m.Tokens[1]
	l0 := strings.ToLower(strings.TrimSpace(t0.Outcome))
	l1 := strings.ToLower(strings.TrimSpace(t1.Outcome))

	switch {
	case t0.TokenID == "" || t1.TokenID == "":
		return Token{}, Token{}, fmt.Errorf("market %s: missing token id: %w", m.ID, ErrAmbiguousOutcomes)
	case t0.TokenID == t1.TokenID:
		return Token{}, Token{}, fmt.Errorf("market %s: duplicated token id: %w", m.ID, ErrAmbiguousOutcomes)
	case l0 == "" || l1 == "":
		return Token{}, Token{}, fmt.Errorf("market %s: unlabelled outcome: %w", m.ID, ErrAmbiguousOutcomes)
	case l0 == l1:
		return Token{}, Token{}, fmt.Errorf("market %s: duplicated outcome %q: %w", m.ID, t0.Outcome, ErrAmbiguousOutcomes)
	case primaryOutcomes[l0] && primaryOutcomes[l1]:
		return Token{}, Token{}, fmt.Errorf("market %s: outcomes %q/%q: %w", m.ID, t0.Outcome, t1.Outcome, ErrAmbiguousOutcomes)
	}

	if primaryOutcomes[l1] {
		return t1, t0, nil
	}
	return t0, t1, nil
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen caracteres.
// Si la pregunta está vacía usa el id del mercado.
func TruncateQuestion(question, marketID string, maxLen int) string {
	q := question
	if q == "" {
		q = marketID
	}
	// cuenta runas: cortar bytes parte caracteres multibyte
	if r := []rune(q); len(r) > maxLen {
		q = string(r[:maxLen-3]) + "..."
	}
	return q
}
