package maker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

// watch es un mercado cuyos best bids se registran cerca de la resolución.
type watch struct {
	marketID string
	endDate  time.Time
	tokens   map[string]domain.Side
}

// Tracker registra el último best bid de cada lado cuando falta menos de
// min_minutes_before_resolution. Solo lee precios: nunca toca posiciones.
type Tracker struct {
	feed       Feed
	store      ports.PositionStore
	minMinutes float64
	now        func() time.Time

	mu      sync.Mutex
	watched map[string]*watch                                // marketID →
	byToken map[string]*watch                                // tokenID →
	last    map[string]map[domain.Side]domain.BidObservation // marketID → side →
	dirty   map[string]bool
}

// NewTracker crea el tracker. minMinutes es el umbral (0 = desde la fecha de fin).
func NewTracker(feed Feed, store ports.PositionStore, minMinutes float64, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		feed:       feed,
		store:      store,
		minMinutes: minMinutes,
		now:        now,
		watched:    make(map[string]*watch),
		byToken:    make(map[string]*watch),
		last:       make(map[string]map[domain.Side]domain.BidObservation),
		dirty:      make(map[string]bool),
	}
}

// Watch empieza a seguir el mercado de la posición.
func (t *Tracker) Watch(p domain.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.watched[p.MarketID]; ok {
		return
	}
	w := &watch{
		marketID: p.MarketID,
		endDate:  p.EndDate,
		tokens:   map[string]domain.Side{p.A.TokenID: domain.SideA, p.B.TokenID: domain.SideB},
	}
	t.watched[p.MarketID] = w
	for tok := range w.tokens {
		t.byToken[tok] = w
	}
}

// Unwatch deja de seguir el mercado y olvida sus observaciones en memoria.
func (t *Tracker) Unwatch(marketID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watched[marketID]
	if !ok {
		return
	}
	for tok := range w.tokens {
		delete(t.byToken, tok)
	}
	delete(t.watched, marketID)
	delete(t.last, marketID)
	delete(t.dirty, marketID)
}

// Run consume los snapshots del feed y persiste las observaciones cada interval.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	snaps := t.feed.Snapshots()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snaps:
			if !ok {
				snaps = nil
				continue
			}
			t.observe(s.TokenID, s.BestBid, s.Timestamp)
		case <-ticker.C:
			t.Sample()
			t.Flush(ctx)
		}
	}
}

// Sample lee el best bid actual del feed para cada token en seguimiento.
func (t *Tracker) Sample() {
	t.mu.Lock()
	var tokens []string
	for tok := range t.byToken {
		tokens = append(tokens, tok)
	}
	t.mu.Unlock()

	now := t.now()
	for _, tok := range tokens {
		if bid, _, ok := t.feed.BestBid(tok); ok {
			t.observe(tok, bid, now)
		}
	}
}

// Capture registra el best bid actual de los lados indicados sin mirar la
// ventana de resolución. Lo usa la liquidación cuando un lado no tiene datos.
func (t *Tracker) Capture(marketID string, sides ...domain.Side) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watched[marketID]
	if !ok {
		return
	}
	now := t.now()
	for tok, side := range w.tokens {
		if !slices.Contains(sides, side) {
			continue
		}
		if bid, _, ok := t.feed.BestBid(tok); ok && bid > 0 {
			t.record(w, tok, bid, now)
		}
	}
}

func (t *Tracker) observe(tokenID string, bid float64, at time.Time) {
	if bid <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.byToken[tokenID]
	if !ok || !t.near(w) {
		return
	}
	t.record(w, tokenID, bid, at)
}

// record guarda la observación si es más reciente. Requiere t.mu.
func (t *Tracker) record(w *watch, tokenID string, bid float64, at time.Time) {
	if at.IsZero() {
		at = t.now()
	}
	side := w.tokens[tokenID]
	obs := t.last[w.marketID]
	if obs == nil {
		obs = make(map[domain.Side]domain.BidObservation, 2)
		t.last[w.marketID] = obs
	}
	if prev, ok := obs[side]; ok && prev.ObservedAt.After(at) {
		return
	}
	obs[side] = domain.BidObservation{
		MarketID:   w.marketID,
		Side:       side,
		TokenID:    tokenID,
		BestBid:    bid,
		ObservedAt: at,
	}
	t.dirty[w.marketID] = true
}

func (t *Tracker) near(w *watch) bool {
	if w.endDate.IsZero() {
		return false
	}
	return w.endDate.Sub(t.now()).Minutes() <= t.minMinutes
}

// Flush persiste las observaciones nuevas. Los errores se loguean: el siguiente
// tick reintenta.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	var pending []domain.BidObservation
	for marketID := range t.dirty {
		for _, o := range t.last[marketID] {
			pending = append(pending, o)
		}
		delete(t.dirty, marketID)
	}
	t.mu.Unlock()

	for _, o := range pending {
		if err := t.store.SaveObservation(ctx, o); err != nil {
			slog.Warn("maker: save bid observation failed", "market", o.MarketID, "err", err)
			t.mu.Lock()
			t.dirty[o.MarketID] = true
			t.mu.Unlock()
		}
	}
}

// Last devuelve las últimas observaciones del mercado: memoria primero, store
// después (sobrevive a reinicios).
func (t *Tracker) Last(ctx context.Context, marketID string) (a, b *domain.BidObservation, err error) {
	stored, err := t.store.Observations(ctx, marketID)
	if err != nil {
		return nil, nil, fmt.Errorf("maker.Tracker.Last: %w", err)
	}
	if stored == nil {
		stored = make(map[domain.Side]domain.BidObservation, 2)
	}

	t.mu.Lock()
	for side, o := range t.last[marketID] {
		if prev, ok := stored[side]; !ok || !prev.ObservedAt.After(o.ObservedAt) {
			stored[side] = o
		}
	}
	t.mu.Unlock()

	if o, ok := stored[domain.SideA]; ok {
		a = &o
	}
	if o, ok := stored[domain.SideB]; ok {
		b = &o
	}
	return a, b, nil
}
