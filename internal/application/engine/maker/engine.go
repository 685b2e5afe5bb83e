package maker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

const (
	defaultMaxAdjustments    = 10
	defaultMaxNeither        = 10
	defaultWorkers           = 8
	defaultPollInterval      = 5 * time.Second
	defaultDiscoveryInterval = 30 * time.Second
	defaultDiscoveryLimit    = 100
	defaultRedeemInterval    = 5 * time.Minute
	orderEventsBuffer        = 256
)

// Config holds the market-making parameters, already converted to Go types.
type Config struct {
	SplitAmount       float64
	Offset            float64 // sobre el midpoint
	PriceStep         float64
	MergeThreshold    float64
	WaitAfterFill     time.Duration
	WaitIfNeither     time.Duration
	WaitBeforeResplit time.Duration
	PollInterval      time.Duration
	MinMinutes        *float64 // nil = sin límite
	MaxMinutes        *float64
	MaxAdjustments    *int // nil = 10; 0 desactiva los ajustes
	MaxNeither        *int
	MaxPositions      int
	Workers           int
	MaxPriceAge       time.Duration // 0 = no se descarta ningún precio por antigüedad

	DiscoveryInterval time.Duration
	RedeemInterval    time.Duration
	SlugPrefixes      []string
	DiscoveryLimit    int

	Clock func() time.Time // nil = time.Now
}

func (c *Config) setDefaults() {
	if c.MaxAdjustments == nil {
		v := defaultMaxAdjustments
		c.MaxAdjustments = &v
	}
	if c.MaxNeither == nil {
		v := defaultMaxNeither
		c.MaxNeither = &v
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = defaultDiscoveryInterval
	}
	if c.RedeemInterval <= 0 {
		c.RedeemInterval = defaultRedeemInterval
	}
	if c.DiscoveryLimit <= 0 {
		c.DiscoveryLimit = defaultDiscoveryLimit
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Feed es la vista de precios que consume el engine.
type Feed interface {
	Subscribe(tokenIDs ...string)
	Unsubscribe(tokenIDs ...string)
	Midpoint(tokenID string) (float64, bool)
	BestBid(tokenID string) (float64, time.Duration, bool)
	Snapshots() <-chan domain.OrderbookSnapshot
}

// Engine runs the split-and-sell lifecycle for every active position.
type Engine struct {
	discovery ports.MarketDiscovery
	ex        ports.Exchange
	store     ports.PositionStore
	feed      Feed
	notifier  ports.Notifier
	events    ports.OrderEventSource

	rec     *Reconciler
	gate    *Gate
	tracker *Tracker
	cfg     Config

	redeemMu sync.Mutex // una redención a la vez: resolve y el barrido comparten wallet

	mu        sync.Mutex
	positions map[string]*domain.Position // position id →
	byMarket  map[string]string           // market id → position id
}

// New creates the market-making engine.
func New(
	discovery ports.MarketDiscovery,
	ex ports.Exchange,
	store ports.PositionStore,
	feed Feed,
	notifier ports.Notifier,
	cfg Config,
) *Engine {
	cfg.setDefaults()
	gate := NewGate(cfg.MinMinutes, cfg.MaxMinutes, cfg.MaxPositions)
	return &Engine{
		discovery: discovery,
		ex:        ex,
		store:     store,
		feed:      feed,
		notifier:  notifier,
		rec:       NewReconciler(ex),
		gate:      gate,
		tracker:   NewTracker(feed, store, gate.minTrackMinutes(), cfg.Clock),
		cfg:       cfg,
		positions: make(map[string]*domain.Position),
		byMarket:  make(map[string]string),
	}
}

// WithOrderEvents conecta el canal push de estados de órdenes.
func (e *Engine) WithOrderEvents(src ports.OrderEventSource) *Engine {
	e.events = src
	return e
}

// Reconciler expone el reconciliador (push path de órdenes).
func (e *Engine) Reconciler() *Reconciler {
	return e.rec
}

func (e *Engine) now() time.Time {
	return e.cfg.Clock()
}

// ─── Loops ───

// Run resumes persisted positions and runs detection, position processing,
// bid tracking, redemption and order-event intake until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Resume(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.detectLoop(ctx) })
	g.Go(func() error { return e.processLoop(ctx) })
	g.Go(func() error { return e.tracker.Run(ctx, e.cfg.PollInterval) })
	g.Go(func() error { return e.redeemLoop(ctx) })
	if e.events != nil {
		ch := make(chan domain.OrderUpdate, orderEventsBuffer)
		g.Go(func() error { return e.events.Run(ctx, ch) })
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case u := <-ch:
					e.rec.Deliver(u)
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce ejecuta un ciclo completo: detección, una pasada por las posiciones
// y el barrido de redenciones pendientes.
func (e *Engine) RunOnce(ctx context.Context) error {
	if err := e.Detect(ctx); err != nil {
		slog.Warn("maker: detection failed", "err", err)
	}
	e.tracker.Sample()
	e.ProcessAll(ctx)
	e.tracker.Flush(ctx)
	e.RedeemPending(ctx)
	return nil
}

func (e *Engine) detectLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		if err := e.Detect(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("maker: detection failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) redeemLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.RedeemInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.RedeemPending(ctx)
		}
	}
}

func (e *Engine) processLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-e.rec.Wake():
		}
		e.ProcessAll(ctx)
	}
}

// ProcessAll procesa todas las posiciones activas en paralelo. El error de una
// posición se loguea y no afecta a las demás.
func (e *Engine) ProcessAll(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for _, p := range e.active() {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("maker: position step panicked", "position", p.ID, "market", p.MarketID, "panic", r)
				}
			}()
			if err := e.processPosition(ctx, p); err != nil && ctx.Err() == nil {
				slog.Warn("maker: position step failed",
					"market", p.MarketID, "state", p.State, "err", err)
			}
			return nil
		})
	}
	g.Wait()
}

// ─── Admission ───

// Detect pide mercados elegibles y arranca posiciones en los admitidos.
func (e *Engine) Detect(ctx context.Context) error {
	if e.cfg.MaxPositions > 0 && e.activeCount() >= e.cfg.MaxPositions {
		return nil
	}

	now := e.now()
	criteria := ports.MarketCriteria{
		SlugPrefixes: e.cfg.SlugPrefixes,
		Limit:        e.cfg.DiscoveryLimit,
	}
	if e.cfg.MinMinutes != nil {
		criteria.EndAfter = now.Add(minutes(*e.cfg.MinMinutes))
	}
	if e.cfg.MaxMinutes != nil {
		criteria.EndBefore = now.Add(minutes(*e.cfg.MaxMinutes))
	}

	markets, err := e.discovery.NextEligibleMarkets(ctx, criteria)
	if err != nil {
		return fmt.Errorf("maker.Detect: %w", err)
	}
	for _, m := range markets {
		if e.cfg.MaxPositions > 0 && e.activeCount() >= e.cfg.MaxPositions {
			break
		}
		if _, err := e.start(ctx, m); err != nil {
			slog.Warn("maker: start position failed", "market", m.ID, "err", err)
		}
	}
	return nil
}

// start pasa el mercado por la gate y, si se admite, crea y persiste la posición.
func (e *Engine) start(ctx context.Context, m domain.Market) (*domain.Position, error) {
	now := e.now()

	duplicate := e.tracked(m.ID)
	if !duplicate {
		has, err := e.store.HasActive(ctx, m.ID)
		if err != nil {
			return nil, fmt.Errorf("maker.start: %w", err)
		}
		duplicate = has
	}

	a, b, reason := e.gate.Admit(m, now, e.activeCount(), duplicate)
	switch reason {
	case SkipNone:
	case SkipAmbiguous:
		slog.Warn("maker: market flagged, ambiguous outcome labels",
			"market", m.ID, "outcomes", fmt.Sprintf("%q/%q", m.Tokens[0].Outcome, m.Tokens[1].Outcome))
		return nil, nil
	default:
		slog.Debug("maker: market skipped", "market", m.ID, "reason", reason)
		return nil, nil
	}

	p := domain.NewPosition(uuid.NewString(), m, a, b, e.cfg.SplitAmount, now)
	if err := e.store.Create(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicatePosition) {
			return nil, nil
		}
		return nil, fmt.Errorf("maker.start: %w", err)
	}

	slog.Info("maker: NEW POSITION",
		"market", m.ID,
		"question", domain.TruncateQuestion(m.Question, m.ID, 60),
		"split", fmt.Sprintf("$%.2f", e.cfg.SplitAmount),
		"minutes_left", fmt.Sprintf("%.1f", m.MinutesToResolution(now)),
		"A", a.Outcome, "B", b.Outcome)
	return e.add(p), nil
}

// Resume carga del store las posiciones no terminales y las vuelve a seguir.
func (e *Engine) Resume(ctx context.Context) error {
	list, err := e.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("maker.Resume: %w", err)
	}
	for _, p := range list {
		e.add(p)
		slog.Info("maker: resumed position", "market", p.MarketID, "state", p.State)
	}
	return nil
}

func (e *Engine) add(p domain.Position) *domain.Position {
	e.mu.Lock()
	ptr := &p
	e.positions[p.ID] = ptr
	e.byMarket[p.MarketID] = p.ID
	e.mu.Unlock()

	e.feed.Subscribe(p.TokenIDs()...)
	e.tracker.Watch(p)
	return ptr
}

func (e *Engine) forget(p *domain.Position) {
	e.mu.Lock()
	delete(e.positions, p.ID)
	if e.byMarket[p.MarketID] == p.ID {
		delete(e.byMarket, p.MarketID)
	}
	e.mu.Unlock()

	e.feed.Unsubscribe(p.TokenIDs()...)
	e.tracker.Unwatch(p.MarketID)
}

func (e *Engine) active() []*domain.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p)
	}
	return out
}

func (e *Engine) activeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.positions)
}

func (e *Engine) tracked(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.byMarket[marketID]
	return ok
}

// ActiveCount devuelve cuántas posiciones sigue el engine.
func (e *Engine) ActiveCount() int {
	return e.activeCount()
}

// ─── Close ───

// Close cancela las órdenes en reposo, marca la posición terminal, la saca de
// memoria y notifica. Cerrar una posición ya cerrada no hace nada.
func (e *Engine) Close(ctx context.Context, p *domain.Position, reason string) error {
	if p.State == domain.StateClosed {
		e.forget(p)
		return nil
	}
	now := e.now()

	if p.State != domain.StateResolved {
		next := p.Clone()
		if e.cancelResting(ctx, &next, now) {
			if err := e.commit(ctx, p, next, "orders_cancelled"); err != nil {
				return err
			}
		}
	}

	if err := e.store.MarkTerminal(ctx, p.ID, domain.StateClosed, reason, now); err != nil {
		return fmt.Errorf("maker.Close: %w", err)
	}
	p.State = domain.StateClosed
	p.CloseReason = reason
	t := now
	p.ClosedAt = &t
	e.forget(p)

	slog.Info("maker: POSITION CLOSED",
		"market", p.MarketID,
		"reason", reason,
		"proceeds", fmt.Sprintf("$%.2f", p.A.Proceeds+p.B.Proceeds),
		"split", fmt.Sprintf("$%.2f", p.CollateralSplit),
		"merged", fmt.Sprintf("$%.2f", p.CollateralMerged))

	if e.notifier != nil {
		if err := e.notifier.PositionClosed(ctx, p.Clone()); err != nil {
			slog.Warn("maker: notify close failed", "market", p.MarketID, "err", err)
		}
	}
	return nil
}

// cancelResting cancela las órdenes vivas de ambos lados. Los fallos se loguean.
// Devuelve true si alguna orden cambió.
func (e *Engine) cancelResting(ctx context.Context, p *domain.Position, now time.Time) bool {
	var ids []string
	var sides []domain.Side
	for _, s := range []domain.Side{domain.SideA, domain.SideB} {
		if l := p.Leg(s); l.HasRestingOrder() {
			ids = append(ids, l.Order.ID)
			sides = append(sides, s)
		}
	}
	if len(ids) == 0 {
		return false
	}
	for i, res := range e.rec.CancelBatch(ctx, ids) {
		if _, err := e.rec.Settle(ctx, p.Leg(sides[i]), res, now); err != nil {
			slog.Warn("maker: cancel on close failed", "market", p.MarketID, "side", sides[i], "err", err)
		}
	}
	return true
}

// commit persiste next y solo entonces lo adopta como estado en memoria.
// Si el store falla, la posición queda como estaba.
func (e *Engine) commit(ctx context.Context, p *domain.Position, next domain.Position, event string) error {
	next.UpdatedAt = e.now()
	if err := e.store.Save(ctx, next, event); err != nil {
		return fmt.Errorf("maker: persist %s: %w", event, err)
	}
	*p = next
	return nil
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
