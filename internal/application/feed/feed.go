// Package feed mantiene el último orderbook de cada token monitorizado.
//
// Dos transportes: push (websocket) y pull (POST /books). Un selector de dos
// estados decide cuál es la fuente principal:
//
//	PUSH_HEALTHY   el websocket entrega updates; solo se hace polling de los
//	               tokens individuales que llevan más de timeout sin update
//	POLL_FALLBACK  sin sesión push (fallo de conexión o silencio > timeout);
//	               se hace polling de todos los tokens y se reconecta con backoff
//
// Los consumidores no ven el transporte, solo la antigüedad del dato.
package feed

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

// Transport es el estado del selector.
type Transport string

const (
	PushHealthy  Transport = "PUSH_HEALTHY"
	PollFallback Transport = "POLL_FALLBACK"
)

const snapshotBuffer = 512

// Options configura el feed. Los ceros toman los defaults.
type Options struct {
	HealthCheckTimeout time.Duration // default 14s
	ReconnectDelay     time.Duration // default 5s
	MaxReconnectDelay  time.Duration // default 60s
	PollInterval       time.Duration // default 5s
	WeightedMidpoint   bool
	DepthLevels        int // niveles del midpoint ponderado, default 5
}

func (o *Options) setDefaults() {
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = 14 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = max(60*time.Second, o.ReconnectDelay)
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.DepthLevels <= 0 {
		o.DepthLevels = 5
	}
}

type tokenState struct {
	book      domain.OrderBook
	hasBook   bool
	addedAt   time.Time
	updatedAt time.Time // último update por cualquier transporte
	pushAt    time.Time // último update por push
}

// Feed implementa el Orderbook Feed.
type Feed struct {
	push ports.PushBookSource // nil = solo polling
	pull ports.PullBookSource
	opts Options
	now  func() time.Time

	mu          sync.RWMutex
	tokens      map[string]*tokenState
	pending     []string
	transport   Transport
	stream      ports.BookStream
	connectedAt time.Time
	lastPush    time.Time

	snapshots chan domain.OrderbookSnapshot
	connKick  chan struct{}
	pollKick  chan struct{}
	teardown  chan struct{}
}

// New crea un Feed. push puede ser nil para trabajar solo con polling.
func New(push ports.PushBookSource, pull ports.PullBookSource, opts Options) *Feed {
	opts.setDefaults()
	return &Feed{
		push:      push,
		pull:      pull,
		opts:      opts,
		now:       time.Now,
		tokens:    make(map[string]*tokenState),
		transport: PollFallback,
		snapshots: make(chan domain.OrderbookSnapshot, snapshotBuffer),
		connKick:  make(chan struct{}, 1),
		pollKick:  make(chan struct{}, 1),
		teardown:  make(chan struct{}, 1),
	}
}

// Subscribe añade tokens. Es idempotente; los nuevos quedan pendientes hasta
// que el transporte activo los recoge.
func (f *Feed) Subscribe(tokenIDs ...string) {
	now := f.now()
	added := 0

	f.mu.Lock()
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if _, ok := f.tokens[id]; ok {
			continue
		}
		f.tokens[id] = &tokenState{addedAt: now}
		f.pending = append(f.pending, id)
		added++
	}
	f.mu.Unlock()

	if added > 0 {
		slog.Debug("feed: tokens subscribed", "added", added)
		kick(f.connKick)
		kick(f.pollKick)
	}
}

// Unsubscribe deja de seguir tokens. La sesión push no se toca: sus updates
// para tokens desconocidos se ignoran.
func (f *Feed) Unsubscribe(tokenIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range tokenIDs {
		delete(f.tokens, id)
	}
	f.pending = slices.DeleteFunc(f.pending, func(id string) bool {
		_, ok := f.tokens[id]
		return !ok
	})
}

// Snapshots entrega un top-of-book por cada update. Un consumidor lento
// pierde snapshots intermedios; el feed nunca se bloquea.
func (f *Feed) Snapshots() <-chan domain.OrderbookSnapshot {
	return f.snapshots
}

// BestBid devuelve el mejor bid y la antigüedad del dato.
func (f *Feed) BestBid(tokenID string) (float64, time.Duration, bool) {
	return f.top(tokenID, domain.OrderBook.BestBid)
}

// BestAsk devuelve el mejor ask y la antigüedad del dato.
func (f *Feed) BestAsk(tokenID string) (float64, time.Duration, bool) {
	return f.top(tokenID, domain.OrderBook.BestAsk)
}

func (f *Feed) top(tokenID string, pick func(domain.OrderBook) float64) (float64, time.Duration, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ts, ok := f.tokens[tokenID]
	if !ok || !ts.hasBook {
		return 0, 0, false
	}
	p := pick(ts.book)
	return p, f.now().Sub(ts.updatedAt), p > 0
}

// Midpoint devuelve el midpoint simple o ponderado por profundidad.
func (f *Feed) Midpoint(tokenID string) (float64, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ts, ok := f.tokens[tokenID]
	if !ok || !ts.hasBook {
		return 0, false
	}
	var mid float64
	if f.opts.WeightedMidpoint {
		mid = ts.book.WeightedMidpoint(f.opts.DepthLevels)
	} else {
		mid = ts.book.Midpoint()
	}
	return mid, mid > 0
}

// Transport devuelve el estado del selector. Solo para observabilidad.
func (f *Feed) Transport() Transport {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.transport
}

// Run arranca conexión push, health check y poller. Devuelve al cancelar ctx.
func (f *Feed) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { f.connectionLoop(gctx); return nil })
	g.Go(func() error { f.healthLoop(gctx); return nil })
	g.Go(func() error { f.pollLoop(gctx); return nil })
	return g.Wait()
}

// ─── push ───

func (f *Feed) connectionLoop(ctx context.Context) {
	if f.push == nil {
		slog.Info("feed: push disabled, polling only")
		return
	}

	delay := f.opts.ReconnectDelay
	for {
		// sin tokens no hay nada a lo que suscribirse
		if ids := f.tokenIDs(); len(ids) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-f.connKick:
				continue
			}
		}

		started := f.now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if f.now().Sub(started) > f.opts.MaxReconnectDelay {
			delay = f.opts.ReconnectDelay
		}
		slog.Warn("feed: push unavailable, polling fallback", "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, f.opts.MaxReconnectDelay)
	}
}

// session conecta, consume updates y vuelve cuando la sesión muere o el
// health check la tira. El selector queda en POLL_FALLBACK al salir.
func (f *Feed) session(ctx context.Context) error {
	ids := f.tokenIDs()
	stream, err := f.push.Connect(ctx, ids)
	if err != nil {
		f.setFallback()
		return err
	}

	now := f.now()
	f.mu.Lock()
	f.stream = stream
	f.transport = PushHealthy
	f.connectedAt = now
	f.pending = slices.DeleteFunc(f.pending, func(id string) bool { return slices.Contains(ids, id) })
	f.mu.Unlock()
	drain(f.teardown)
	slog.Info("feed: push healthy", "tokens", len(ids))

	defer func() {
		stream.Close()
		f.setFallback()
	}()

	// tokens añadidos entre tokenIDs() y el alta de la sesión
	if err := f.flushPending(ctx, stream); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ob, ok := <-stream.Updates():
			if !ok {
				return stream.Err()
			}
			f.apply(ob, true)
		case <-stream.Done():
			return stream.Err()
		case <-f.connKick:
			if err := f.flushPending(ctx, stream); err != nil {
				return err
			}
		case <-f.teardown:
			return errSilent
		}
	}
}

func (f *Feed) flushPending(ctx context.Context, stream ports.BookStream) error {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	if err := stream.Subscribe(ctx, pending); err != nil {
		f.mu.Lock()
		f.pending = append(f.pending, pending...)
		f.mu.Unlock()
		return err
	}
	slog.Debug("feed: pending tokens flushed to push", "tokens", len(pending))
	return nil
}

func (f *Feed) setFallback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = nil
	if f.transport != PollFallback {
		f.transport = PollFallback
		kick(f.pollKick)
	}
}

// ─── health check ───

type feedError string

func (e feedError) Error() string { return string(e) }

const errSilent = feedError("no push update within health check timeout")

func (f *Feed) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(f.opts.HealthCheckTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.pushSilent() {
				slog.Warn("feed: push silent, tearing down session", "timeout", f.opts.HealthCheckTimeout)
				kick(f.teardown)
			}
		}
	}
}

// pushSilent indica que la sesión push no entregó nada para ningún token en el timeout.
func (f *Feed) pushSilent() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.transport != PushHealthy || len(f.tokens) == 0 {
		return false
	}
	last := f.connectedAt
	if f.lastPush.After(last) {
		last = f.lastPush
	}
	return f.now().Sub(last) > f.opts.HealthCheckTimeout
}

// ─── pull ───

func (f *Feed) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.pollKick:
		}
		f.pollOnce(ctx)
	}
}

func (f *Feed) pollOnce(ctx context.Context) {
	ids := f.tokensToPoll()
	if len(ids) == 0 {
		return
	}
	books, err := f.pull.FetchOrderBooks(ctx, ids)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("feed: poll failed", "tokens", len(ids), "err", err)
		}
		return
	}
	for _, ob := range books {
		f.apply(ob, false)
	}
}

// tokensToPoll: todos en POLL_FALLBACK; en PUSH_HEALTHY los que llevan más de
// timeout sin update push.
func (f *Feed) tokensToPoll() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.transport == PollFallback {
		f.pending = nil
		ids := make([]string, 0, len(f.tokens))
		for id := range f.tokens {
			ids = append(ids, id)
		}
		return ids
	}

	now := f.now()
	var ids []string
	for id, ts := range f.tokens {
		last := ts.addedAt
		if f.connectedAt.After(last) {
			last = f.connectedAt
		}
		if ts.pushAt.After(last) {
			last = ts.pushAt
		}
		if now.Sub(last) > f.opts.HealthCheckTimeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// ─── estado ───

func (f *Feed) apply(ob domain.OrderBook, fromPush bool) {
	now := f.now()

	f.mu.Lock()
	ts, ok := f.tokens[ob.TokenID]
	if !ok {
		f.mu.Unlock()
		return
	}
	ts.book = ob
	ts.hasBook = true
	ts.updatedAt = now
	if fromPush {
		ts.pushAt = now
		f.lastPush = now
	}
	f.mu.Unlock()

	snap := ob.Snapshot()
	snap.Timestamp = now
	select {
	case f.snapshots <- snap:
	default:
	}
}

func (f *Feed) tokenIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.tokens))
	for id := range f.tokens {
		ids = append(ids, id)
	}
	return ids
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}
