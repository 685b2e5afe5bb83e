package maker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polysplit/internal/adapters/storage"
	"github.com/alejandrodnm/polysplit/internal/application/engine/maker"
	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- exchange ---

type fakeOrder struct {
	req    domain.PlaceOrderRequest
	status domain.OrderStatus
	filled float64
}

type fakeExchange struct {
	mu       sync.Mutex
	tokens   map[string][2]string // condition → tokens
	balances map[string]float64
	orders   map[string]*fakeOrder
	seq      int
	calls    map[string]int

	failPlace         map[string]int // token → fallos pendientes
	failSplit         int
	splitLandsOnError bool
	failCancel        error
	failRedeem        int
	lastRedeem        [2]float64
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		tokens:    make(map[string][2]string),
		balances:  make(map[string]float64),
		orders:    make(map[string]*fakeOrder),
		calls:     make(map[string]int),
		failPlace: make(map[string]int),
	}
}

func (x *fakeExchange) Split(_ context.Context, conditionID string, amount float64, _ bool) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["split"]++
	if x.failSplit > 0 {
		x.failSplit--
		if x.splitLandsOnError {
			x.credit(conditionID, amount)
		}
		return "", errors.New("rpc timeout")
	}
	x.credit(conditionID, amount)
	return fmt.Sprintf("0xsplit%d", x.calls["split"]), nil
}

func (x *fakeExchange) Merge(_ context.Context, conditionID string, amount float64, _ bool) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["merge"]++
	x.credit(conditionID, -amount)
	return "0xmerge", nil
}

// Redeem quema todo el balance de la condición, como redeemPositions en el CTF.
func (x *fakeExchange) Redeem(_ context.Context, conditionID string, amountA, amountB float64, _ bool) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["redeem"]++
	if x.failRedeem > 0 {
		x.failRedeem--
		return "", errors.New("execution reverted: result for condition not received yet")
	}
	x.lastRedeem = [2]float64{amountA, amountB}
	for _, tok := range x.tokens[conditionID] {
		x.balances[tok] = 0
	}
	return "0xredeem", nil
}

func (x *fakeExchange) balance(tokenID string) float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.balances[tokenID]
}

func (x *fakeExchange) credit(conditionID string, amount float64) {
	for _, tok := range x.tokens[conditionID] {
		x.balances[tok] += amount
	}
}

func (x *fakeExchange) PlaceOrder(_ context.Context, req domain.PlaceOrderRequest) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["place"]++
	if x.failPlace[req.TokenID] > 0 {
		x.failPlace[req.TokenID]--
		return "", errors.New("not enough balance / allowance")
	}
	x.seq++
	id := fmt.Sprintf("o%d", x.seq)
	x.orders[id] = &fakeOrder{req: req, status: domain.OrderOpen}
	return id, nil
}

func (x *fakeExchange) CancelOrder(_ context.Context, orderID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["cancel"]++
	if x.failCancel != nil {
		return x.failCancel
	}
	o, ok := x.orders[orderID]
	if !ok || o.status.IsTerminal() {
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	o.status = domain.OrderCancelled
	return nil
}

func (x *fakeExchange) OrderStatus(_ context.Context, orderID string) (domain.OrderStatusReport, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["status"]++
	o, ok := x.orders[orderID]
	if !ok {
		return domain.OrderStatusReport{}, fmt.Errorf("status %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return domain.OrderStatusReport{
		OrderID:      orderID,
		Status:       o.status,
		OriginalSize: o.req.Size,
		FilledSize:   o.filled,
		FilledPrice:  o.req.Price,
	}, nil
}

func (x *fakeExchange) Balance(_ context.Context, tokenID string) (float64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.calls["balance"]++
	return x.balances[tokenID], nil
}

// fill ejecuta size acciones de la orden viva del token.
func (x *fakeExchange) fill(tokenID string, size float64) string {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, o := range x.orders {
		if o.req.TokenID != tokenID || o.status.IsTerminal() {
			continue
		}
		o.filled += size
		x.balances[tokenID] -= size
		o.status = domain.OrderPartial
		if o.filled >= o.req.Size-1e-9 {
			o.status = domain.OrderFilled
		}
		return id
	}
	panic("no resting order for " + tokenID)
}

func (x *fakeExchange) vanish(orderID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.orders, orderID)
}

func (x *fakeExchange) setBalance(tokenID string, v float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.balances[tokenID] = v
}

func (x *fakeExchange) count(call string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.calls[call]
}

func (x *fakeExchange) restingCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, o := range x.orders {
		if !o.status.IsTerminal() {
			n++
		}
	}
	return n
}

// --- feed ---

type fakeFeed struct {
	mu    sync.Mutex
	mids  map[string]float64
	bids  map[string]float64
	subs  map[string]bool
	snaps chan domain.OrderbookSnapshot
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		mids:  make(map[string]float64),
		bids:  make(map[string]float64),
		subs:  make(map[string]bool),
		snaps: make(chan domain.OrderbookSnapshot, 16),
	}
}

func (f *fakeFeed) Subscribe(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.subs[id] = true
	}
}

func (f *fakeFeed) Unsubscribe(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.subs, id)
	}
}

func (f *fakeFeed) Midpoint(id string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mids[id]
	return m, ok
}

func (f *fakeFeed) BestBid(id string) (float64, time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bids[id]
	return b, 0, ok && b > 0
}

func (f *fakeFeed) Snapshots() <-chan domain.OrderbookSnapshot { return f.snaps }

func (f *fakeFeed) set(id string, mid, bid float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mids[id] = mid
	f.bids[id] = bid
}

func (f *fakeFeed) subscribed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[id]
}

// --- discovery ---

type fakeDiscovery struct {
	mu      sync.Mutex
	markets []domain.Market
}

func (d *fakeDiscovery) NextEligibleMarkets(context.Context, ports.MarketCriteria) ([]domain.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Market(nil), d.markets...), nil
}

func (d *fakeDiscovery) Market(_ context.Context, id string) (domain.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.markets {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, errors.New("market not found")
}

func (d *fakeDiscovery) setActive(id string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.markets {
		if d.markets[i].ID == id {
			d.markets[i].Active = active
			d.markets[i].Closed = !active
		}
	}
}

// --- notifier ---

type fakeNotifier struct {
	mu     sync.Mutex
	closed []domain.Position
}

func (n *fakeNotifier) PositionClosed(_ context.Context, p domain.Position) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, p)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.closed)
}

// --- store ---

// flakyStore envuelve el store SQLite real y permite forzar fallos de escritura.
type flakyStore struct {
	*storage.SQLiteStorage
	failSave  atomic.Bool
	terminals atomic.Int32
}

func (s *flakyStore) Save(ctx context.Context, p domain.Position, event string) error {
	if s.failSave.Load() {
		return errors.New("disk I/O error")
	}
	return s.SQLiteStorage.Save(ctx, p, event)
}

func (s *flakyStore) MarkTerminal(ctx context.Context, id string, state domain.State, reason string, at time.Time) error {
	s.terminals.Add(1)
	return s.SQLiteStorage.MarkTerminal(ctx, id, state, reason, at)
}

// --- harness ---

const (
	testMarket = "btc-updown-15m-1"
	testCond   = "0xc1"
	tokA       = "tA"
	tokB       = "tB"
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t     *testing.T
	ctx   context.Context
	ex    *fakeExchange
	store *flakyStore
	feed  *fakeFeed
	disc  *fakeDiscovery
	clock *fakeClock
	notes *fakeNotifier
	cfg   maker.Config
	e     *maker.Engine
}

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }

func baseConfig() maker.Config {
	return maker.Config{
		SplitAmount:       100,
		Offset:            0.02,
		PriceStep:         0.01,
		MergeThreshold:    1.00,
		WaitAfterFill:     30 * time.Second,
		WaitIfNeither:     60 * time.Second,
		WaitBeforeResplit: 10 * time.Second,
		PollInterval:      time.Second,
		MinMinutes:        f64(3),
		MaxMinutes:        f64(15),
		MaxPositions:      5,
	}
}

func testMarketAt(id, cond string, a, b string, end time.Time) domain.Market {
	return domain.Market{
		ID:          id,
		ConditionID: cond,
		Question:    "Bitcoin Up or Down?",
		EndDate:     end,
		Tokens:      [2]domain.Token{{TokenID: a, Outcome: "Up"}, {TokenID: b, Outcome: "Down"}},
		Active:      true,
	}
}

func newHarness(t *testing.T, cfg maker.Config) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		ex:    newFakeExchange(),
		store: &flakyStore{SQLiteStorage: db},
		feed:  newFakeFeed(),
		disc:  &fakeDiscovery{},
		clock: &fakeClock{t: start},
		notes: &fakeNotifier{},
	}
	h.ex.tokens[testCond] = [2]string{tokA, tokB}
	h.disc.markets = []domain.Market{testMarketAt(testMarket, testCond, tokA, tokB, start.Add(10*time.Minute))}
	h.feed.set(tokA, 0.50, 0.49)
	h.feed.set(tokB, 0.50, 0.49)

	cfg.Clock = h.clock.Now
	h.cfg = cfg
	h.e = maker.New(h.disc, h.ex, h.store, h.feed, h.notes, cfg)
	return h
}

func (h *harness) cycle() {
	h.t.Helper()
	require.NoError(h.t, h.e.RunOnce(h.ctx))
}

// position devuelve la posición activa del mercado tal como quedó persistida.
func (h *harness) position(marketID string) domain.Position {
	h.t.Helper()
	list, err := h.store.ListActive(h.ctx)
	require.NoError(h.t, err)
	for _, p := range list {
		if p.MarketID == marketID {
			return p
		}
	}
	h.t.Fatalf("no active position for %s", marketID)
	return domain.Position{}
}

func (h *harness) closed(marketID string) []domain.Position {
	h.t.Helper()
	list, err := h.store.ListRecent(h.ctx, 50)
	require.NoError(h.t, err)
	var out []domain.Position
	for _, p := range list {
		if p.MarketID == marketID && p.State.IsTerminal() {
			out = append(out, p)
		}
	}
	return out
}
