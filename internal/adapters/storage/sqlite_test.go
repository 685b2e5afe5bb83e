package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/polysplit/internal/adapters/storage"
	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makePosition(id, marketID string) domain.Position {
	now := time.Now().UTC().Truncate(time.Millisecond)
	m := domain.Market{
		ID:          marketID,
		ConditionID: "0xcond-" + marketID,
		Question:    "Bitcoin Up or Down?",
		EndDate:     now.Add(10 * time.Minute),
		Tokens:      [2]domain.Token{{TokenID: "tok-up", Outcome: "Up"}, {TokenID: "tok-down", Outcome: "Down"}},
	}
	a, b, _ := m.Sides()
	return domain.NewPosition(id, m, a, b, 100, now)
}

func TestSQLiteStorage_CreateAndGet(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	p := makePosition("p1", "btc-updown-15m-1")
	require.NoError(t, db.Create(ctx, p))

	got, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateNew, got.State)
	assert.Equal(t, "tok-up", got.A.TokenID)
	assert.Equal(t, "Down", got.B.Outcome)
	assert.True(t, p.EndDate.Equal(got.EndDate))
	assert.Nil(t, got.A.Order)
	assert.Nil(t, got.Settlement)
}

func TestSQLiteStorage_GetMissing(t *testing.T) {
	db := newStore(t)
	_, err := db.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, domain.ErrPositionNotFound))
}

func TestSQLiteStorage_OneActivePerMarket(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	require.NoError(t, db.Create(ctx, makePosition("p1", "m1")))
	err := db.Create(ctx, makePosition("p2", "m1"))
	assert.True(t, errors.Is(err, domain.ErrDuplicatePosition))

	// tras cerrar la primera, el mercado vuelve a estar libre
	require.NoError(t, db.MarkTerminal(ctx, "p1", domain.StateClosed, domain.CloseManual, time.Now()))
	assert.NoError(t, db.Create(ctx, makePosition("p2", "m1")))
}

func TestSQLiteStorage_SaveRoundTrip(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	p := makePosition("p1", "m1")
	require.NoError(t, db.Create(ctx, p))

	placed := time.Now().UTC().Truncate(time.Millisecond)
	p.ApplySplit(100, "0xsplit")
	p.State = domain.StateQuoting
	p.OrdersPlacedAt = &placed
	p.A.Order = &domain.Order{ID: "oa", Side: domain.SideA, TokenID: p.A.TokenID, Price: 0.52, Size: 100, Status: domain.OrderOpen, PlacedAt: placed}
	p.B.Order = &domain.Order{ID: "ob", Side: domain.SideB, TokenID: p.B.TokenID, Price: 0.51, Size: 100, Status: domain.OrderPartial, FilledSize: 40, FilledPrice: 0.51, PlacedAt: placed}
	p.B.ApplyFill(40, 0.51, placed)
	p.UpdatedAt = placed
	require.NoError(t, db.Save(ctx, p, "orders_placed"))

	got, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQuoting, got.State)
	assert.Equal(t, 1, got.Splits)
	assert.Equal(t, "0xsplit", got.SplitTx)
	assert.InDelta(t, 100.0, got.A.Shares, 1e-9)
	assert.InDelta(t, 60.0, got.B.Shares, 1e-9)
	assert.InDelta(t, 40*0.51, got.B.Proceeds, 1e-9)
	require.NotNil(t, got.B.FilledAt)
	require.NotNil(t, got.OrdersPlacedAt)
	assert.True(t, placed.Equal(*got.OrdersPlacedAt))

	require.NotNil(t, got.A.Order)
	assert.Equal(t, "oa", got.A.Order.ID)
	assert.Equal(t, domain.SideA, got.A.Order.Side)
	assert.Equal(t, domain.OrderOpen, got.A.Order.Status)
	require.NotNil(t, got.B.Order)
	assert.Equal(t, domain.OrderPartial, got.B.Order.Status)
	assert.InDelta(t, 40.0, got.B.Order.FilledSize, 1e-9)

	orders, err := db.Orders(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestSQLiteStorage_OrderHistoryKeepsReplacedOrders(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	p := makePosition("p1", "m1")
	require.NoError(t, db.Create(ctx, p))

	now := time.Now()
	p.A.Order = &domain.Order{ID: "oa1", Price: 0.52, Size: 100, Status: domain.OrderOpen, PlacedAt: now}
	require.NoError(t, db.Save(ctx, p, "orders_placed"))

	p.A.Order = &domain.Order{ID: "oa2", Price: 0.51, Size: 100, Status: domain.OrderOpen, PlacedAt: now.Add(time.Second)}
	require.NoError(t, db.Save(ctx, p, "adjusted"))

	orders, err := db.Orders(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "oa1", orders[0].ID)
	assert.Equal(t, "oa2", orders[1].ID)
}

func TestSQLiteStorage_ListActiveExcludesTerminal(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, db.Create(ctx, makePosition(id, "m-"+id)))
	}
	require.NoError(t, db.MarkTerminal(ctx, "p2", domain.StateClosed, domain.CloseBothFilled, time.Now()))
	require.NoError(t, db.MarkTerminal(ctx, "p3", domain.StateResolved, domain.CloseResolved, time.Now()))

	active, err := db.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ID)

	has, err := db.HasActive(ctx, "m-p2")
	require.NoError(t, err)
	assert.False(t, has)

	recent, err := db.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestSQLiteStorage_MarkTerminalIdempotent(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, makePosition("p1", "m1")))

	at := time.Now()
	require.NoError(t, db.MarkTerminal(ctx, "p1", domain.StateResolved, domain.CloseResolved, at))
	require.NoError(t, db.MarkTerminal(ctx, "p1", domain.StateResolved, domain.CloseResolved, at))
	require.NoError(t, db.MarkTerminal(ctx, "p1", domain.StateClosed, domain.CloseResolved, at))
	require.NoError(t, db.MarkTerminal(ctx, "p1", domain.StateClosed, domain.CloseManual, at))

	got, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, got.State)
	assert.Equal(t, domain.CloseResolved, got.CloseReason)
	require.NotNil(t, got.ClosedAt)

	events, err := db.Events(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, events, 3) // created, → RESOLVED, → CLOSED
	assert.Equal(t, domain.StateResolved, events[1].ToState)
	assert.Equal(t, domain.StateResolved, events[2].FromState)
	assert.Equal(t, domain.StateClosed, events[2].ToState)
}

func TestSQLiteStorage_MarkTerminalRejectsActiveState(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	require.NoError(t, db.Create(ctx, makePosition("p1", "m1")))
	assert.Error(t, db.MarkTerminal(ctx, "p1", domain.StateQuoting, "", time.Now()))
}

func TestSQLiteStorage_SaveDoesNotReopenClosed(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	p := makePosition("p1", "m1")
	require.NoError(t, db.Create(ctx, p))
	require.NoError(t, db.MarkTerminal(ctx, "p1", domain.StateClosed, domain.CloseManual, time.Now()))

	p.State = domain.StateQuoting
	require.NoError(t, db.Save(ctx, p, "late_update"))

	got, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, got.State)
}

// --- redemption ---

func TestSQLiteStorage_RedemptionLifecycle(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	sold := makePosition("sold", "m1")
	require.NoError(t, db.Create(ctx, sold))
	sold.ApplySplit(100, "0xs1")
	sold.A.ApplyFill(100, 0.52, time.Now())
	sold.B.ApplyFill(100, 0.52, time.Now())
	require.NoError(t, db.Save(ctx, sold, "both_filled"))
	require.NoError(t, db.MarkTerminal(ctx, "sold", domain.StateClosed, domain.CloseBothFilled, time.Now()))

	left := makePosition("left", "m2")
	require.NoError(t, db.Create(ctx, left))
	left.ApplySplit(100, "0xs2")
	left.ApplyMerge(90, "0xm", time.Now())
	require.NoError(t, db.Save(ctx, left, "merged"))

	active, err := db.ListUnredeemed(ctx)
	require.NoError(t, err)
	assert.Empty(t, active, "active positions are not redeemed")
	assert.Error(t, db.MarkRedeemed(ctx, "left", "0xr", time.Now()))

	require.NoError(t, db.MarkTerminal(ctx, "left", domain.StateClosed, domain.CloseMerged, time.Now()))
	pending, err := db.ListUnredeemed(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "left", pending[0].ID)
	assert.InDelta(t, 10.0, pending[0].B.Shares, 1e-9)

	at := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, db.MarkRedeemed(ctx, "left", "0xredeem", at))
	require.NoError(t, db.MarkRedeemed(ctx, "left", "0xother", at.Add(time.Minute)))

	got, err := db.Get(ctx, "left")
	require.NoError(t, err)
	assert.Equal(t, "0xredeem", got.RedeemTx)
	require.NotNil(t, got.RedeemedAt)
	assert.True(t, at.Equal(*got.RedeemedAt))

	// Save tardío sobre la fila cerrada no borra la redención
	left.State = domain.StateClosed
	require.NoError(t, db.Save(ctx, left, "late"))
	got, err = db.Get(ctx, "left")
	require.NoError(t, err)
	assert.NotNil(t, got.RedeemedAt)

	pending, err = db.ListUnredeemed(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	events, err := db.Events(ctx, "left")
	require.NoError(t, err)
	var redeemed int
	for _, e := range events {
		if e.Event == "redeemed" {
			redeemed++
		}
	}
	assert.Equal(t, 1, redeemed)
}

// Un instante con fracción y otro en el segundo exacto: el orden por texto
// tiene que coincidir con el orden temporal.
func TestSQLiteStorage_TimestampsSortChronologically(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)

	first := makePosition("first", "m1")
	first.CreatedAt = base
	second := makePosition("second", "m2")
	second.CreatedAt = base.Add(500 * time.Millisecond)
	third := makePosition("third", "m3")
	third.CreatedAt = base.Add(time.Second)

	for _, p := range []domain.Position{third, second, first} {
		require.NoError(t, db.Create(ctx, p))
	}

	list, err := db.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "first", list[0].ID)
	assert.Equal(t, "second", list[1].ID)
	assert.Equal(t, "third", list[2].ID)
	assert.True(t, base.Equal(list[0].CreatedAt))
}

func TestSQLiteStorage_SettlementRoundTrip(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	p := makePosition("p1", "m1")
	require.NoError(t, db.Create(ctx, p))

	p.ApplySplit(100, "0xsplit")
	s := domain.Settle(p, &domain.BidObservation{Side: domain.SideA, BestBid: 0.99}, &domain.BidObservation{Side: domain.SideB, BestBid: 0.01}, time.Now())
	p.Settlement = &s
	p.State = domain.StateResolving
	require.NoError(t, db.Save(ctx, p, "settled"))

	got, err := db.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got.Settlement)
	assert.Equal(t, domain.SideA, got.Settlement.Winner)
	assert.True(t, got.Settlement.WinnerFromData)
	assert.InDelta(t, 100.0, got.Settlement.Valuation, 1e-9)
	assert.InDelta(t, 0.0, got.Settlement.NetPayout, 1e-9)
}

func TestSQLiteStorage_Observations(t *testing.T) {
	db := newStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, db.SaveObservation(ctx, domain.BidObservation{MarketID: "m1", Side: domain.SideA, TokenID: "ta", BestBid: 0.60, ObservedAt: now}))
	require.NoError(t, db.SaveObservation(ctx, domain.BidObservation{MarketID: "m1", Side: domain.SideA, TokenID: "ta", BestBid: 0.99, ObservedAt: now.Add(time.Second)}))
	require.NoError(t, db.SaveObservation(ctx, domain.BidObservation{MarketID: "m1", Side: domain.SideB, TokenID: "tb", BestBid: 0.02, ObservedAt: now}))

	obs, err := db.Observations(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, 0.99, obs[domain.SideA].BestBid)
	assert.Equal(t, "tb", obs[domain.SideB].TokenID)

	empty, err := db.Observations(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLiteStorage_ResumeAfterReopen(t *testing.T) {
	path := t.TempDir() + "/polysplit.db"
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	p := makePosition("p1", "m1")
	require.NoError(t, db.Create(ctx, p))
	p.State = domain.StateOneSideFilled
	require.NoError(t, db.Save(ctx, p, "fill"))
	require.NoError(t, db.Close())

	db2, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	defer db2.Close()

	active, err := db2.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, domain.StateOneSideFilled, active[0].State)
}
