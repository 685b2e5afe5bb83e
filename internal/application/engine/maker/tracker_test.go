package maker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polysplit/internal/adapters/storage"
	"github.com/alejandrodnm/polysplit/internal/application/engine/maker"
	"github.com/alejandrodnm/polysplit/internal/domain"
)

func newTrackerFixture(t *testing.T) (*maker.Tracker, *fakeFeed, *storage.SQLiteStorage, *fakeClock) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	feed := newFakeFeed()
	clock := &fakeClock{t: start}
	tr := maker.NewTracker(feed, db, 3, clock.Now)

	m := testMarketAt(testMarket, testCond, tokA, tokB, start.Add(10*time.Minute))
	p := domain.NewPosition("p1", m, m.Tokens[0], m.Tokens[1], 100, start)
	tr.Watch(p)
	return tr, feed, db, clock
}

func TestTracker_RecordsOnlyNearResolution(t *testing.T) {
	tr, feed, _, clock := newTrackerFixture(t)
	ctx := context.Background()

	feed.set(tokA, 0.6, 0.55)
	feed.set(tokB, 0.4, 0.35)
	tr.Sample()
	a, b, err := tr.Last(ctx, testMarket)
	require.NoError(t, err)
	assert.Nil(t, a, "10 minutes left, threshold 3")
	assert.Nil(t, b)

	clock.Advance(7 * time.Minute)
	tr.Sample()
	a, b, err = tr.Last(ctx, testMarket)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, 0.55, a.BestBid)
	assert.Equal(t, 0.35, b.BestBid)
	assert.Equal(t, domain.SideB, b.Side)
}

func TestTracker_KeepsLatestAndPersists(t *testing.T) {
	tr, feed, db, clock := newTrackerFixture(t)
	ctx := context.Background()
	clock.Advance(8 * time.Minute)

	feed.set(tokA, 0.9, 0.90)
	tr.Sample()
	clock.Advance(30 * time.Second)
	feed.set(tokA, 0.99, 0.99)
	tr.Sample()
	tr.Flush(ctx)

	stored, err := db.Observations(ctx, testMarket)
	require.NoError(t, err)
	require.Contains(t, stored, domain.SideA)
	assert.Equal(t, 0.99, stored[domain.SideA].BestBid)

	// un proceso nuevo recupera la observación del store
	tr2 := maker.NewTracker(newFakeFeed(), db, 3, clock.Now)
	a, b, err := tr2.Last(ctx, testMarket)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 0.99, a.BestBid)
	assert.Nil(t, b)
}

func TestTracker_UnwatchStopsRecording(t *testing.T) {
	tr, feed, _, clock := newTrackerFixture(t)
	clock.Advance(9 * time.Minute)
	tr.Unwatch(testMarket)

	feed.set(tokA, 0.5, 0.5)
	tr.Sample()
	a, _, err := tr.Last(context.Background(), testMarket)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestTracker_RunConsumesSnapshots(t *testing.T) {
	tr, feed, db, clock := newTrackerFixture(t)
	clock.Advance(9 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, 10*time.Millisecond) }()

	feed.snaps <- domain.OrderbookSnapshot{TokenID: tokB, BestBid: 0.97, Timestamp: clock.Now()}

	assert.Eventually(t, func() bool {
		obs, err := db.Observations(context.Background(), testMarket)
		return err == nil && obs[domain.SideB].BestBid == 0.97
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
