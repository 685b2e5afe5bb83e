package feed_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polysplit/internal/application/feed"
	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

// --- fakes ---

type fakeStream struct {
	updates chan domain.OrderBook
	done    chan struct{}
	once    sync.Once

	mu         sync.Mutex
	subscribed []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{updates: make(chan domain.OrderBook, 16), done: make(chan struct{})}
}

func (s *fakeStream) Subscribe(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, ids...)
	return nil
}
func (s *fakeStream) Updates() <-chan domain.OrderBook { return s.updates }
func (s *fakeStream) Done() <-chan struct{}            { return s.done }
func (s *fakeStream) Err() error                       { return errors.New("closed") }
func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) subs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

// fakePush entrega los streams en orden; sin streams restantes falla.
type fakePush struct {
	mu       sync.Mutex
	streams  []*fakeStream
	failures int
	connects int
}

func (p *fakePush) Connect(_ context.Context, _ []string) (ports.BookStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("dial refused")
	}
	if len(p.streams) == 0 {
		return nil, errors.New("no more streams")
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	return s, nil
}

type fakePull struct {
	mu    sync.Mutex
	bid   float64
	calls int
	seen  map[string]int
}

func (p *fakePull) FetchOrderBooks(_ context.Context, ids []string) (map[string]domain.OrderBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.seen == nil {
		p.seen = make(map[string]int)
	}
	out := make(map[string]domain.OrderBook, len(ids))
	for _, id := range ids {
		p.seen[id]++
		out[id] = book(id, p.bid, p.bid+0.04)
	}
	return out, nil
}

func (p *fakePull) setBid(bid float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bid = bid
}

func (p *fakePull) polled(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[id]
}

func book(id string, bid, ask float64) domain.OrderBook {
	return domain.OrderBook{
		TokenID: id,
		Bids:    []domain.BookEntry{{Price: bid, Size: 100}},
		Asks:    []domain.BookEntry{{Price: ask, Size: 100}},
	}
}

func fastOpts() feed.Options {
	return feed.Options{
		HealthCheckTimeout: 150 * time.Millisecond,
		ReconnectDelay:     30 * time.Millisecond,
		MaxReconnectDelay:  60 * time.Millisecond,
		PollInterval:       20 * time.Millisecond,
	}
}

func run(t *testing.T, f *feed.Feed) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// --- tests ---

func TestFeed_PushHealthy(t *testing.T) {
	stream := newFakeStream()
	push := &fakePush{streams: []*fakeStream{stream}}
	pull := &fakePull{bid: 0.30}
	f := feed.New(push, pull, fastOpts())
	f.Subscribe("a")
	run(t, f)

	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, time.Second, 5*time.Millisecond)

	stream.updates <- book("a", 0.48, 0.52)
	require.Eventually(t, func() bool {
		bid, _, ok := f.BestBid("a")
		return ok && bid == 0.48
	}, time.Second, 5*time.Millisecond)

	mid, ok := f.Midpoint("a")
	require.True(t, ok)
	assert.InDelta(t, 0.50, mid, 1e-9)

	select {
	case snap := <-f.Snapshots():
		assert.Equal(t, "a", snap.TokenID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}
}

func TestFeed_SilentPushFallsBackToPolling(t *testing.T) {
	stream := newFakeStream()
	push := &fakePush{streams: []*fakeStream{stream}}
	pull := &fakePull{bid: 0.10}
	opts := fastOpts()
	f := feed.New(push, pull, opts)
	f.Subscribe("a")
	run(t, f)

	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, time.Second, 5*time.Millisecond)
	connectedAt := time.Now()
	pull.setBid(0.30)

	// sin updates push: el dato tiene que llegar por polling dentro de timeout + poll_interval
	deadline := opts.HealthCheckTimeout + opts.PollInterval + 100*time.Millisecond
	require.Eventually(t, func() bool {
		bid, _, ok := f.BestBid("a")
		return ok && bid == 0.30
	}, deadline, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(connectedAt), opts.HealthCheckTimeout-30*time.Millisecond)

	// la sesión silenciosa se cierra
	select {
	case <-stream.Done():
	case <-time.After(time.Second):
		t.Fatal("silent session not torn down")
	}
}

func TestFeed_ConnectFailureThenRecovery(t *testing.T) {
	stream := newFakeStream()
	push := &fakePush{failures: 2, streams: []*fakeStream{stream}}
	pull := &fakePull{bid: 0.40}
	f := feed.New(push, pull, fastOpts())
	f.Subscribe("a", "b")
	run(t, f)

	// mientras no hay push, polling de todos los tokens
	require.Eventually(t, func() bool {
		return pull.polled("a") > 0 && pull.polled("b") > 0
	}, time.Second, 5*time.Millisecond)

	// tras el backoff la sesión se restablece
	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, 2*time.Second, 5*time.Millisecond)
	stream.updates <- book("a", 0.55, 0.57)
	require.Eventually(t, func() bool {
		bid, _, _ := f.BestBid("a")
		return bid == 0.55
	}, time.Second, 5*time.Millisecond)
}

func TestFeed_StreamDropFallsBack(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	push := &fakePush{streams: []*fakeStream{first, second}}
	f := feed.New(push, &fakePull{bid: 0.2}, fastOpts())
	f.Subscribe("a")
	run(t, f)

	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, time.Second, 5*time.Millisecond)
	first.Close()
	require.Eventually(t, func() bool {
		push.mu.Lock()
		defer push.mu.Unlock()
		return push.connects >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, time.Second, 5*time.Millisecond)
}

func TestFeed_SubscribeFlushesToHealthyPush(t *testing.T) {
	stream := newFakeStream()
	push := &fakePush{streams: []*fakeStream{stream}}
	f := feed.New(push, &fakePull{bid: 0.2}, fastOpts())
	f.Subscribe("a")
	run(t, f)

	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, time.Second, 5*time.Millisecond)
	f.Subscribe("a", "b") // "a" ya estaba
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"b"}, stream.subs())
	}, time.Second, 5*time.Millisecond)
}

func TestFeed_PollOnlyWithoutPush(t *testing.T) {
	pull := &fakePull{bid: 0.61}
	f := feed.New(nil, pull, fastOpts())
	f.Subscribe("a")
	run(t, f)

	require.Eventually(t, func() bool {
		bid, staleness, ok := f.BestBid("a")
		return ok && bid == 0.61 && staleness < time.Second
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, feed.PollFallback, f.Transport())

	ask, _, ok := f.BestAsk("a")
	require.True(t, ok)
	assert.InDelta(t, 0.65, ask, 1e-9)
}

func TestFeed_UnknownTokenAndUnsubscribe(t *testing.T) {
	pull := &fakePull{bid: 0.5}
	f := feed.New(nil, pull, fastOpts())
	_, _, ok := f.BestBid("nope")
	assert.False(t, ok)
	_, ok = f.Midpoint("nope")
	assert.False(t, ok)

	f.Subscribe("a")
	run(t, f)
	require.Eventually(t, func() bool { _, _, ok := f.BestBid("a"); return ok }, time.Second, 5*time.Millisecond)

	f.Unsubscribe("a")
	_, _, ok = f.BestBid("a")
	assert.False(t, ok)
}

func TestFeed_WeightedMidpoint(t *testing.T) {
	stream := newFakeStream()
	opts := fastOpts()
	opts.WeightedMidpoint = true
	opts.DepthLevels = 2
	f := feed.New(&fakePush{streams: []*fakeStream{stream}}, &fakePull{}, opts)
	f.Subscribe("a")
	run(t, f)
	require.Eventually(t, func() bool { return f.Transport() == feed.PushHealthy }, time.Second, 5*time.Millisecond)

	stream.updates <- domain.OrderBook{
		TokenID: "a",
		Bids:    []domain.BookEntry{{Price: 0.50, Size: 10}, {Price: 0.40, Size: 30}, {Price: 0.10, Size: 1000}},
		Asks:    []domain.BookEntry{{Price: 0.60, Size: 10}},
	}
	require.Eventually(t, func() bool {
		mid, ok := f.Midpoint("a")
		// bids ponderados (0.5*10+0.4*30)/40 = 0.425 ; asks 0.60
		return ok && mid > 0.5124 && mid < 0.5126
	}, time.Second, 5*time.Millisecond)
}
