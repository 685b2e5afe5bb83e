package polymarket_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polysplit/internal/adapters/polymarket"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

func newTestClient(clobSrv, gammaSrv *httptest.Server) *polymarket.Client {
	clobURL := ""
	gammaURL := ""
	if clobSrv != nil {
		clobURL = clobSrv.URL
	}
	if gammaSrv != nil {
		gammaURL = gammaSrv.URL
	}
	return polymarket.NewClient(clobURL, gammaURL)
}

// --- Books ---

func TestFetchOrderBooks_Batches(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/books", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		requests.Add(1)

		var body []struct {
			TokenID string `json:"token_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.LessOrEqual(t, len(body), 20)

		out := make([]map[string]any, 0, len(body))
		for _, b := range body {
			out = append(out, map[string]any{
				"asset_id": b.TokenID,
				"bids":     []map[string]string{{"price": "0.48", "size": "100"}},
				"asks":     []map[string]string{{"price": "0.52", "size": "100"}},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	tokens := make([]string, 25)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok%d", i)
	}

	books, err := newTestClient(srv, nil).FetchOrderBooks(context.Background(), tokens)
	require.NoError(t, err)
	assert.Len(t, books, 25)
	assert.Equal(t, int32(2), requests.Load())
	assert.Equal(t, 0.48, books["tok7"].BestBid())
	assert.Equal(t, 0.52, books["tok7"].BestAsk())
}

func TestFetchOrderBooks_Empty(t *testing.T) {
	books, err := newTestClient(nil, nil).FetchOrderBooks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestFetchOrderBooks_RetriesServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[{"asset_id":"a","bids":[],"asks":[]}]`))
	}))
	defer srv.Close()

	books, err := newTestClient(srv, nil).FetchOrderBooks(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Contains(t, books, "a")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchOrderBooks_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad token"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, nil).FetchOrderBooks(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, int32(1), calls.Load())
}

// --- Gamma ---

const gammaFixture = `[
	{"conditionId":"0xc1","question":"BTC up?","slug":"btc-updown-15m-1","endDate":"2026-01-01T12:15:00Z",
	 "outcomes":"[\"Up\",\"Down\"]","clobTokenIds":"[\"11\",\"12\"]","active":true,"closed":false},
	{"conditionId":"0xc2","question":"Other?","slug":"election-2028","endDate":"2026-01-01T12:20:00Z",
	 "outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"21\",\"22\"]","active":true,"closed":false},
	{"conditionId":"0xc3","question":"Broken","slug":"btc-updown-15m-3","endDate":"2026-01-01T12:30:00Z",
	 "outcomes":"[\"Up\"]","clobTokenIds":"[\"31\"]","active":true,"closed":false}
]`

func TestNextEligibleMarkets(t *testing.T) {
	after := time.Date(2026, 1, 1, 12, 3, 0, 0, time.UTC)
	before := time.Date(2026, 1, 1, 12, 15, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("active"))
		assert.Equal(t, "false", q.Get("closed"))
		assert.Equal(t, "2026-01-01T12:03:00Z", q.Get("end_date_min"))
		assert.Equal(t, "2026-01-01T12:15:00Z", q.Get("end_date_max"))
		assert.Equal(t, "50", q.Get("limit"))
		w.Write([]byte(gammaFixture))
	}))
	defer srv.Close()

	markets, err := newTestClient(nil, srv).NextEligibleMarkets(context.Background(), ports.MarketCriteria{
		SlugPrefixes: []string{"btc-updown-15m"},
		EndAfter:     after,
		EndBefore:    before,
		Limit:        50,
	})
	require.NoError(t, err)
	// election filtrado por prefijo, el tercero no es binario
	require.Len(t, markets, 1)
	assert.Equal(t, "btc-updown-15m-1", markets[0].ID)
	assert.Equal(t, "11", markets[0].Tokens[0].TokenID)
	assert.Equal(t, "Down", markets[0].Tokens[1].Outcome)
}

func TestNextEligibleMarkets_NoPrefixes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		w.Write([]byte(gammaFixture))
	}))
	defer srv.Close()

	markets, err := newTestClient(nil, srv).NextEligibleMarkets(context.Background(), ports.MarketCriteria{})
	require.NoError(t, err)
	assert.Len(t, markets, 2)
}

func TestMarket_BySlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("slug") {
		case "btc-updown-15m-1":
			w.Write([]byte(`[{"conditionId":"0xc1","slug":"btc-updown-15m-1","outcomes":"[\"Up\",\"Down\"]",
				"clobTokenIds":"[\"11\",\"12\"]","active":false,"closed":true}]`))
		default:
			w.Write([]byte(`[]`))
		}
	}))
	defer srv.Close()

	c := newTestClient(nil, srv)
	m, err := c.Market(context.Background(), "btc-updown-15m-1")
	require.NoError(t, err)
	assert.False(t, m.IsOpen())

	_, err = c.Market(context.Background(), "missing")
	assert.Error(t, err)
}
