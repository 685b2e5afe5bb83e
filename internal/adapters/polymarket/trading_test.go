package polymarket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// clave de test bien conocida (hardhat #0), sin fondos reales
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestTrading(t *testing.T, h http.HandlerFunc) (*TradingClient, *AuthClient) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ac, err := NewAuthClient(srv.URL, srv.URL, "0x"+testKey)
	require.NoError(t, err)
	ac.creds = &Credentials{
		APIKey:     "key-1",
		Secret:     base64.URLEncoding.EncodeToString([]byte("test-secret")),
		Passphrase: "pass",
	}
	return NewTradingClient(ac), ac
}

// --- Auth ---

func TestEnsureCreds_DerivesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/derive-api-key", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))
		assert.Equal(t, "0", r.Header.Get("POLY_NONCE"))
		calls.Add(1)
		w.Write([]byte(`{"apiKey":"k","secret":"c2VjcmV0","passphrase":"p"}`))
	}))
	defer srv.Close()

	ac, err := NewAuthClient(srv.URL, srv.URL, testKey)
	require.NoError(t, err)

	for range 3 {
		creds, err := ac.Credentials(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "k", creds.APIKey)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewAuthClient_InvalidKey(t *testing.T) {
	_, err := NewAuthClient("", "", "nope")
	assert.Error(t, err)
}

func TestHMACSignature_Deterministic(t *testing.T) {
	secret := base64.URLEncoding.EncodeToString([]byte("s"))
	a, err := hmacSignature(secret, "1700000000GET/data/order/1")
	require.NoError(t, err)
	b, err := hmacSignature(secret, "1700000000GET/data/order/1")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = hmacSignature("%%%", "x")
	assert.Error(t, err)
}

// --- PlaceOrder ---

func TestPlaceOrder_SellGTC(t *testing.T) {
	tc, ac := newTestTrading(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("POLY_API_KEY"))
		assert.NotEmpty(t, r.Header.Get("POLY_SIGNATURE"))

		var body struct {
			Order struct {
				Side        string `json:"side"`
				TokenID     string `json:"tokenId"`
				MakerAmount string `json:"makerAmount"`
				TakerAmount string `json:"takerAmount"`
				Maker       string `json:"maker"`
				Signature   string `json:"signature"`
			} `json:"order"`
			Owner     string `json:"owner"`
			OrderType string `json:"orderType"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "SELL", body.Order.Side)
		assert.Equal(t, "12345", body.Order.TokenID)
		assert.Equal(t, "100000000", body.Order.MakerAmount)
		assert.Equal(t, "52000000", body.Order.TakerAmount)
		assert.Equal(t, "GTC", body.OrderType)
		assert.Equal(t, "key-1", body.Owner)
		assert.Regexp(t, "^0x[0-9a-f]+$", body.Order.Signature)

		w.Write([]byte(`{"success":true,"orderID":"0xorder1","status":"live"}`))
	})

	id, err := tc.PlaceOrder(context.Background(), domain.PlaceOrderRequest{
		Side: domain.SideA, TokenID: "12345", Price: 0.52, Size: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "0xorder1", id)
	assert.NotEmpty(t, ac.Address())
}

func TestPlaceOrder_Rejected(t *testing.T) {
	tc, _ := newTestTrading(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"not enough balance / allowance"}`))
	})

	_, err := tc.PlaceOrder(context.Background(), domain.PlaceOrderRequest{TokenID: "1", Price: 0.5, Size: 10})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough balance")
}

func TestPlaceOrder_InvalidSize(t *testing.T) {
	tc, _ := newTestTrading(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := tc.PlaceOrder(context.Background(), domain.PlaceOrderRequest{TokenID: "1", Price: 0.5, Size: 0})
	assert.Error(t, err)
}

// --- CancelOrder ---

func TestCancelOrder(t *testing.T) {
	tests := map[string]struct {
		status   int
		body     string
		notFound bool
		wantErr  bool
	}{
		"canceled":             {http.StatusOK, `{"canceled":["o1"],"not_canceled":{}}`, false, false},
		"404":                  {http.StatusNotFound, `{"error":"not found"}`, true, true},
		"not_canceled matched": {http.StatusOK, `{"canceled":[],"not_canceled":{"o1":"matched orders can't be canceled"}}`, true, true},
		"not_canceled other":   {http.StatusOK, `{"canceled":[],"not_canceled":{"o1":"exchange paused"}}`, false, true},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tc, _ := newTestTrading(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "o1", body["orderID"])
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			err := tc.CancelOrder(context.Background(), "o1")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.notFound, IsNotFound(err))
		})
	}
}

// --- OrderStatus ---

func TestOrderStatus(t *testing.T) {
	tc, _ := newTestTrading(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/data/order/o1":
			w.Write([]byte(`{"id":"o1","status":"MATCHED","original_size":"100","size_matched":"100","price":"0.51"}`))
		case "/data/order/o2":
			w.Write([]byte(`null`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	r, err := tc.OrderStatus(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, r.Status)
	assert.Equal(t, 100.0, r.FilledSize)
	assert.Equal(t, 0.51, r.FilledPrice)

	_, err = tc.OrderStatus(context.Background(), "o2")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = tc.OrderStatus(context.Background(), "o3")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	_, err = tc.OrderStatus(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestExchange_DelegatesChain(t *testing.T) {
	tc, _ := newTestTrading(t, func(w http.ResponseWriter, r *http.Request) {})
	chain := &stubChain{balance: 42}
	ex := NewExchange(tc, chain)

	tx, err := ex.Split(context.Background(), "0xc", 10, false)
	require.NoError(t, err)
	assert.Equal(t, "split-tx", tx)

	tx, err = ex.Redeem(context.Background(), "0xc", 40, 0, true)
	require.NoError(t, err)
	assert.Equal(t, "redeem-tx", tx)
	assert.Equal(t, [2]float64{40, 0}, chain.redeemed)

	bal, err := ex.Balance(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, bal)
}

type stubChain struct {
	balance  float64
	redeemed [2]float64
}

func (s *stubChain) Split(context.Context, string, float64, bool) (string, error) {
	return "split-tx", nil
}
func (s *stubChain) Merge(context.Context, string, float64, bool) (string, error) {
	return "merge-tx", nil
}
func (s *stubChain) Redeem(_ context.Context, _ string, a, b float64, _ bool) (string, error) {
	s.redeemed = [2]float64{a, b}
	return "redeem-tx", nil
}
func (s *stubChain) Balance(context.Context, string) (float64, error) { return s.balance, nil }
