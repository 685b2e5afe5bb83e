package polymarket

// ws_market.go — canal "market" del websocket del CLOB (ruta push del feed).
//
// Cada sesión mantiene un libro local por token: el evento "book" lo reemplaza
// entero y "price_change" aplica deltas por nivel (size 0 elimina el nivel).
// Tras cada cambio se publica el libro completo por Updates().

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

const (
	defaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	writeWait     = 10 * time.Second
	readWait      = 60 * time.Second
	pingPeriod    = 10 * time.Second // el servidor espera PING de texto cada ~10s
	handshakeWait = 15 * time.Second

	updatesBuffer = 256
)

var errStreamClosed = errors.New("stream closed")

// MarketWS abre sesiones del canal market. Implementa ports.PushBookSource.
type MarketWS struct {
	url    string
	dialer websocket.Dialer
}

// NewMarketWS crea la fuente push. Si url está vacío usa producción.
func NewMarketWS(url string) *MarketWS {
	if url == "" {
		url = defaultMarketWSURL
	}
	return &MarketWS{
		url:    url,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeWait},
	}
}

// Connect abre una conexión y se suscribe a tokenIDs.
func (m *MarketWS) Connect(ctx context.Context, tokenIDs []string) (ports.BookStream, error) {
	conn, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws.Connect: dial: %w", err)
	}

	s := &marketStream{
		conn:    conn,
		books:   make(map[string]*localBook),
		updates: make(chan domain.OrderBook, updatesBuffer),
		done:    make(chan struct{}),
	}
	if err := s.write(wsMarketSubscribe{Type: "market", AssetIDs: tokenIDs}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ws.Connect: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	go s.readLoop()
	go s.pingLoop()

	slog.Info("ws: market session open", "tokens", len(tokenIDs))
	return s, nil
}

// marketStream es una sesión abierta. Implementa ports.BookStream.
type marketStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	books map[string]*localBook

	updates chan domain.OrderBook
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (s *marketStream) Updates() <-chan domain.OrderBook { return s.updates }
func (s *marketStream) Done() <-chan struct{}            { return s.done }

func (s *marketStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Subscribe añade tokens a la sesión abierta.
func (s *marketStream) Subscribe(_ context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	select {
	case <-s.done:
		return fmt.Errorf("ws.Subscribe: %w", errStreamClosed)
	default:
	}
	if err := s.write(wsMarketUpdate{AssetIDs: tokenIDs, Operation: "subscribe"}); err != nil {
		return fmt.Errorf("ws.Subscribe: %w", err)
	}
	return nil
}

// Close cierra la sesión. Es seguro llamarlo varias veces.
func (s *marketStream) Close() error {
	s.shutdown(errStreamClosed)
	return nil
}

func (s *marketStream) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		s.conn.Close()
		close(s.done)
	})
}

func (s *marketStream) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.writeRaw(data)
}

func (s *marketStream) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *marketStream) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeRaw([]byte("PING")); err != nil {
				s.shutdown(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (s *marketStream) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(fmt.Errorf("read: %w", err))
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readWait))

		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 || string(msg) == "PONG" {
			continue
		}
		events, err := decodeMarketEvents(msg)
		if err != nil {
			slog.Debug("ws: undecodable message", "err", err, "msg", truncate(string(msg), 120))
			continue
		}
		now := time.Now()
		for _, ev := range events {
			for _, ob := range s.apply(ev, now) {
				s.publish(ob)
			}
		}
	}
}

// publish no bloquea: si el consumidor va lento se descarta la actualización.
// El siguiente cambio del mismo token lleva el libro completo.
func (s *marketStream) publish(ob domain.OrderBook) {
	select {
	case s.updates <- ob:
	case <-s.done:
	default:
		slog.Debug("ws: updates buffer full, dropping", "token", shortID(ob.TokenID))
	}
}

// apply actualiza los libros locales y devuelve los libros modificados.
func (s *marketStream) apply(ev wsMarketEvent, now time.Time) []domain.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.EventType {
	case "book":
		bids, asks := ev.Bids, ev.Asks
		if len(bids) == 0 && len(asks) == 0 {
			bids, asks = ev.Buys, ev.Sells
		}
		lb := newLocalBook()
		for _, e := range bids {
			lb.set(true, e.Price, e.Size)
		}
		for _, e := range asks {
			lb.set(false, e.Price, e.Size)
		}
		s.books[ev.AssetID] = lb
		return []domain.OrderBook{lb.build(ev.AssetID, now)}

	case "price_change":
		touched := make(map[string]bool)
		for _, pc := range ev.PriceChanges {
			asset := pc.AssetID
			if asset == "" {
				asset = ev.AssetID
			}
			lb, ok := s.books[asset]
			if !ok {
				// sin snapshot previo el delta no se puede aplicar
				continue
			}
			lb.set(strings.EqualFold(pc.Side, "BUY"), pc.Price, pc.Size)
			touched[asset] = true
		}
		out := make([]domain.OrderBook, 0, len(touched))
		for asset := range touched {
			out = append(out, s.books[asset].build(asset, now))
		}
		return out
	}
	return nil
}

// decodeMarketEvents acepta un objeto o un array de objetos.
func decodeMarketEvents(msg []byte) ([]wsMarketEvent, error) {
	if msg[0] == '[' {
		var evs []wsMarketEvent
		if err := json.Unmarshal(msg, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev wsMarketEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, err
	}
	return []wsMarketEvent{ev}, nil
}

// localBook guarda los niveles por precio (string tal como llega) de un token.
type localBook struct {
	bids map[string]float64
	asks map[string]float64
}

func newLocalBook() *localBook {
	return &localBook{bids: make(map[string]float64), asks: make(map[string]float64)}
}

func (lb *localBook) set(bid bool, price, size string) {
	levels := lb.asks
	if bid {
		levels = lb.bids
	}
	key := normalizePrice(price)
	if sz := parseFloat(size); sz > 0 {
		levels[key] = sz
	} else {
		delete(levels, key)
	}
}

func (lb *localBook) build(tokenID string, now time.Time) domain.OrderBook {
	return domain.OrderBook{
		TokenID:   tokenID,
		Bids:      levelsToEntries(lb.bids, false),
		Asks:      levelsToEntries(lb.asks, true),
		Timestamp: now,
	}
}

func levelsToEntries(levels map[string]float64, ascending bool) []domain.BookEntry {
	raw := make([]bookEntryRaw, 0, len(levels))
	for p, sz := range levels {
		raw = append(raw, bookEntryRaw{Price: p, Size: fmt.Sprintf("%g", sz)})
	}
	return mapBookEntries(raw, ascending)
}

// normalizePrice unifica "0.5" y "0.50" para que el delta caiga en el mismo nivel.
func normalizePrice(p string) string {
	return fmt.Sprintf("%.4f", parseFloat(p))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
