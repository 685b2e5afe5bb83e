package polymarket

// ws_user.go — canal "user" autenticado: cambios de estado de nuestras órdenes.
//
// Solo se reenvían los eventos "order" (size_matched es acumulado, así que
// reaplicarlos es idempotente). Los "trade" se registran en debug.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

const (
	defaultUserWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/user"

	userReconnectDelay    = 2 * time.Second
	userMaxReconnectDelay = 60 * time.Second
)

// CredentialsProvider entrega las credenciales L2 del canal user.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// UserWS implementa ports.OrderEventSource sobre el canal user.
type UserWS struct {
	url    string
	creds  CredentialsProvider
	dialer websocket.Dialer
}

// NewUserWS crea la fuente de eventos de órdenes. Si url está vacío usa producción.
func NewUserWS(url string, creds CredentialsProvider) *UserWS {
	if url == "" {
		url = defaultUserWSURL
	}
	return &UserWS{
		url:    url,
		creds:  creds,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeWait},
	}
}

// Run mantiene la conexión abierta hasta que ctx se cancele, reconectando
// con backoff exponencial.
func (u *UserWS) Run(ctx context.Context, out chan<- domain.OrderUpdate) error {
	delay := userReconnectDelay
	for {
		started := time.Now()
		err := u.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > userMaxReconnectDelay {
			delay = userReconnectDelay
		}
		slog.Warn("ws: user channel disconnected", "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, userMaxReconnectDelay)
	}
}

// session abre una conexión y lee hasta que falle.
func (u *UserWS) session(ctx context.Context, out chan<- domain.OrderUpdate) error {
	creds, err := u.creds.Credentials(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	conn, _, err := u.dialer.DialContext(ctx, u.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(wsUserSubscribe{
		Type:    "user",
		Markets: []string{},
		Auth:    wsUserAuth{APIKey: creds.APIKey, Secret: creds.Secret, Passphrase: creds.Passphrase},
	})
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	slog.Info("ws: user channel open")

	// ctx cancelado o ping fallido cierran la conexión y desbloquean ReadMessage
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		msg = bytes.TrimSpace(msg)
		if len(msg) == 0 || string(msg) == "PONG" {
			continue
		}
		events, err := decodeUserEvents(msg)
		if err != nil {
			slog.Debug("ws: undecodable user message", "err", err, "msg", truncate(string(msg), 120))
			continue
		}
		now := time.Now()
		for _, ev := range events {
			switch ev.EventType {
			case "order":
				select {
				case out <- mapUserOrderEvent(ev, now):
				case <-ctx.Done():
					return ctx.Err()
				}
			case "trade":
				slog.Debug("ws: trade event", "taker_order", ev.TakerOrderID, "status", ev.Status, "makers", len(ev.MakerOrders))
			}
		}
	}
}

func decodeUserEvents(msg []byte) ([]wsUserEvent, error) {
	if msg[0] == '[' {
		var evs []wsUserEvent
		if err := json.Unmarshal(msg, &evs); err != nil {
			return nil, err
		}
		return evs, nil
	}
	var ev wsUserEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return nil, err
	}
	return []wsUserEvent{ev}, nil
}
