package polymarket

// trading.go — ejecución de órdenes SELL en el CLOB de Polymarket.
//
// Todas las órdenes son límites GTC de venta. Cancel y status traducen
// "la orden ya no existe" a domain.ErrOrderNotFound; el reconciler decide.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gomodel "github.com/polymarket/go-order-utils/pkg/model"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// TradingClient coloca, cancela y consulta órdenes con el AuthClient.
type TradingClient struct {
	auth *AuthClient
}

// NewTradingClient crea un TradingClient.
func NewTradingClient(auth *AuthClient) *TradingClient {
	return &TradingClient{auth: auth}
}

// PlaceOrder firma y envía una orden SELL límite. Devuelve el order ID del CLOB.
func (tc *TradingClient) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (string, error) {
	creds, err := tc.auth.Credentials(ctx)
	if err != nil {
		return "", fmt.Errorf("trading.PlaceOrder: creds: %w", err)
	}

	signed, err := tc.auth.buildSignedOrder(gomodel.SELL, req.TokenID, req.Price, req.Size, req.NegRisk)
	if err != nil {
		return "", fmt.Errorf("trading.PlaceOrder: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          "SELL",
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     creds.APIKey,
		OrderType: "GTC",
	}

	var resp clobOrderResponse
	if err := tc.auth.doL2(ctx, http.MethodPost, "/order", body, &resp); err != nil {
		return "", fmt.Errorf("trading.PlaceOrder: post: %w", err)
	}
	if !resp.Success || resp.ErrorMsg != "" || resp.OrderID == "" {
		return "", fmt.Errorf("trading.PlaceOrder: clob error: %q", resp.ErrorMsg)
	}

	slog.Debug("trading: order placed",
		"order", resp.OrderID,
		"token", shortID(req.TokenID),
		"price", req.Price,
		"shares", req.Size,
		"status", resp.Status,
		"made", parseUSDC(resp.MakingAmount),
	)
	return resp.OrderID, nil
}

// CancelOrder cancela una orden. Si el CLOB responde que no existe o que no se
// pudo cancelar porque ya está cerrada, devuelve domain.ErrOrderNotFound.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	var resp clobCancelResponse
	err := tc.auth.doL2(ctx, http.MethodDelete, "/order", clobCancelRequest{OrderID: orderID}, &resp)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return fmt.Errorf("trading.CancelOrder %s: %w", orderID, domain.ErrOrderNotFound)
		}
		return fmt.Errorf("trading.CancelOrder %s: %w", orderID, err)
	}

	if reason, ok := resp.NotCanceled[orderID]; ok {
		if isGoneReason(reason) {
			return fmt.Errorf("trading.CancelOrder %s: %s: %w", orderID, reason, domain.ErrOrderNotFound)
		}
		return fmt.Errorf("trading.CancelOrder %s: not canceled: %s", orderID, reason)
	}
	return nil
}

// OrderStatus consulta GET /data/order/{id}.
func (tc *TradingClient) OrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	if orderID == "" {
		return domain.OrderStatusReport{}, fmt.Errorf("trading.OrderStatus: empty id: %w", domain.ErrOrderNotFound)
	}
	var resp *clobOrder
	err := tc.auth.doL2(ctx, http.MethodGet, "/data/order/"+orderID, nil, &resp)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return domain.OrderStatusReport{}, fmt.Errorf("trading.OrderStatus %s: %w", orderID, domain.ErrOrderNotFound)
		}
		return domain.OrderStatusReport{}, fmt.Errorf("trading.OrderStatus %s: %w", orderID, err)
	}
	if resp == nil || resp.ID == "" {
		return domain.OrderStatusReport{}, fmt.Errorf("trading.OrderStatus %s: %w", orderID, domain.ErrOrderNotFound)
	}
	return mapOrderReport(*resp), nil
}

// isGoneReason detecta los motivos de not_canceled que implican orden cerrada.
func isGoneReason(reason string) bool {
	r := strings.ToLower(reason)
	for _, s := range []string{"not found", "matched", "already canceled", "already cancelled", "can't be found"} {
		if strings.Contains(r, s) {
			return true
		}
	}
	return false
}

// IsNotFound indica si err es un "orden inexistente" del exchange.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrOrderNotFound)
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
