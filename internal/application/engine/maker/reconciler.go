package maker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

// shareEpsilon absorbe el redondeo a 6 decimales de los tamaños del CLOB y de los balances.
const shareEpsilon = 1e-6

// PlaceResult es el resultado de una orden de un batch, en el mismo orden que las requests.
type PlaceResult struct {
	Request domain.PlaceOrderRequest
	OrderID string
	Err     error
}

// CancelResult es el resultado de cancelar una orden.
// AlreadyTerminal indica que el exchange ya no la conocía (llenada o cancelada);
// en ese caso Report trae lo que devolvió la re-consulta si Found es true.
type CancelResult struct {
	OrderID         string
	Err             error
	AlreadyTerminal bool
	Found           bool
	Report          domain.OrderStatusReport
}

// Reconciler ejecuta órdenes contra el exchange y funde el estado reportado
// (push del canal user + pull de OrderStatus) en las órdenes locales.
type Reconciler struct {
	ex ports.Exchange

	mu     sync.Mutex
	pushed map[string]domain.OrderUpdate

	wake chan struct{}
}

// NewReconciler crea un reconciliador sobre el exchange.
func NewReconciler(ex ports.Exchange) *Reconciler {
	return &Reconciler{
		ex:     ex,
		pushed: make(map[string]domain.OrderUpdate),
		wake:   make(chan struct{}, 1),
	}
}

// ─── Batch ───

// PlaceBatch coloca todas las órdenes en paralelo. Un fallo solo afecta a su lado.
func (r *Reconciler) PlaceBatch(ctx context.Context, reqs []domain.PlaceOrderRequest) []PlaceResult {
	results := make([]PlaceResult, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		results[i].Request = req
		g.Go(func() error {
			id, err := r.ex.PlaceOrder(ctx, req)
			if err == nil && id == "" {
				err = errors.New("empty order id")
			}
			results[i].OrderID = id
			results[i].Err = err
			return nil
		})
	}
	g.Wait()
	return results
}

// CancelBatch cancela en paralelo. Un not-found no es un error: la orden ya es
// terminal y se re-consulta una vez para recuperar el fill.
func (r *Reconciler) CancelBatch(ctx context.Context, orderIDs []string) []CancelResult {
	results := make([]CancelResult, len(orderIDs))
	var g errgroup.Group
	for i, id := range orderIDs {
		results[i].OrderID = id
		g.Go(func() error {
			results[i] = r.cancel(ctx, id)
			return nil
		})
	}
	g.Wait()
	return results
}

func (r *Reconciler) cancel(ctx context.Context, orderID string) CancelResult {
	res := CancelResult{OrderID: orderID}
	err := r.ex.CancelOrder(ctx, orderID)
	if err == nil {
		return res
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		res.Err = err
		return res
	}

	res.AlreadyTerminal = true
	rep, serr := r.ex.OrderStatus(ctx, orderID)
	switch {
	case serr == nil:
		res.Found = true
		res.Report = rep
	case errors.Is(serr, domain.ErrOrderNotFound):
		// el exchange tampoco la reporta: el llamador infiere por balance
	default:
		slog.Warn("maker: status after not-found cancel failed",
			"order", shortID(orderID), "err", serr)
	}
	slog.Info("maker: cancel found order already terminal",
		"order", shortID(orderID), "found", res.Found, "status", res.Report.Status)
	return res
}

// Status consulta el estado de una orden.
func (r *Reconciler) Status(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	return r.ex.OrderStatus(ctx, orderID)
}

// ─── Push path ───

// Deliver registra un update push. Se conserva el más avanzado por orden.
func (r *Reconciler) Deliver(u domain.OrderUpdate) {
	r.mu.Lock()
	prev, ok := r.pushed[u.OrderID]
	if !ok || newer(u, prev) {
		r.pushed[u.OrderID] = u
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Wake señala que llegó algún update push.
func (r *Reconciler) Wake() <-chan struct{} {
	return r.wake
}

// Forget descarta el update pendiente de una orden reemplazada.
func (r *Reconciler) Forget(orderID string) {
	r.mu.Lock()
	delete(r.pushed, orderID)
	r.mu.Unlock()
}

func (r *Reconciler) take(orderID string) (domain.OrderUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.pushed[orderID]
	if ok {
		delete(r.pushed, orderID)
	}
	return u, ok
}

func newer(u, prev domain.OrderUpdate) bool {
	if prev.Status.IsTerminal() && !u.Status.IsTerminal() {
		return false
	}
	if u.Status.IsTerminal() && !prev.Status.IsTerminal() {
		return true
	}
	return u.FilledSize >= prev.FilledSize
}

// ─── Reconciliation ───

// Sync actualiza la orden del lado con el update push pendiente o, si no hay,
// con un OrderStatus. Devuelve el delta de fill aplicado.
// Si el exchange ya no conoce la orden, el fill se infiere del balance on-chain.
func (r *Reconciler) Sync(ctx context.Context, leg *domain.Leg, now time.Time) (float64, error) {
	o := leg.Order
	if o == nil || o.ID == "" || o.Status.IsTerminal() {
		return 0, nil
	}

	if u, ok := r.take(o.ID); ok {
		return ApplyReport(leg, u.Report(), now), nil
	}

	rep, err := r.ex.OrderStatus(ctx, o.ID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return r.InferFromBalance(ctx, leg, now)
	}
	if err != nil {
		return 0, fmt.Errorf("maker.Sync: status %s: %w", shortID(o.ID), err)
	}
	return ApplyReport(leg, rep, now), nil
}

// Settle aplica el resultado de un cancel a la orden del lado. Devuelve el delta
// de fill descubierto. Un cancel fallido deja la orden como estaba.
func (r *Reconciler) Settle(ctx context.Context, leg *domain.Leg, res CancelResult, now time.Time) (float64, error) {
	o := leg.Order
	if o == nil {
		return 0, nil
	}
	if res.Err != nil {
		return 0, fmt.Errorf("maker.Settle: cancel %s: %w", shortID(res.OrderID), res.Err)
	}
	r.Forget(o.ID)

	if !res.AlreadyTerminal {
		if !o.Status.IsTerminal() {
			o.Status = domain.OrderCancelled
			o.UpdatedAt = now
		}
		return 0, nil
	}
	if !res.Found {
		return r.InferFromBalance(ctx, leg, now)
	}

	delta := ApplyReport(leg, res.Report, now)
	if !o.Status.IsTerminal() {
		// el exchange dice que no existe: terminal aunque el status diga otra cosa
		o.Status = domain.OrderCancelled
		if o.Remaining() == 0 {
			o.Status = domain.OrderFilled
		}
		o.UpdatedAt = now
	}
	return delta, nil
}

// InferFromBalance deduce lo vendido a partir del balance on-chain del token
// cuando el exchange ya no reporta la orden. La orden queda terminal.
func (r *Reconciler) InferFromBalance(ctx context.Context, leg *domain.Leg, now time.Time) (float64, error) {
	bal, err := r.ex.Balance(ctx, leg.TokenID)
	if err != nil {
		return 0, fmt.Errorf("maker.InferFromBalance: balance %s: %w", shortID(leg.TokenID), err)
	}

	var delta float64
	if sold := leg.Shares - bal; sold > shareEpsilon {
		price := 0.0
		if leg.Order != nil {
			price = leg.Order.Price
		}
		delta = sold
		if leg.Order != nil {
			leg.Order.FilledSize += sold
			leg.Order.FilledPrice = price
		}
		leg.ApplyFill(sold, price, now)
		slog.Warn("maker: order unknown to exchange, fill inferred from balance",
			"token", shortID(leg.TokenID),
			"sold", fmt.Sprintf("%.2f", sold),
			"balance", fmt.Sprintf("%.2f", bal))
	}

	if o := leg.Order; o != nil && !o.Status.IsTerminal() {
		o.Status = domain.OrderCancelled
		if leg.Filled || o.Remaining() == 0 {
			o.Status = domain.OrderFilled
		}
		o.UpdatedAt = now
	}
	return delta, nil
}

// ApplyReport funde un reporte del exchange en la orden del lado.
// Idempotente: solo avanza el filled size y un status terminal nunca se revierte.
func ApplyReport(leg *domain.Leg, rep domain.OrderStatusReport, now time.Time) float64 {
	o := leg.Order
	if o == nil || o.Status.IsTerminal() {
		return 0
	}

	reported := rep.FilledSize
	if rep.Status == domain.OrderFilled && reported < o.Size {
		// MATCHED sin tamaño: el exchange da la orden por completa
		reported = o.Size
	}

	var delta float64
	if reported > o.FilledSize+shareEpsilon {
		delta = reported - o.FilledSize
		price := rep.FilledPrice
		if price <= 0 {
			price = o.Price
		}
		o.FilledSize = reported
		o.FilledPrice = price
		leg.ApplyFill(delta, price, now)
	}

	switch {
	case rep.Status.IsTerminal():
		o.Status = rep.Status
	case rep.Status == domain.OrderPartial || o.FilledSize > shareEpsilon:
		o.Status = domain.OrderPartial
	}
	if o.Remaining() == 0 {
		o.Status = domain.OrderFilled
	}
	o.UpdatedAt = now
	return delta
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
