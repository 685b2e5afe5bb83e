package maker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

var sides = []domain.Side{domain.SideA, domain.SideB}

// processPosition avanza una posición un paso. Orden: mercado inactivo ⇒
// RESOLVING; estados transitorios se re-intentan; luego fills, merge, ajustes.
func (e *Engine) processPosition(ctx context.Context, p *domain.Position) error {
	if p.State.IsTerminal() {
		return nil
	}
	if p.State == domain.StateResolving {
		return e.resolve(ctx, p)
	}

	m, err := e.discovery.Market(ctx, p.MarketID)
	marketOK := err == nil
	if err != nil {
		slog.Warn("maker: market status unavailable", "market", p.MarketID, "err", err)
	} else if !m.IsOpen() {
		return e.resolve(ctx, p)
	}

	switch p.State {
	case domain.StateNew:
		next := p.Clone()
		next.State = domain.StateSplitting
		if err := e.commit(ctx, p, next, "split_intent"); err != nil {
			return err
		}
		return e.split(ctx, p, false)
	case domain.StateSplitting:
		return e.split(ctx, p, true)
	case domain.StateOrdersPending:
		return e.placeQuotes(ctx, p)
	case domain.StateQuoting, domain.StateOneSideFilled, domain.StateNeitherFilled:
		return e.monitor(ctx, p, m, marketOK)
	case domain.StateAdjustingUnfilled:
		return e.finishAdjustUnfilled(ctx, p, m, marketOK)
	case domain.StateAdjustingBoth:
		return e.finishAdjustBoth(ctx, p, m, marketOK)
	case domain.StateMerging:
		return e.finishMerge(ctx, p, m, marketOK, true)
	case domain.StateMergedWaitingResplit:
		return e.resplit(ctx, p, m, marketOK)
	case domain.StateBothFilled:
		return e.closeBothFilled(ctx, p, m, marketOK)
	}
	return fmt.Errorf("maker: unexpected state %s", p.State)
}

// ─── Split ───

// split ejecuta el split de una posición en SPLITTING. En un reintento se
// consultan primero los balances: si el split anterior llegó, no se reenvía.
func (e *Engine) split(ctx context.Context, p *domain.Position, retry bool) error {
	amount := e.cfg.SplitAmount

	if retry {
		landed, err := e.splitLanded(ctx, p, amount)
		if err != nil {
			return err
		}
		if landed {
			slog.Warn("maker: previous split already landed, not resending", "market", p.MarketID)
			return e.afterSplit(ctx, p, amount, p.SplitTx)
		}
	}

	slog.Info("maker: SPLITTING", "market", p.MarketID, "amount", fmt.Sprintf("$%.2f", amount))
	tx, err := e.ex.Split(ctx, p.ConditionID, amount, p.NegRisk)
	if err != nil {
		return fmt.Errorf("maker: split %s: %w", p.MarketID, err)
	}
	return e.afterSplit(ctx, p, amount, tx)
}

func (e *Engine) splitLanded(ctx context.Context, p *domain.Position, amount float64) (bool, error) {
	for _, s := range sides {
		leg := p.Leg(s)
		bal, err := e.ex.Balance(ctx, leg.TokenID)
		if err != nil {
			return false, fmt.Errorf("maker: split check balance: %w", err)
		}
		if bal < leg.Shares+amount-shareEpsilon {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) afterSplit(ctx context.Context, p *domain.Position, amount float64, tx string) error {
	next := p.Clone()
	next.ApplySplit(amount, tx)
	next.State = domain.StateOrdersPending
	if err := e.commit(ctx, p, next, "split"); err != nil {
		return err
	}
	slog.Info("maker: SPLIT OK", "market", p.MarketID, "tx", shortID(tx),
		"shares_A", fmt.Sprintf("%.2f", p.A.Shares), "shares_B", fmt.Sprintf("%.2f", p.B.Shares))
	return e.placeQuotes(ctx, p)
}

// ─── Quotes ───

// placeQuotes coloca las órdenes que falten. Un lado colocado no se toca; el
// otro se reintenta en el siguiente ciclo.
func (e *Engine) placeQuotes(ctx context.Context, p *domain.Position) error {
	now := e.now()

	var reqs []domain.PlaceOrderRequest
	for _, s := range sides {
		leg := p.Leg(s)
		if leg.Filled || leg.HasRestingOrder() || leg.Shares < shareEpsilon {
			continue
		}
		price := leg.TargetPrice
		if price <= 0 {
			mid, err := e.midpoint(leg.TokenID)
			if err != nil {
				slog.Info("maker: no usable midpoint, quotes skipped this cycle",
					"market", p.MarketID, "side", s, "err", err)
				return nil
			}
			price, err = domain.QuotePrice(mid, e.cfg.Offset)
			if err != nil {
				slog.Warn("maker: quote price invalid, skipped", "market", p.MarketID, "side", s, "err", err)
				return nil
			}
		}
		reqs = append(reqs, domain.PlaceOrderRequest{
			PositionID: p.ID,
			Side:       s,
			TokenID:    leg.TokenID,
			Price:      price,
			Size:       leg.Shares,
			NegRisk:    p.NegRisk,
		})
	}

	next := p.Clone()
	placed := e.place(&next, e.rec.PlaceBatch(ctx, reqs), now)
	if len(reqs) > 0 && len(placed) == 0 {
		return fmt.Errorf("maker: no order placed for %s", p.MarketID)
	}

	event := "orders_placed"
	if len(unquoted(next)) == 0 {
		next.State = domain.StateQuoting
		t := now
		next.OrdersPlacedAt = &t
	} else {
		event = "orders_partial"
	}
	if err := e.commitPlaced(ctx, p, next, event, placed); err != nil {
		return err
	}
	if event == "orders_partial" {
		return fmt.Errorf("maker: %s quoted on one side only, retrying the other", p.MarketID)
	}
	return nil
}

// place registra en next las órdenes colocadas y devuelve sus ids.
func (e *Engine) place(next *domain.Position, results []PlaceResult, now time.Time) []string {
	var ids []string
	for _, res := range results {
		req := res.Request
		if res.Err != nil {
			slog.Warn("maker: order not placed", "market", next.MarketID, "side", req.Side,
				"price", fmt.Sprintf("%.4f", req.Price), "err", res.Err)
			continue
		}
		leg := next.Leg(req.Side)
		leg.Order = &domain.Order{
			ID:        res.OrderID,
			Side:      req.Side,
			TokenID:   req.TokenID,
			Price:     req.Price,
			Size:      req.Size,
			Status:    domain.OrderOpen,
			PlacedAt:  now,
			UpdatedAt: now,
		}
		leg.TargetPrice = 0
		ids = append(ids, res.OrderID)
		slog.Info("maker: SELL PLACED", "market", next.MarketID, "side", req.Side,
			"outcome", leg.Outcome,
			"price", fmt.Sprintf("%.4f", req.Price),
			"size", fmt.Sprintf("%.2f", req.Size),
			"order", shortID(res.OrderID))
	}
	return ids
}

// commitPlaced persiste órdenes recién colocadas. Si el store falla se cancelan
// para no dejar órdenes que el estado persistido no conoce.
func (e *Engine) commitPlaced(ctx context.Context, p *domain.Position, next domain.Position, event string, ids []string) error {
	err := e.commit(ctx, p, next, event)
	if err == nil || len(ids) == 0 {
		return err
	}
	for _, res := range e.rec.CancelBatch(ctx, ids) {
		if res.Err != nil {
			slog.Error("maker: untracked order left resting", "market", p.MarketID, "order", res.OrderID, "err", res.Err)
		}
	}
	return err
}

func (e *Engine) midpoint(tokenID string) (float64, error) {
	mid, ok := e.feed.Midpoint(tokenID)
	if !ok {
		return 0, domain.ErrNoPriceData
	}
	if e.cfg.MaxPriceAge > 0 {
		if _, age, ok := e.feed.BestBid(tokenID); ok && age > e.cfg.MaxPriceAge {
			return 0, fmt.Errorf("price %s old: %w", age.Round(time.Second), domain.ErrNoPriceData)
		}
	}
	return mid, nil
}

// ─── Monitor ───

// monitor reconcilia ambos lados y decide: ambos vendidos, uno vendido o ninguno.
func (e *Engine) monitor(ctx context.Context, p *domain.Position, m domain.Market, marketOK bool) error {
	now := e.now()
	next := p.Clone()
	changed, err := e.syncLegs(ctx, &next, now)
	if err != nil {
		return err
	}

	switch {
	case next.A.Filled && next.B.Filled:
		next.State = domain.StateBothFilled
		if err := e.commit(ctx, p, next, "both_filled"); err != nil {
			return err
		}
		return e.closeBothFilled(ctx, p, m, marketOK)
	case changed:
		if err := e.commit(ctx, p, next, "fill_observed"); err != nil {
			return err
		}
	}

	if missing := unquoted(*p); len(missing) > 0 {
		return e.requote(ctx, p, missing)
	}
	if p.A.Filled || p.B.Filled {
		return e.oneSideFilled(ctx, p)
	}
	return e.neitherFilled(ctx, p)
}

// syncLegs trae el estado de las órdenes de ambos lados. Devuelve true si algo cambió.
func (e *Engine) syncLegs(ctx context.Context, p *domain.Position, now time.Time) (bool, error) {
	changed := false
	for _, s := range sides {
		leg := p.Leg(s)
		if leg.Order == nil {
			continue
		}
		before := leg.Order.Status
		delta, err := e.rec.Sync(ctx, leg, now)
		if err != nil {
			return false, err
		}
		if delta > 0 {
			slog.Info("maker: FILL", "market", p.MarketID, "side", s, "outcome", leg.Outcome,
				"shares", fmt.Sprintf("%.2f", delta),
				"price", fmt.Sprintf("%.4f", leg.Order.FilledPrice),
				"remaining", fmt.Sprintf("%.2f", leg.Shares))
		}
		if delta > 0 || leg.Order.Status != before {
			changed = true
		}
	}
	return changed, nil
}

// unquoted devuelve los lados con acciones sin vender y sin orden viva
// (p. ej. una orden cancelada fuera del bot).
func unquoted(p domain.Position) []domain.Side {
	var out []domain.Side
	for _, s := range sides {
		l := p.Leg(s)
		if !l.Filled && !l.HasRestingOrder() && l.Shares >= shareEpsilon {
			out = append(out, s)
		}
	}
	return out
}

// requote repone al último precio la orden de los lados sin orden viva, sin
// contar un ajuste.
func (e *Engine) requote(ctx context.Context, p *domain.Position, missing []domain.Side) error {
	now := e.now()
	next := p.Clone()
	var reqs []domain.PlaceOrderRequest
	for _, s := range missing {
		leg := next.Leg(s)
		size, err := e.sizeFromBalance(ctx, leg, now)
		if err != nil {
			return err
		}
		if size < shareEpsilon {
			continue
		}
		reqs = append(reqs, domain.PlaceOrderRequest{
			PositionID: p.ID, Side: s, TokenID: leg.TokenID,
			Price: legPrice(*leg), Size: size, NegRisk: p.NegRisk,
		})
	}
	slog.Warn("maker: order missing on the book, re-placing", "market", p.MarketID, "sides", missing)
	placed := e.place(&next, e.rec.PlaceBatch(ctx, reqs), now)
	return e.commitPlaced(ctx, p, next, "requoted", placed)
}

// ─── One side filled ───

func (e *Engine) oneSideFilled(ctx context.Context, p *domain.Position) error {
	filled := domain.SideA
	if p.B.Filled {
		filled = domain.SideB
	}
	unfilled := filled.Other()

	if p.State != domain.StateOneSideFilled {
		next := p.Clone()
		next.State = domain.StateOneSideFilled
		if err := e.commit(ctx, p, next, "one_side_filled"); err != nil {
			return err
		}
	}

	anchor, ok := e.fillAnchor(*p)
	if !ok {
		return nil
	}
	now := e.now()
	if now.Sub(anchor) < e.cfg.WaitAfterFill {
		return nil
	}

	leg := p.Leg(unfilled)
	if leg.Adjustments >= *e.cfg.MaxAdjustments {
		slog.Debug("maker: max adjustments reached, order left resting",
			"market", p.MarketID, "side", unfilled, "price", fmt.Sprintf("%.4f", legPrice(*leg)))
		return nil
	}

	target := domain.StepDown(legPrice(*leg), e.cfg.PriceStep)
	slog.Info("maker: ADJUSTING UNFILLED", "market", p.MarketID, "side", unfilled,
		"waited", now.Sub(anchor).Round(time.Second),
		"from", fmt.Sprintf("%.4f", legPrice(*leg)), "to", fmt.Sprintf("%.4f", target),
		"adjustment", leg.Adjustments+1)

	next := p.Clone()
	next.State = domain.StateAdjustingUnfilled
	next.Leg(unfilled).TargetPrice = target
	if err := e.commit(ctx, p, next, "adjust_intent"); err != nil {
		return err
	}
	return e.finishAdjustUnfilled(ctx, p, domain.Market{}, false)
}

// fillAnchor es el ancla del timer de ajuste: el más tardío entre el primer
// fill (el lado que llenó antes, si ambos tienen fills) y el último ajuste.
func (e *Engine) fillAnchor(p domain.Position) (time.Time, bool) {
	first, ok := p.FirstFilledSide()
	if !ok {
		return time.Time{}, false
	}
	anchor := *p.Leg(first).FilledAt
	if p.LastAdjustmentAt != nil && p.LastAdjustmentAt.After(anchor) {
		anchor = *p.LastAdjustmentAt
	}
	return anchor, true
}

// finishAdjustUnfilled completa (o re-intenta tras un reinicio) el ajuste del
// lado con TargetPrice: re-chequeo, cancel, tamaño por balance y nueva orden.
func (e *Engine) finishAdjustUnfilled(ctx context.Context, p *domain.Position, m domain.Market, marketOK bool) error {
	side, ok := adjustingSide(*p)
	if !ok {
		// nada pendiente: volver a monitorizar
		next := p.Clone()
		next.State = domain.StateQuoting
		return e.commit(ctx, p, next, "adjust_cleared")
	}

	now := e.now()
	next := p.Clone()
	leg := next.Leg(side)

	if _, err := e.rec.Sync(ctx, leg, now); err != nil {
		return err
	}
	if !leg.Filled && leg.HasRestingOrder() {
		res := e.rec.CancelBatch(ctx, []string{leg.Order.ID})[0]
		if _, err := e.rec.Settle(ctx, leg, res, now); err != nil {
			return err
		}
	}
	var size float64
	if !leg.Filled {
		var err error
		if size, err = e.sizeFromBalance(ctx, leg, now); err != nil {
			return err
		}
	}
	if leg.Filled {
		return e.adjustOverridden(ctx, p, next, m, marketOK)
	}

	req := domain.PlaceOrderRequest{
		PositionID: p.ID, Side: side, TokenID: leg.TokenID,
		Price: leg.TargetPrice, Size: size, NegRisk: p.NegRisk,
	}
	placed := e.place(&next, e.rec.PlaceBatch(ctx, []domain.PlaceOrderRequest{req}), now)
	if len(placed) == 0 {
		// la orden vieja ya no está: se persiste el progreso y se reintenta
		if err := e.commit(ctx, p, next, "adjust_cancelled"); err != nil {
			return err
		}
		return fmt.Errorf("maker: re-place %s side %s failed", p.MarketID, side)
	}

	next.Leg(side).Adjustments++
	t := now
	next.LastAdjustmentAt = &t
	next.State = domain.StateOneSideFilled
	return e.commitPlaced(ctx, p, next, "adjusted", placed)
}

// adjustingSide devuelve el lado con un ajuste en vuelo.
func adjustingSide(p domain.Position) (domain.Side, bool) {
	for _, s := range sides {
		if l := p.Leg(s); l.TargetPrice > 0 && !l.Filled {
			return s, true
		}
	}
	return "", false
}

// adjustOverridden cierra un ajuste cuyo lado resultó vendido durante el re-chequeo.
func (e *Engine) adjustOverridden(ctx context.Context, p *domain.Position, next domain.Position, m domain.Market, marketOK bool) error {
	for _, s := range sides {
		next.Leg(s).TargetPrice = 0
	}
	switch {
	case next.A.Filled && next.B.Filled:
		next.State = domain.StateBothFilled
		if err := e.commit(ctx, p, next, "both_filled"); err != nil {
			return err
		}
		if !marketOK {
			mm, err := e.discovery.Market(ctx, p.MarketID)
			m, marketOK = mm, err == nil
		}
		return e.closeBothFilled(ctx, p, m, marketOK)
	case next.A.Filled || next.B.Filled:
		next.State = domain.StateOneSideFilled
	default:
		next.State = domain.StateQuoting
	}
	return e.commit(ctx, p, next, "fill_observed")
}

// sizeFromBalance devuelve min(acciones, balance on-chain). Balance cero
// significa que el lado ya se vendió: se registra al precio de la orden.
func (e *Engine) sizeFromBalance(ctx context.Context, leg *domain.Leg, now time.Time) (float64, error) {
	bal, err := e.ex.Balance(ctx, leg.TokenID)
	if err != nil {
		return 0, fmt.Errorf("maker: balance %s: %w", shortID(leg.TokenID), err)
	}
	if bal < shareEpsilon && leg.Shares >= shareEpsilon {
		slog.Warn("maker: zero balance, side treated as sold",
			"token", shortID(leg.TokenID), "shares", fmt.Sprintf("%.2f", leg.Shares))
		leg.ApplyFill(leg.Shares, legPrice(*leg), now)
		if o := leg.Order; o != nil && !o.Status.IsTerminal() {
			o.Status = domain.OrderFilled
			o.UpdatedAt = now
		}
		return 0, nil
	}
	return math.Min(leg.Shares, bal), nil
}

// legPrice es el precio vigente del lado: el de la orden o el objetivo en vuelo.
func legPrice(l domain.Leg) float64 {
	if l.Order != nil {
		return l.Order.Price
	}
	return l.TargetPrice
}

// ─── Neither filled ───

func (e *Engine) neitherFilled(ctx context.Context, p *domain.Position) error {
	if p.OrdersPlacedAt == nil {
		return nil
	}
	anchor := *p.OrdersPlacedAt
	if p.LastAdjustmentAt != nil && p.LastAdjustmentAt.After(anchor) {
		anchor = *p.LastAdjustmentAt
	}
	now := e.now()
	if now.Sub(anchor) < e.cfg.WaitIfNeither {
		return nil
	}

	if p.State != domain.StateNeitherFilled {
		next := p.Clone()
		next.State = domain.StateNeitherFilled
		if err := e.commit(ctx, p, next, "neither_filled"); err != nil {
			return err
		}
	}

	priceA, priceB := legPrice(p.A), legPrice(p.B)
	if domain.ShouldMerge(priceA, priceB, e.cfg.MergeThreshold) {
		slog.Info("maker: MERGE TRIGGERED", "market", p.MarketID,
			"sum", fmt.Sprintf("%.4f", priceA+priceB),
			"threshold", fmt.Sprintf("%.4f", e.cfg.MergeThreshold))
		next := p.Clone()
		next.State = domain.StateMerging
		if err := e.commit(ctx, p, next, "merge_intent"); err != nil {
			return err
		}
		return e.finishMerge(ctx, p, domain.Market{}, false, false)
	}

	if p.NeitherIterations >= *e.cfg.MaxNeither {
		slog.Debug("maker: max neither-fills iterations reached, orders left resting", "market", p.MarketID)
		return nil
	}

	next := p.Clone()
	next.State = domain.StateAdjustingBoth
	for _, s := range sides {
		l := next.Leg(s)
		l.TargetPrice = domain.StepDown(legPrice(*l), e.cfg.PriceStep)
	}
	slog.Info("maker: ADJUSTING BOTH", "market", p.MarketID,
		"waited", now.Sub(anchor).Round(time.Second),
		"A", fmt.Sprintf("%.4f→%.4f", priceA, next.A.TargetPrice),
		"B", fmt.Sprintf("%.4f→%.4f", priceB, next.B.TargetPrice),
		"iteration", p.NeitherIterations+1)
	if err := e.commit(ctx, p, next, "adjust_both_intent"); err != nil {
		return err
	}
	return e.finishAdjustBoth(ctx, p, domain.Market{}, false)
}

// finishAdjustBoth cancela y re-coloca los lados con TargetPrice. Un lado ya
// re-colocado (TargetPrice = 0) no se vuelve a tocar.
func (e *Engine) finishAdjustBoth(ctx context.Context, p *domain.Position, m domain.Market, marketOK bool) error {
	now := e.now()
	next := p.Clone()
	if _, err := e.syncLegs(ctx, &next, now); err != nil {
		return err
	}
	if next.A.Filled || next.B.Filled {
		return e.adjustOverridden(ctx, p, next, m, marketOK)
	}

	var ids []string
	var cancelSides []domain.Side
	for _, s := range sides {
		if l := next.Leg(s); l.TargetPrice > 0 && l.HasRestingOrder() {
			ids = append(ids, l.Order.ID)
			cancelSides = append(cancelSides, s)
		}
	}
	var cancelErr error
	for i, res := range e.rec.CancelBatch(ctx, ids) {
		if _, err := e.rec.Settle(ctx, next.Leg(cancelSides[i]), res, now); err != nil {
			cancelErr = errors.Join(cancelErr, err)
		}
	}
	if cancelErr != nil {
		if err := e.commit(ctx, p, next, "adjust_both_cancel_partial"); err != nil {
			return err
		}
		return cancelErr
	}

	var reqs []domain.PlaceOrderRequest
	for _, s := range sides {
		l := next.Leg(s)
		if l.TargetPrice <= 0 || l.Filled {
			continue
		}
		size, err := e.sizeFromBalance(ctx, l, now)
		if err != nil {
			return err
		}
		if size < shareEpsilon {
			continue
		}
		reqs = append(reqs, domain.PlaceOrderRequest{
			PositionID: p.ID, Side: s, TokenID: l.TokenID,
			Price: l.TargetPrice, Size: size, NegRisk: p.NegRisk,
		})
	}
	if next.A.Filled || next.B.Filled {
		return e.adjustOverridden(ctx, p, next, m, marketOK)
	}

	placed := e.place(&next, e.rec.PlaceBatch(ctx, reqs), now)
	if len(placed) < len(reqs) {
		if err := e.commitPlaced(ctx, p, next, "adjust_both_partial", placed); err != nil {
			return err
		}
		return fmt.Errorf("maker: %s adjusted %d of %d sides, retrying", p.MarketID, len(placed), len(reqs))
	}

	next.NeitherIterations++
	t := now
	next.LastAdjustmentAt = &t
	next.State = domain.StateNeitherFilled
	return e.commitPlaced(ctx, p, next, "adjusted_both", placed)
}

// ─── Merge ───

// finishMerge cancela ambas órdenes y devuelve a colateral min(A, B) pares.
// En un reintento los balances indican si el merge anterior ya llegó.
func (e *Engine) finishMerge(ctx context.Context, p *domain.Position, m domain.Market, marketOK bool, retry bool) error {
	now := e.now()
	next := p.Clone()
	if e.cancelResting(ctx, &next, now) {
		for _, s := range sides {
			if next.Leg(s).HasRestingOrder() {
				if err := e.commit(ctx, p, next, "merge_cancel_partial"); err != nil {
					return err
				}
				return fmt.Errorf("maker: merge %s: order on side %s still resting", p.MarketID, s)
			}
		}
	}

	amount := math.Min(next.A.Shares, next.B.Shares)
	if amount < shareEpsilon {
		// un lado se vendió durante la cancelación: no hay pares que fusionar
		for _, s := range sides {
			if l := next.Leg(s); !l.Filled && l.Shares >= shareEpsilon {
				l.TargetPrice = legPrice(*l)
				l.Order = nil
			}
		}
		if next.A.Filled && next.B.Filled {
			return e.adjustOverridden(ctx, p, next, m, marketOK)
		}
		next.State = domain.StateOrdersPending
		return e.commit(ctx, p, next, "merge_skipped")
	}

	if retry {
		landed, err := e.mergeLanded(ctx, &next, amount)
		if err != nil {
			return err
		}
		if landed {
			slog.Warn("maker: previous merge already landed, not resending", "market", p.MarketID)
			return e.afterMerge(ctx, p, next, amount, p.MergeTx, now)
		}
	}

	slog.Info("maker: MERGING", "market", p.MarketID, "pairs", fmt.Sprintf("%.2f", amount))
	tx, err := e.ex.Merge(ctx, p.ConditionID, amount, p.NegRisk)
	if err != nil {
		if cerr := e.commit(ctx, p, next, "merge_failed"); cerr != nil {
			return cerr
		}
		return fmt.Errorf("maker: merge %s: %w", p.MarketID, err)
	}
	return e.afterMerge(ctx, p, next, amount, tx, now)
}

// mergeLanded: un merge quema amount en ambos lados, así que basta con que un
// balance haya caído a shares − amount. El otro puede llevar acciones sueltas
// de una posición anterior en el mismo mercado.
func (e *Engine) mergeLanded(ctx context.Context, p *domain.Position, amount float64) (bool, error) {
	for _, s := range sides {
		leg := p.Leg(s)
		bal, err := e.ex.Balance(ctx, leg.TokenID)
		if err != nil {
			return false, fmt.Errorf("maker: merge check balance: %w", err)
		}
		if bal <= leg.Shares-amount+shareEpsilon {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) afterMerge(ctx context.Context, p *domain.Position, next domain.Position, amount float64, tx string, now time.Time) error {
	next.ApplyMerge(amount, tx, now)
	for _, s := range sides {
		next.Leg(s).TargetPrice = 0
	}
	next.State = domain.StateMergedWaitingResplit
	if err := e.commit(ctx, p, next, "merged"); err != nil {
		return err
	}
	slog.Info("maker: MERGED", "market", p.MarketID, "pairs", fmt.Sprintf("%.2f", amount),
		"recovered", fmt.Sprintf("$%.2f", amount), "tx", shortID(tx))
	return nil
}

// resplit re-entra en SPLITTING tras wait_before_resplit si el mercado sigue en
// ventana; fuera de ventana la posición se cierra como merged.
func (e *Engine) resplit(ctx context.Context, p *domain.Position, m domain.Market, marketOK bool) error {
	now := e.now()
	mergedAt := p.UpdatedAt
	if p.MergedAt != nil {
		mergedAt = *p.MergedAt
	}
	if now.Sub(mergedAt) < e.cfg.WaitBeforeResplit || !marketOK {
		return nil
	}
	if !e.gate.InWindow(m, now) {
		slog.Info("maker: market left the window after merge, closing", "market", p.MarketID)
		return e.Close(ctx, p, domain.CloseMerged)
	}
	if !p.Balanced() {
		// un fill parcial antes del merge deja acciones de un solo lado: el ciclo
		// se cierra con ellas (se redimen al resolverse) y el split nuevo va en
		// otra posición con A = B = split_amount
		slog.Info("maker: unmatched shares after merge, closing cycle", "market", p.MarketID,
			"shares_A", fmt.Sprintf("%.2f", p.A.Shares), "shares_B", fmt.Sprintf("%.2f", p.B.Shares))
		if err := e.Close(ctx, p, domain.CloseMerged); err != nil {
			return err
		}
		np, err := e.start(ctx, m)
		if err != nil || np == nil {
			return err
		}
		return e.processPosition(ctx, np)
	}

	next := p.Clone()
	next.ResetCycle()
	next.State = domain.StateSplitting
	if err := e.commit(ctx, p, next, "resplit_intent"); err != nil {
		return err
	}
	return e.split(ctx, p, false)
}

// ─── Both filled ───

// closeBothFilled cierra la posición y, si el mercado sigue en ventana, arranca
// otra en el mismo mercado sin esperar a la detección.
func (e *Engine) closeBothFilled(ctx context.Context, p *domain.Position, m domain.Market, marketOK bool) error {
	if err := e.Close(ctx, p, domain.CloseBothFilled); err != nil {
		return err
	}
	if !marketOK || !m.IsOpen() || !e.gate.InWindow(m, e.now()) {
		return nil
	}
	np, err := e.start(ctx, m)
	if err != nil || np == nil {
		return err
	}
	slog.Info("maker: restarting on same market", "market", m.ID)
	return e.processPosition(ctx, np)
}

// ─── Resolution ───

// resolve liquida una posición cuyo mercado ya no está activo: cancela órdenes,
// valora el inventario con el ganador inferido y cierra.
func (e *Engine) resolve(ctx context.Context, p *domain.Position) error {
	now := e.now()
	if p.CollateralSplit < shareEpsilon {
		return e.Close(ctx, p, domain.CloseInactive)
	}

	next := p.Clone()
	if next.State != domain.StateResolving {
		next.State = domain.StateResolving
		if err := e.commit(ctx, p, next, "market_inactive"); err != nil {
			return err
		}
		next = p.Clone()
	}

	if _, err := e.syncLegs(ctx, &next, now); err != nil {
		slog.Warn("maker: final order sync failed", "market", p.MarketID, "err", err)
	}
	e.cancelResting(ctx, &next, now)

	a, b, err := e.finalBids(ctx, p.MarketID)
	if err != nil {
		return err
	}
	s := domain.Settle(next, a, b, now)
	next.Settlement = &s
	next.State = domain.StateResolved
	if err := e.commit(ctx, p, next, "settled"); err != nil {
		return err
	}

	slog.Info("maker: RESOLVED", "market", p.MarketID,
		"winner", s.Winner, "from_data", s.WinnerFromData,
		"bid_A", fmt.Sprintf("%.3f", s.LastBidA), "bid_B", fmt.Sprintf("%.3f", s.LastBidB),
		"valuation", fmt.Sprintf("$%.2f", s.Valuation),
		"net", fmt.Sprintf("$%.2f", s.NetPayout),
		"roi", fmt.Sprintf("%.2f%%", s.ROI*100))
	if err := e.Close(ctx, p, domain.CloseResolved); err != nil {
		return err
	}
	if p.HasInventory() {
		if err := e.redeem(ctx, p.ID); err != nil {
			slog.Warn("maker: redeem after resolution failed, will retry", "market", p.MarketID, "err", err)
		}
	}
	return nil
}

// finalBids devuelve los últimos bids para liquidar. Si falta algún lado dentro
// de la ventana de seguimiento se toma el bid actual del feed.
func (e *Engine) finalBids(ctx context.Context, marketID string) (a, b *domain.BidObservation, err error) {
	e.tracker.Sample()
	a, b, err = e.tracker.Last(ctx, marketID)
	if err != nil || (a != nil && b != nil) {
		return a, b, err
	}
	var missing []domain.Side
	if a == nil {
		missing = append(missing, domain.SideA)
	}
	if b == nil {
		missing = append(missing, domain.SideB)
	}
	e.tracker.Capture(marketID, missing...)
	return e.tracker.Last(ctx, marketID)
}

// ─── Redemption ───

// RedeemPending barre las posiciones terminales con acciones sin redimir y las
// cobra cuando su mercado ya no está abierto. Los fallos se reintentan en el
// siguiente barrido.
func (e *Engine) RedeemPending(ctx context.Context) {
	list, err := e.store.ListUnredeemed(ctx)
	if err != nil {
		slog.Warn("maker: list unredeemed positions failed", "err", err)
		return
	}
	for _, p := range list {
		m, err := e.discovery.Market(ctx, p.MarketID)
		if err != nil {
			slog.Debug("maker: redeem skipped, market status unavailable", "market", p.MarketID, "err", err)
			continue
		}
		if m.IsOpen() {
			continue
		}
		if err := e.redeem(ctx, p.ID); err != nil && ctx.Err() == nil {
			slog.Warn("maker: redeem failed, will retry", "market", p.MarketID, "err", err)
		}
	}
}

// redeem cobra on-chain las acciones sin vender de una posición terminal. Se
// relee la posición del store y se consultan balances antes de enviar: sin
// balance la posición se da por redimida.
func (e *Engine) redeem(ctx context.Context, id string) error {
	e.redeemMu.Lock()
	defer e.redeemMu.Unlock()

	p, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("maker: redeem: %w", err)
	}
	if p.RedeemedAt != nil || !p.HasInventory() {
		return nil
	}

	var amounts [2]float64
	for i, s := range sides {
		leg := p.Leg(s)
		bal, err := e.ex.Balance(ctx, leg.TokenID)
		if err != nil {
			return fmt.Errorf("maker: redeem check balance: %w", err)
		}
		amounts[i] = math.Min(leg.Shares, bal)
	}

	now := e.now()
	if amounts[0] < shareEpsilon && amounts[1] < shareEpsilon {
		slog.Warn("maker: no shares left on-chain, marking redeemed", "market", p.MarketID)
		return e.store.MarkRedeemed(ctx, p.ID, "", now)
	}

	tx, err := e.ex.Redeem(ctx, p.ConditionID, amounts[0], amounts[1], p.NegRisk)
	if err != nil {
		return fmt.Errorf("maker: redeem %s: %w", p.MarketID, err)
	}
	if err := e.store.MarkRedeemed(ctx, p.ID, tx, now); err != nil {
		return fmt.Errorf("maker: redeem %s: %w", p.MarketID, err)
	}
	slog.Info("maker: REDEEMED", "market", p.MarketID,
		"shares_A", fmt.Sprintf("%.2f", amounts[0]), "shares_B", fmt.Sprintf("%.2f", amounts[1]),
		"tx", shortID(tx))
	return nil
}
