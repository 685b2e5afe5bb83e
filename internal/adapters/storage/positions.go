package storage

// positions.go — persistencia de posiciones, órdenes, eventos y observaciones.
//
// Cada Save escribe la fila completa de la posición, hace upsert de las órdenes
// vigentes de cada pata y añade un evento, todo en una transacción.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

const activeFilter = `state NOT IN ('RESOLVED','CLOSED')`

var positionColumns = strings.Join(append(append(append([]string{
	"id", "market_id", "condition_id", "question", "neg_risk", "end_date",
	"split_amount", "collateral_split", "collateral_merged", "splits",
	"state", "neither_iterations", "orders_placed_at", "last_adjustment_at", "merged_at",
	"split_tx", "merge_tx", "created_at", "updated_at", "closed_at", "close_reason",
}, legColumns("a_")...), legColumns("b_")...),
	"settled", "winner", "winner_from_data", "last_bid_a", "last_bid_b",
	"unsold_a", "unsold_b", "valuation", "cash_received", "net_payout", "roi", "settled_at",
	"redeem_tx", "redeemed_at",
), ", ")

func legColumns(prefix string) []string {
	cols := []string{
		"token_id", "outcome", "shares", "sold_shares", "proceeds", "filled", "filled_at",
		"adjustments", "target_price",
		"order_id", "order_price", "order_size", "order_status",
		"order_filled_size", "order_filled_price", "order_placed_at", "order_updated_at",
	}
	for i, c := range cols {
		cols[i] = prefix + c
	}
	return cols
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ─── Positions ───────────────────────────────────────────────────────────────

// Create inserta una posición nueva. Devuelve domain.ErrDuplicatePosition si el
// mercado ya tiene una posición no terminal.
func (s *SQLiteStorage) Create(ctx context.Context, p domain.Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Create: begin tx: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE market_id=? AND `+activeFilter, p.MarketID,
	).Scan(&n); err != nil {
		return fmt.Errorf("storage.Create: check market %s: %w", p.MarketID, err)
	}
	if n > 0 {
		return fmt.Errorf("storage.Create: market %s: %w", p.MarketID, domain.ErrDuplicatePosition)
	}

	args := positionArgs(p)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO positions (`+positionColumns+`) VALUES (`+placeholders(len(args))+`)`, args...,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("storage.Create: %s: %w", p.ID, domain.ErrDuplicatePosition)
		}
		return fmt.Errorf("storage.Create: insert %s: %w", p.ID, err)
	}
	if err := insertEvent(ctx, tx, p, "", "created"); err != nil {
		return fmt.Errorf("storage.Create: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Create: commit: %w", err)
	}
	return nil
}

// Save persiste la posición completa y registra la transición.
func (s *SQLiteStorage) Save(ctx context.Context, p domain.Position, event string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Save: begin tx: %w", err)
	}
	defer tx.Rollback()

	var from string
	err = tx.QueryRowContext(ctx, `SELECT state FROM positions WHERE id=?`, p.ID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.Save: %s: %w", p.ID, domain.ErrPositionNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage.Save: read state %s: %w", p.ID, err)
	}
	if domain.State(from) == domain.StateClosed {
		return nil // una posición cerrada no se reescribe: solo MarkRedeemed la toca
	}

	args := positionArgs(p)
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO positions (`+positionColumns+`) VALUES (`+placeholders(len(args))+`)`, args...,
	); err != nil {
		return fmt.Errorf("storage.Save: write %s: %w", p.ID, err)
	}

	for _, side := range []domain.Side{domain.SideA, domain.SideB} {
		if o := p.Leg(side).Order; o != nil && o.ID != "" {
			if err := upsertOrder(ctx, tx, p.ID, side, *o); err != nil {
				return fmt.Errorf("storage.Save: %w", err)
			}
		}
	}

	if event != "" || domain.State(from) != p.State {
		if event == "" {
			event = "state_change"
		}
		if err := insertEvent(ctx, tx, p, domain.State(from), event); err != nil {
			return fmt.Errorf("storage.Save: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.Save: commit: %w", err)
	}
	return nil
}

// MarkTerminal lleva la posición a un estado terminal. Idempotente: no hace nada
// si ya está CLOSED o ya en el estado pedido.
func (s *SQLiteStorage) MarkTerminal(ctx context.Context, id string, state domain.State, reason string, at time.Time) error {
	if !state.IsTerminal() {
		return fmt.Errorf("storage.MarkTerminal: %s is not a terminal state", state)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.MarkTerminal: begin tx: %w", err)
	}
	defer tx.Rollback()

	var from, marketID string
	err = tx.QueryRowContext(ctx, `SELECT state, market_id FROM positions WHERE id=?`, id).Scan(&from, &marketID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.MarkTerminal: %s: %w", id, domain.ErrPositionNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage.MarkTerminal: read %s: %w", id, err)
	}
	if domain.State(from) == domain.StateClosed || domain.State(from) == state {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE positions SET state=?, close_reason=?, closed_at=?, updated_at=? WHERE id=?`,
		string(state), reason, timeVal(at), timeVal(at), id,
	); err != nil {
		return fmt.Errorf("storage.MarkTerminal: update %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO position_events (position_id, market_id, from_state, to_state, event, at) VALUES (?,?,?,?,?,?)`,
		id, marketID, from, string(state), "close:"+reason, timeVal(at),
	); err != nil {
		return fmt.Errorf("storage.MarkTerminal: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.MarkTerminal: commit: %w", err)
	}
	return nil
}

// MarkRedeemed registra la redención on-chain del inventario de una posición
// terminal. Idempotente: una posición ya redimida no cambia.
func (s *SQLiteStorage) MarkRedeemed(ctx context.Context, id, txHash string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.MarkRedeemed: begin tx: %w", err)
	}
	defer tx.Rollback()

	var state, marketID string
	var redeemedAt sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT state, market_id, redeemed_at FROM positions WHERE id=?`, id).
		Scan(&state, &marketID, &redeemedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage.MarkRedeemed: %s: %w", id, domain.ErrPositionNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage.MarkRedeemed: read %s: %w", id, err)
	}
	if !domain.State(state).IsTerminal() {
		return fmt.Errorf("storage.MarkRedeemed: %s is %s, not terminal", id, state)
	}
	if redeemedAt.Valid {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE positions SET redeem_tx=?, redeemed_at=? WHERE id=?`, txHash, timeVal(at), id,
	); err != nil {
		return fmt.Errorf("storage.MarkRedeemed: update %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO position_events (position_id, market_id, from_state, to_state, event, at) VALUES (?,?,?,?,?,?)`,
		id, marketID, state, state, "redeemed", timeVal(at),
	); err != nil {
		return fmt.Errorf("storage.MarkRedeemed: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage.MarkRedeemed: commit: %w", err)
	}
	return nil
}

// ListUnredeemed devuelve las posiciones terminales que aún guardan acciones
// sin vender y no se han redimido, las más antiguas primero.
func (s *SQLiteStorage) ListUnredeemed(ctx context.Context) ([]domain.Position, error) {
	ps, err := s.queryPositions(ctx,
		`WHERE state IN ('RESOLVED','CLOSED') AND redeemed_at IS NULL
		   AND collateral_split > 0 AND (a_shares > ? OR b_shares > ?)
		 ORDER BY closed_at ASC`, domain.ShareEpsilon, domain.ShareEpsilon)
	if err != nil {
		return nil, fmt.Errorf("storage.ListUnredeemed: %w", err)
	}
	return ps, nil
}

// Get devuelve una posición por id.
func (s *SQLiteStorage) Get(ctx context.Context, id string) (domain.Position, error) {
	ps, err := s.queryPositions(ctx, `WHERE id=?`, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("storage.Get: %w", err)
	}
	if len(ps) == 0 {
		return domain.Position{}, fmt.Errorf("storage.Get: %s: %w", id, domain.ErrPositionNotFound)
	}
	return ps[0], nil
}

// ListActive devuelve las posiciones no terminales, las más antiguas primero.
func (s *SQLiteStorage) ListActive(ctx context.Context) ([]domain.Position, error) {
	ps, err := s.queryPositions(ctx, `WHERE `+activeFilter+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListActive: %w", err)
	}
	return ps, nil
}

// ListRecent devuelve las últimas posiciones actualizadas, de cualquier estado.
func (s *SQLiteStorage) ListRecent(ctx context.Context, limit int) ([]domain.Position, error) {
	ps, err := s.queryPositions(ctx, `ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListRecent: %w", err)
	}
	return ps, nil
}

// HasActive indica si el mercado tiene una posición no terminal.
func (s *SQLiteStorage) HasActive(ctx context.Context, marketID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM positions WHERE market_id=? AND `+activeFilter, marketID,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("storage.HasActive: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) queryPositions(ctx context.Context, tail string, args ...any) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions `+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Events ──────────────────────────────────────────────────────────────────

// Events devuelve el historial de transiciones de una posición en orden.
func (s *SQLiteStorage) Events(ctx context.Context, positionID string) ([]ports.PositionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position_id, market_id, from_state, to_state, event, at
		 FROM position_events WHERE position_id=? ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("storage.Events: %w", err)
	}
	defer rows.Close()

	var events []ports.PositionEvent
	for rows.Next() {
		var e ports.PositionEvent
		var from, to, at string
		if err := rows.Scan(&e.PositionID, &e.MarketID, &from, &to, &e.Event, &at); err != nil {
			return nil, fmt.Errorf("storage.Events: scan: %w", err)
		}
		e.FromState = domain.State(from)
		e.ToState = domain.State(to)
		e.At = parseTime(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

func insertEvent(ctx context.Context, tx *sql.Tx, p domain.Position, from domain.State, event string) error {
	at := p.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO position_events (position_id, market_id, from_state, to_state, event, at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.MarketID, string(from), string(p.State), event, timeVal(at))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event, err)
	}
	return nil
}

// ─── Orders ──────────────────────────────────────────────────────────────────

func upsertOrder(ctx context.Context, tx *sql.Tx, positionID string, side domain.Side, o domain.Order) error {
	updated := o.UpdatedAt
	if updated.IsZero() {
		updated = o.PlacedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders
		  (id, position_id, side, token_id, price, size, status, filled_size, filled_price, placed_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
		  status       = excluded.status,
		  filled_size  = excluded.filled_size,
		  filled_price = excluded.filled_price,
		  updated_at   = excluded.updated_at`,
		o.ID, positionID, string(side), o.TokenID, o.Price, o.Size, string(o.Status),
		o.FilledSize, o.FilledPrice, timeVal(o.PlacedAt), timeVal(updated))
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

// Orders devuelve el historial de órdenes de una posición.
func (s *SQLiteStorage) Orders(ctx context.Context, positionID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, side, token_id, price, size, status, filled_size, filled_price, placed_at, updated_at
		 FROM orders WHERE position_id=? ORDER BY placed_at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("storage.Orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		var o domain.Order
		var side, status, placed, updated string
		if err := rows.Scan(&o.ID, &side, &o.TokenID, &o.Price, &o.Size, &status,
			&o.FilledSize, &o.FilledPrice, &placed, &updated); err != nil {
			return nil, fmt.Errorf("storage.Orders: scan: %w", err)
		}
		o.Side = domain.Side(side)
		o.Status = domain.OrderStatus(status)
		o.PlacedAt = parseTime(placed)
		o.UpdatedAt = parseTime(updated)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ─── Observations ────────────────────────────────────────────────────────────

// SaveObservation guarda el último best bid de un lado (upsert por mercado y lado).
func (s *SQLiteStorage) SaveObservation(ctx context.Context, o domain.BidObservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_observations (market_id, side, token_id, best_bid, observed_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(market_id, side) DO UPDATE SET
		  token_id    = excluded.token_id,
		  best_bid    = excluded.best_bid,
		  observed_at = excluded.observed_at`,
		o.MarketID, string(o.Side), o.TokenID, o.BestBid, timeVal(o.ObservedAt))
	if err != nil {
		return fmt.Errorf("storage.SaveObservation: %w", err)
	}
	return nil
}

// Observations devuelve las últimas observaciones de un mercado por lado.
func (s *SQLiteStorage) Observations(ctx context.Context, marketID string) (map[domain.Side]domain.BidObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT side, token_id, best_bid, observed_at FROM price_observations WHERE market_id=?`, marketID)
	if err != nil {
		return nil, fmt.Errorf("storage.Observations: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Side]domain.BidObservation, 2)
	for rows.Next() {
		o := domain.BidObservation{MarketID: marketID}
		var side, at string
		if err := rows.Scan(&side, &o.TokenID, &o.BestBid, &at); err != nil {
			return nil, fmt.Errorf("storage.Observations: scan: %w", err)
		}
		o.Side = domain.Side(side)
		o.ObservedAt = parseTime(at)
		out[o.Side] = o
	}
	return out, rows.Err()
}

// ─── Row mapping ─────────────────────────────────────────────────────────────

func positionArgs(p domain.Position) []any {
	args := []any{
		p.ID, p.MarketID, p.ConditionID, p.Question, boolToInt(p.NegRisk), nullTimeVal(p.EndDate),
		p.SplitAmount, p.CollateralSplit, p.CollateralMerged, p.Splits,
		string(p.State), p.NeitherIterations, nullTime(p.OrdersPlacedAt), nullTime(p.LastAdjustmentAt), nullTime(p.MergedAt),
		p.SplitTx, p.MergeTx, timeVal(p.CreatedAt), timeVal(p.UpdatedAt), nullTime(p.ClosedAt), p.CloseReason,
	}
	args = append(args, legArgs(p.A)...)
	args = append(args, legArgs(p.B)...)

	st := p.Settlement
	if st == nil {
		st = &domain.Settlement{}
	}
	return append(args,
		boolToInt(p.Settlement != nil), string(st.Winner), boolToInt(st.WinnerFromData),
		st.LastBidA, st.LastBidB, st.UnsoldA, st.UnsoldB,
		st.Valuation, st.CashReceived, st.NetPayout, st.ROI, nullTimeVal(st.SettledAt),
		p.RedeemTx, nullTime(p.RedeemedAt),
	)
}

func legArgs(l domain.Leg) []any {
	o := l.Order
	if o == nil {
		o = &domain.Order{}
	}
	return []any{
		l.TokenID, l.Outcome, l.Shares, l.SoldShares, l.Proceeds, boolToInt(l.Filled), nullTime(l.FilledAt),
		l.Adjustments, l.TargetPrice,
		o.ID, o.Price, o.Size, string(o.Status),
		o.FilledSize, o.FilledPrice, nullTimeVal(o.PlacedAt), nullTimeVal(o.UpdatedAt),
	}
}

// legScan acumula los destinos de Scan de una pata.
type legScan struct {
	leg                      domain.Leg
	filled                   int
	filledAt                 sql.NullString
	order                    domain.Order
	orderStatus              string
	orderPlaced, orderUpdate sql.NullString
}

func (ls *legScan) dest() []any {
	return []any{
		&ls.leg.TokenID, &ls.leg.Outcome, &ls.leg.Shares, &ls.leg.SoldShares, &ls.leg.Proceeds, &ls.filled, &ls.filledAt,
		&ls.leg.Adjustments, &ls.leg.TargetPrice,
		&ls.order.ID, &ls.order.Price, &ls.order.Size, &ls.orderStatus,
		&ls.order.FilledSize, &ls.order.FilledPrice, &ls.orderPlaced, &ls.orderUpdate,
	}
}

func (ls *legScan) build(side domain.Side) domain.Leg {
	l := ls.leg
	l.Filled = ls.filled != 0
	l.FilledAt = parseNullTime(ls.filledAt)
	if ls.order.ID != "" {
		o := ls.order
		o.Side = side
		o.TokenID = l.TokenID
		o.Status = domain.OrderStatus(ls.orderStatus)
		if t := parseNullTime(ls.orderPlaced); t != nil {
			o.PlacedAt = *t
		}
		if t := parseNullTime(ls.orderUpdate); t != nil {
			o.UpdatedAt = *t
		}
		l.Order = &o
	}
	return l
}

func scanPosition(rows *sql.Rows) (domain.Position, error) {
	var p domain.Position
	var a, b legScan
	var st domain.Settlement
	var negRisk, settled, fromData int
	var state, created, updated, winner string
	var endDate, placedAt, adjustedAt, mergedAt, closedAt, settledAt, redeemedAt sql.NullString

	dest := []any{
		&p.ID, &p.MarketID, &p.ConditionID, &p.Question, &negRisk, &endDate,
		&p.SplitAmount, &p.CollateralSplit, &p.CollateralMerged, &p.Splits,
		&state, &p.NeitherIterations, &placedAt, &adjustedAt, &mergedAt,
		&p.SplitTx, &p.MergeTx, &created, &updated, &closedAt, &p.CloseReason,
	}
	dest = append(dest, a.dest()...)
	dest = append(dest, b.dest()...)
	dest = append(dest,
		&settled, &winner, &fromData, &st.LastBidA, &st.LastBidB, &st.UnsoldA, &st.UnsoldB,
		&st.Valuation, &st.CashReceived, &st.NetPayout, &st.ROI, &settledAt,
		&p.RedeemTx, &redeemedAt,
	)
	if err := rows.Scan(dest...); err != nil {
		return p, fmt.Errorf("scan position: %w", err)
	}

	p.NegRisk = negRisk != 0
	p.State = domain.State(state)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	if t := parseNullTime(endDate); t != nil {
		p.EndDate = *t
	}
	p.OrdersPlacedAt = parseNullTime(placedAt)
	p.LastAdjustmentAt = parseNullTime(adjustedAt)
	p.MergedAt = parseNullTime(mergedAt)
	p.ClosedAt = parseNullTime(closedAt)
	p.RedeemedAt = parseNullTime(redeemedAt)
	p.A = a.build(domain.SideA)
	p.B = b.build(domain.SideB)

	if settled != 0 {
		st.Winner = domain.Side(winner)
		st.WinnerFromData = fromData != 0
		if t := parseNullTime(settledAt); t != nil {
			st.SettledAt = *t
		}
		p.Settlement = &st
	}
	return p, nil
}
