package domain

import (
	"math"
	"time"
)

// Side is one of the two complementary outcome tokens of a binary market.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Other returns the complementary side.
func (s Side) Other() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// State is the lifecycle state of a Position.
type State string

const (
	StateNew                  State = "NEW"
	StateSplitting            State = "SPLITTING"
	StateOrdersPending        State = "ORDERS_PENDING"
	StateQuoting              State = "QUOTING"
	StateOneSideFilled        State = "ONE_SIDE_FILLED"
	StateAdjustingUnfilled    State = "ADJUSTING_UNFILLED"
	StateNeitherFilled        State = "NEITHER_FILLED"
	StateAdjustingBoth        State = "ADJUSTING_BOTH"
	StateMerging              State = "MERGING"
	StateMergedWaitingResplit State = "MERGED_WAITING_RESPLIT"
	StateBothFilled           State = "BOTH_FILLED"
	StateResolving            State = "RESOLVING"
	StateResolved             State = "RESOLVED"
	StateClosed               State = "CLOSED"
)

// ShareEpsilon is the share amount below which a quantity counts as zero.
const ShareEpsilon = fillEpsilon

// IsTerminal reports whether the state ends the lifecycle.
func (s State) IsTerminal() bool {
	return s == StateResolved || s == StateClosed
}

// TerminalStates lists the states excluded from resume.
func TerminalStates() []State {
	return []State{StateResolved, StateClosed}
}

// Close reasons persisted with a terminal position.
const (
	CloseBothFilled = "both_filled"
	CloseResolved   = "resolved"
	CloseMerged     = "merged"
	CloseInactive   = "market_inactive"
	CloseManual     = "manual"
)

// Leg is one side of a Position: the token held and its current resting order.
type Leg struct {
	TokenID     string
	Outcome     string
	Shares      float64 // unsold shares currently held
	SoldShares  float64
	Proceeds    float64 // cash received from fills
	Order       *Order
	Filled      bool
	FilledAt    *time.Time // first fill observed on this side
	Adjustments int
	TargetPrice float64 // price to re-place at while an adjustment is in flight
}

// HasRestingOrder reports whether the leg has a live order on the book.
func (l Leg) HasRestingOrder() bool {
	return l.Order != nil && !l.Order.Status.IsTerminal()
}

// ApplyFill moves delta shares from held to sold at price.
func (l *Leg) ApplyFill(delta, price float64, at time.Time) {
	if delta <= 0 {
		return
	}
	if delta > l.Shares {
		delta = l.Shares
	}
	l.Shares -= delta
	l.SoldShares += delta
	l.Proceeds += delta * price
	if l.FilledAt == nil {
		t := at
		l.FilledAt = &t
	}
	if l.Shares < fillEpsilon {
		l.Shares = 0
		l.Filled = true
	}
}

// Position is the unit of capital exposure for one market.
type Position struct {
	ID          string
	MarketID    string
	ConditionID string
	Question    string
	NegRisk     bool
	EndDate     time.Time

	SplitAmount      float64 // collateral per split
	CollateralSplit  float64 // cumulative collateral split (resplits included)
	CollateralMerged float64 // cumulative collateral recovered by merges
	Splits           int

	A Leg
	B Leg

	State             State
	NeitherIterations int
	OrdersPlacedAt    *time.Time
	LastAdjustmentAt  *time.Time
	MergedAt          *time.Time
	SplitTx           string
	MergeTx           string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
	CloseReason string

	Settlement *Settlement

	RedeemTx   string
	RedeemedAt *time.Time // nil mientras quede inventario por redimir
}

// NewPosition creates a NEW position for a market whose sides were resolved by Sides.
func NewPosition(id string, m Market, a, b Token, splitAmount float64, now time.Time) Position {
	return Position{
		ID:          id,
		MarketID:    m.ID,
		ConditionID: m.ConditionID,
		Question:    m.Question,
		NegRisk:     m.NegRisk,
		EndDate:     m.EndDate,
		SplitAmount: splitAmount,
		A:           Leg{TokenID: a.TokenID, Outcome: a.Outcome},
		B:           Leg{TokenID: b.TokenID, Outcome: b.Outcome},
		State:       StateNew,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Leg returns a pointer to the leg of side s.
func (p *Position) Leg(s Side) *Leg {
	if s == SideA {
		return &p.A
	}
	return &p.B
}

// TokenIDs returns the token ids of both sides.
func (p Position) TokenIDs() []string {
	return []string{p.A.TokenID, p.B.TokenID}
}

// FilledCount returns how many sides are fully sold.
func (p Position) FilledCount() int {
	n := 0
	if p.A.Filled {
		n++
	}
	if p.B.Filled {
		n++
	}
	return n
}

// FirstFilledSide returns the side whose first fill is earliest.
// ok is false when neither side has a fill. Equal timestamps favour A.
func (p Position) FirstFilledSide() (Side, bool) {
	a, b := p.A.FilledAt, p.B.FilledAt
	switch {
	case a == nil && b == nil:
		return "", false
	case b == nil:
		return SideA, true
	case a == nil:
		return SideB, true
	case b.Before(*a):
		return SideB, true
	default:
		return SideA, true
	}
}

// HasInventory reports whether any unsold shares remain on either leg.
func (p Position) HasInventory() bool {
	return p.A.Shares >= ShareEpsilon || p.B.Shares >= ShareEpsilon
}

// Balanced reports whether both legs hold the same number of shares.
func (p Position) Balanced() bool {
	return math.Abs(p.A.Shares-p.B.Shares) < ShareEpsilon
}

// ApplySplit credits both legs with amount shares after a successful split.
func (p *Position) ApplySplit(amount float64, tx string) {
	p.A.Shares += amount
	p.B.Shares += amount
	p.CollateralSplit += amount
	p.Splits++
	p.SplitTx = tx
}

// ApplyMerge redeems amount matched pairs back into collateral.
func (p *Position) ApplyMerge(amount float64, tx string, at time.Time) {
	p.A.Shares = math.Max(0, p.A.Shares-amount)
	p.B.Shares = math.Max(0, p.B.Shares-amount)
	p.CollateralMerged += amount
	p.MergeTx = tx
	t := at
	p.MergedAt = &t
}

// ResetCycle clears per-split counters and orders before a resplit.
func (p *Position) ResetCycle() {
	for _, s := range []Side{SideA, SideB} {
		l := p.Leg(s)
		l.Order = nil
		l.Filled = false
		l.FilledAt = nil
		l.Adjustments = 0
		l.TargetPrice = 0
	}
	p.NeitherIterations = 0
	p.OrdersPlacedAt = nil
	p.LastAdjustmentAt = nil
	p.MergedAt = nil
}

// Clone returns a deep copy so callers can roll back a failed transition.
func (p Position) Clone() Position {
	c := p
	c.A = p.A.clone()
	c.B = p.B.clone()
	c.OrdersPlacedAt = cloneTime(p.OrdersPlacedAt)
	c.LastAdjustmentAt = cloneTime(p.LastAdjustmentAt)
	c.MergedAt = cloneTime(p.MergedAt)
	c.ClosedAt = cloneTime(p.ClosedAt)
	c.RedeemedAt = cloneTime(p.RedeemedAt)
	if p.Settlement != nil {
		s := *p.Settlement
		c.Settlement = &s
	}
	return c
}

func (l Leg) clone() Leg {
	c := l
	if l.Order != nil {
		o := *l.Order
		c.Order = &o
	}
	c.FilledAt = cloneTime(l.FilledAt)
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
