package domain

import "time"

// WinningBidThreshold: un best bid igual o superior indica el outcome ganador.
const WinningBidThreshold = 0.98

// BidObservation es el último best bid registrado para un lado cerca de la resolución.
type BidObservation struct {
	MarketID   string
	Side       Side
	TokenID    string
	BestBid    float64
	ObservedAt time.Time
}

// Settlement es el resultado de liquidar una posición al resolverse el mercado.
type Settlement struct {
	Winner         Side
	WinnerFromData bool // false si no había precios y se usó el default A
	LastBidA       float64
	LastBidB       float64
	UnsoldA        float64
	UnsoldB        float64
	Valuation      float64 // valor del inventario no vendido
	CashReceived   float64 // ventas + colateral recuperado por merges
	NetPayout      float64 // Valuation + merged − colateral spliteado
	ROI            float64
	SettledAt      time.Time
}

// DetermineWinner infiere el lado ganador a partir de los últimos best bids.
// Es una aproximación, no una lectura del oráculo: gana el lado con bid ≥ 0.98;
// si ninguno llega, el bid estrictamente mayor; sin datos o con empate, A.
func DetermineWinner(a, b *BidObservation) (Side, bool) {
	if a == nil && b == nil {
		return SideA, false
	}
	var bidA, bidB float64
	if a != nil {
		bidA = a.BestBid
	}
	if b != nil {
		bidB = b.BestBid
	}

	switch {
	case bidA >= WinningBidThreshold && bidA >= bidB:
		return SideA, true
	case bidB >= WinningBidThreshold:
		return SideB, true
	case bidB > bidA:
		return SideB, true
	default:
		return SideA, true
	}
}

// Settle valora el inventario restante con el ganador inferido y calcula el ROI.
func Settle(p Position, a, b *BidObservation, now time.Time) Settlement {
	winner, fromData := DetermineWinner(a, b)

	s := Settlement{
		Winner:         winner,
		WinnerFromData: fromData,
		UnsoldA:        p.A.Shares,
		UnsoldB:        p.B.Shares,
		SettledAt:      now,
	}
	if a != nil {
		s.LastBidA = a.BestBid
	}
	if b != nil {
		s.LastBidB = b.BestBid
	}

	if winner == SideA {
		s.Valuation = p.A.Shares
	} else {
		s.Valuation = p.B.Shares
	}

	proceeds := p.A.Proceeds + p.B.Proceeds
	s.CashReceived = proceeds + p.CollateralMerged
	s.NetPayout = s.Valuation + p.CollateralMerged - p.CollateralSplit
	if p.SplitAmount > 0 {
		s.ROI = (proceeds + s.NetPayout) / p.SplitAmount
	}
	return s
}
