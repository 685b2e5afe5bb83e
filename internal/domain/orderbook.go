package domain

import "time"

// OrderBook representa el libro de órdenes de un token.
type OrderBook struct {
	TokenID   string
	Bids      []BookEntry // ordenados mayor a menor precio
	Asks      []BookEntry // ordenados menor a mayor precio
	Timestamp time.Time   // momento en que se observó el libro
}

// BookEntry es un nivel de precio en el orderbook.
type BookEntry struct {
	Price float64
	Size  float64
}

// OrderbookSnapshot es la vista top-of-book que consume el core.
type OrderbookSnapshot struct {
	TokenID     string
	BestBid     float64
	BestBidSize float64
	BestAsk     float64
	BestAskSize float64
	Timestamp   time.Time
}

// BestBid devuelve el mejor precio de compra (mayor bid).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk devuelve el mejor precio de venta (menor ask).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// WeightedMidpoint promedia por tamaño los primeros levels niveles de cada lado
// y devuelve la media de ambos promedios. Devuelve 0 si falta un lado.
func (ob OrderBook) WeightedMidpoint(levels int) float64 {
	if levels <= 0 {
		return ob.Midpoint()
	}
	bid := weightedPrice(ob.Bids, levels)
	ask := weightedPrice(ob.Asks, levels)
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

func weightedPrice(entries []BookEntry, levels int) float64 {
	var notional, size float64
	for i, e := range entries {
		if i >= levels {
			break
		}
		notional += e.Price * e.Size
		size += e.Size
	}
	if size == 0 {
		return 0
	}
	return notional / size
}

// Spread devuelve el spread del book (ask - bid).
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// Snapshot reduce el libro a su top-of-book.
func (ob OrderBook) Snapshot() OrderbookSnapshot {
	s := OrderbookSnapshot{TokenID: ob.TokenID, Timestamp: ob.Timestamp}
	if len(ob.Bids) > 0 {
		s.BestBid, s.BestBidSize = ob.Bids[0].Price, ob.Bids[0].Size
	}
	if len(ob.Asks) > 0 {
		s.BestAsk, s.BestAskSize = ob.Asks[0].Price, ob.Asks[0].Size
	}
	return s
}
