package polymarket

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
)

// mapGammaMarket convierte un gammaMarket a domain.Market.
// Los mercados que no son binarios devuelven error; las etiquetas se validan
// después con Market.Sides.
func mapGammaMarket(gm gammaMarket) (domain.Market, error) {
	outcomes, err := decodeStringArray(gm.Outcomes)
	if err != nil {
		return domain.Market{}, fmt.Errorf("outcomes: %w", err)
	}
	tokenIDs, err := decodeStringArray(gm.ClobTokenIDs)
	if err != nil {
		return domain.Market{}, fmt.Errorf("clobTokenIds: %w", err)
	}
	if len(tokenIDs) != 2 {
		return domain.Market{}, fmt.Errorf("market %s: %d tokens, want 2", gm.Slug, len(tokenIDs))
	}

	m := domain.Market{
		ID:          gm.Slug,
		ConditionID: gm.ConditionID,
		Question:    gm.Question,
		Active:      gm.Active,
		Closed:      gm.Closed,
		NegRisk:     gm.NegRisk,
		EndDate:     parseEndDate(gm.EndDate, gm.EndDateISO),
	}
	for i := range tokenIDs {
		m.Tokens[i] = domain.Token{TokenID: tokenIDs[i]}
		if i < len(outcomes) {
			m.Tokens[i].Outcome = outcomes[i]
		}
	}
	return m, nil
}

// decodeStringArray acepta un array JSON o un string que contiene un array JSON.
func decodeStringArray(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseEndDate prueba los formatos que usa Gamma; endDate (con hora) primero.
func parseEndDate(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05Z",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse, now time.Time) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = domain.OrderBook{
			TokenID:   r.AssetID,
			Bids:      mapBookEntries(r.Bids, false),
			Asks:      mapBookEntries(r.Asks, true),
			Timestamp: now,
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price := parseFloat(r.Price)
		size := parseFloat(r.Size)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}
	sortEntries(entries, ascending)
	return entries
}

func sortEntries(entries []domain.BookEntry, ascending bool) {
	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})
}

// mapOrderReport convierte GET /data/order a un report del dominio.
func mapOrderReport(o clobOrder) domain.OrderStatusReport {
	original := parseFloat(o.OriginalSize)
	matched := parseFloat(o.SizeMatched)
	r := domain.OrderStatusReport{
		OrderID:      o.ID,
		Status:       domain.ClassifyOrderStatus(o.Status, matched, original),
		OriginalSize: original,
		FilledSize:   matched,
	}
	if matched > 0 {
		r.FilledPrice = parseFloat(o.Price)
	}
	return r
}

// mapUserOrderEvent convierte un evento "order" del canal user.
func mapUserOrderEvent(ev wsUserEvent, at time.Time) domain.OrderUpdate {
	original := parseFloat(ev.OriginalSize)
	matched := parseFloat(ev.SizeMatched)

	status := domain.ClassifyOrderStatus(ev.Status, matched, original)
	if strings.EqualFold(ev.Type, "CANCELLATION") && status != domain.OrderFilled {
		status = domain.OrderCancelled
	}

	u := domain.OrderUpdate{
		OrderID:    ev.ID,
		TokenID:    ev.AssetID,
		Status:     status,
		FilledSize: matched,
		Source:     domain.SourcePush,
		ReceivedAt: at,
	}
	if matched > 0 {
		u.FilledPrice = parseFloat(ev.Price)
	}
	return u
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseUSDC convierte micro-unidades ("1000000") a unidades.
func parseUSDC(s string) float64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return float64(n) / 1_000_000
}

// parseTimestamp acepta unix segundos o milisegundos como string.
func parseTimestamp(s string) time.Time {
	ts, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || ts <= 0 {
		return time.Time{}
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
