package polymarket

// gamma.go — descubrimiento de mercados en la Gamma API.

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polysplit/internal/domain"
	"github.com/alejandrodnm/polysplit/internal/ports"
)

const gammaMarketsPath = "/markets"

// NextEligibleMarkets devuelve los mercados activos que resuelven dentro del rango
// del criterio y cuyo slug empieza por alguno de los prefijos configurados.
// Los mercados no binarios se descartan con un log en debug.
func (c *Client) NextEligibleMarkets(ctx context.Context, criteria ports.MarketCriteria) ([]domain.Market, error) {
	q := url.Values{}
	q.Set("active", "true")
	q.Set("closed", "false")
	q.Set("order", "endDate")
	q.Set("ascending", "true")
	limit := criteria.Limit
	if limit <= 0 {
		limit = 100
	}
	q.Set("limit", strconv.Itoa(limit))
	if !criteria.EndAfter.IsZero() {
		q.Set("end_date_min", criteria.EndAfter.UTC().Format(time.RFC3339))
	}
	if !criteria.EndBefore.IsZero() {
		q.Set("end_date_max", criteria.EndBefore.UTC().Format(time.RFC3339))
	}

	var resp []gammaMarket
	if err := c.get(ctx, c.gammaLimiter, c.gammaBase+gammaMarketsPath+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("gamma.NextEligibleMarkets: %w", err)
	}

	markets := make([]domain.Market, 0, len(resp))
	for _, gm := range resp {
		if !matchesPrefix(gm.Slug, criteria.SlugPrefixes) {
			continue
		}
		m, err := mapGammaMarket(gm)
		if err != nil {
			slog.Debug("gamma: skipping market", "slug", gm.Slug, "err", err)
			continue
		}
		markets = append(markets, m)
	}

	slog.Debug("gamma: eligible markets", "fetched", len(resp), "matched", len(markets))
	return markets, nil
}

// Market devuelve el estado actual de un mercado por slug.
func (c *Client) Market(ctx context.Context, marketID string) (domain.Market, error) {
	u := c.gammaBase + gammaMarketsPath + "?slug=" + url.QueryEscape(marketID)

	var resp []gammaMarket
	if err := c.get(ctx, c.gammaLimiter, u, &resp); err != nil {
		return domain.Market{}, fmt.Errorf("gamma.Market %s: %w", marketID, err)
	}
	if len(resp) == 0 {
		return domain.Market{}, fmt.Errorf("gamma.Market %s: not found", marketID)
	}
	m, err := mapGammaMarket(resp[0])
	if err != nil {
		return domain.Market{}, fmt.Errorf("gamma.Market %s: %w", marketID, err)
	}
	return m, nil
}

func matchesPrefix(slug string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(slug, p) {
			return true
		}
	}
	return false
}
