package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
market_maker:
  split_amount: 100
  offset_above_midpoint: 0.02
  price_step: 0.01
  wait_after_fill: 30
  wait_if_neither_fills: 60
  wait_before_resplit: 10
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	mm := cfg.MarketMaker
	assert.Equal(t, 5.0, mm.PollInterval)
	require.NotNil(t, mm.MaxAdjustments)
	assert.Equal(t, 10, *mm.MaxAdjustments)
	require.NotNil(t, mm.MaxIterationsNeitherFills)
	assert.Equal(t, 10, *mm.MaxIterationsNeitherFills)
	assert.Equal(t, 300.0, mm.RedeemInterval)
	assert.Equal(t, 1.0, mm.MergeThreshold)
	assert.Nil(t, mm.MinMinutesBeforeResolution)
	assert.Nil(t, mm.MaxMinutesBeforeResolution)

	require.NotNil(t, cfg.Feed.UseWebsocket)
	assert.True(t, *cfg.Feed.UseWebsocket)
	assert.Equal(t, 14.0, cfg.Feed.HealthCheckTimeout)
	assert.Equal(t, "https://clob.polymarket.com", cfg.API.CLOBBase)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.DiscoveryInterval())
}

func TestParse_WindowAndExplicitFalse(t *testing.T) {
	data := minimalYAML + `
  min_minutes_before_resolution: 3
  max_minutes_before_resolution: 15
feed:
  use_websocket: false
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	require.NotNil(t, cfg.MarketMaker.MinMinutesBeforeResolution)
	assert.Equal(t, 3.0, *cfg.MarketMaker.MinMinutesBeforeResolution)
	assert.Equal(t, 15.0, *cfg.MarketMaker.MaxMinutesBeforeResolution)
	assert.False(t, *cfg.Feed.UseWebsocket)
	assert.True(t, *cfg.Feed.UseWebsocketOrderStatus)
}

func TestParse_ZeroBoundsAreKept(t *testing.T) {
	data := minimalYAML + `
  max_adjustments: 0
  max_iterations_neither_fills: 0
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)
	require.NotNil(t, cfg.MarketMaker.MaxAdjustments)
	assert.Equal(t, 0, *cfg.MarketMaker.MaxAdjustments)
	require.NotNil(t, cfg.MarketMaker.MaxIterationsNeitherFills)
	assert.Equal(t, 0, *cfg.MarketMaker.MaxIterationsNeitherFills)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "0xabc")
	t.Setenv("POLYSPLIT_DSN", ":memory:")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "0xabc", cfg.Chain.PrivateKey)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_PrivateKeyNotReadFromYAML(t *testing.T) {
	t.Setenv("POLY_PRIVATE_KEY", "")
	cfg, err := Parse([]byte(minimalYAML + "chain:\n  private_key: leaked\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Chain.PrivateKey)
}

func TestValidate_Errors(t *testing.T) {
	cases := map[string]string{
		"missing split":   "market_maker:\n  offset_above_midpoint: 0.02\n  price_step: 0.01\n",
		"zero step":       "market_maker:\n  split_amount: 10\n  offset_above_midpoint: 0.02\n",
		"negative wait":   strings.Replace(minimalYAML, "wait_after_fill: 30", "wait_after_fill: -1", 1),
		"inverted window": minimalYAML + "  min_minutes_before_resolution: 20\n  max_minutes_before_resolution: 5\n",
		"negative bound":  minimalYAML + "  max_adjustments: -1\n",
	}
	for name, data := range cases {
		_, err := Parse([]byte(data))
		assert.Error(t, err, name)
	}
}

func TestSeconds(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Seconds(1.5))
	assert.Equal(t, time.Duration(0), Seconds(0))
}
