package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastPriceAfterSet(t *testing.T) {
	s := New()

	_, ok := s.LastPrice("BTCUSDT")
	assert.False(t, ok, "no price before the feed pushes one")

	s.Set("BTCUSDT", decimal.RequireFromString("50000"))
	p, ok := s.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, "50000", p.String())

	s.Set("BTCUSDT", decimal.RequireFromString("50100"))
	p, _ = s.LastPrice("BTCUSDT")
	assert.Equal(t, "50100", p.String(), "latest update wins")
}

func TestTickerCarriesTimestamp(t *testing.T) {
	s := New()
	s.Set("ETHUSDT", decimal.RequireFromString("3000"))

	tick, ok := s.Ticker("ETHUSDT")
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", tick.Symbol)
	assert.False(t, tick.UpdatedAt.IsZero())

	_, ok = s.Ticker("NOPE")
	assert.False(t, ok)
}
