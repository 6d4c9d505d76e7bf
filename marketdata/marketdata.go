// Package marketdata holds the externally supplied reference price per
// symbol. The feed collaborator pushes updates; the risk gate and the
// engine's notional estimates read the latest value.
package marketdata

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Service struct {
	mu    sync.RWMutex
	ticks map[string]Tick
	now   func() time.Time
}

func New() *Service {
	return &Service{
		ticks: make(map[string]Tick),
		now:   time.Now,
	}
}

// Set records the latest reference price for a symbol.
func (s *Service) Set(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[symbol] = Tick{Symbol: symbol, Price: price, UpdatedAt: s.now()}
}

// LastPrice returns the current reference price; ok is false when no feed
// update has arrived for the symbol yet.
func (s *Service) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t.Price, ok
}

// Ticker returns the full tick for a symbol.
func (s *Service) Ticker(symbol string) (Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t, ok
}
