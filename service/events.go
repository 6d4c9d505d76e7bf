package service

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"securetrade/domain/order"
)

// OrderEvent is the notification emitted on every order state change.
type OrderEvent struct {
	V         int          `json:"v"`
	Type      string       `json:"type"`
	Order     *order.Order `json:"order"`
	Reason    string       `json:"reason,omitempty"`
	EmittedAt time.Time    `json:"emitted_at"`
}

// TradeEvent is the durable record handed to the persistence collaborator.
type TradeEvent struct {
	V     int          `json:"v"`
	Type  string       `json:"type"`
	Trade *order.Trade `json:"trade"`
}

// enqueueTrade hands a trade to the persistence loop. The channel is
// buffered generously; when it is full the matcher blocks rather than
// dropping a trade.
func (s *OrderService) enqueueTrade(t *order.Trade) {
	if s.tradeLog == nil {
		return
	}
	s.tradeCh <- t
}

// persistLoop appends executed trades to the tradelog off the matching
// path. The broadcaster picks them up from there. On cancellation the
// loop drains whatever is still buffered before exiting so a graceful
// shutdown never loses an executed trade.
func (s *OrderService) persistLoop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.drainTrades()
			return
		case t, ok := <-s.tradeCh:
			if !ok {
				return
			}
			s.persistTrade(t)
		}
	}
}

// drainTrades empties the buffered channel without blocking for new
// producers.
func (s *OrderService) drainTrades() {
	for {
		select {
		case t, ok := <-s.tradeCh:
			if !ok {
				return
			}
			s.persistTrade(t)
		default:
			return
		}
	}
}

func (s *OrderService) persistTrade(t *order.Trade) {
	payload, err := json.Marshal(TradeEvent{V: 1, Type: "trade.executed", Trade: t})
	if err != nil {
		log.WithError(err).Errorf("trade %s encode failed", t.ID)
		return
	}
	if _, err := s.tradeLog.Append(payload); err != nil {
		log.WithError(err).Errorf("trade %s persist failed", t.ID)
	}
}

// publishOrderEvent notifies listeners of an order state change. Best
// effort: a failed publish never affects matching state.
func (s *OrderService) publishOrderEvent(o *order.Order, reason string) {
	if s.events == nil {
		return
	}

	ev := OrderEvent{
		V:         1,
		Type:      "order." + string(o.Status),
		Order:     o,
		Reason:    reason,
		EmittedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.WithError(err).Errorf("order %s event encode failed", o.ID)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.events.Send(ctx, []byte(o.Symbol), payload); err != nil {
			log.WithError(err).Debugf("order %s event publish failed", o.ID)
		}
	}()
}
