// Package broadcaster drains the tradelog outbox to Kafka. Delivery is
// at-least-once: records are marked SENT before the publish and ACKED
// after, so a crash between the two replays the record. ACKED records
// are deleted at the end of each pass.
package broadcaster

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"securetrade/infra/tradelog"
)

type Broadcaster struct {
	log      *tradelog.Log
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
}

func New(tl *tradelog.Log, brokers []string, topic string, interval time.Duration) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return newWithProducer(tl, producer, topic, interval), nil
}

func newWithProducer(tl *tradelog.Log, producer sarama.SyncProducer, topic string, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		log:      tl,
		producer: producer,
		topic:    topic,
		interval: interval,
	}
}

// Start runs the drain loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	log.Info("trade broadcaster started")

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.drainOnce()
			}
		}
	}()
}

func (b *Broadcaster) drainOnce() {
	err := b.log.ScanByState(tradelog.StateNew, func(rec tradelog.Record) error {
		if err := b.log.UpdateState(rec.Seq, tradelog.StateSent, rec.Retries); err != nil {
			return err
		}

		msg := &sarama.ProducerMessage{
			Topic: b.topic,
			Value: sarama.ByteEncoder(rec.Payload),
		}
		if _, _, err := b.producer.SendMessage(msg); err != nil {
			log.WithError(err).Warnf("trade %d publish failed, will retry", rec.Seq)
			return b.log.UpdateState(rec.Seq, tradelog.StateNew, rec.Retries+1)
		}

		return b.log.UpdateState(rec.Seq, tradelog.StateAcked, rec.Retries)
	})
	if err != nil {
		log.WithError(err).Error("tradelog drain failed")
	}

	// Replay anything stuck in SENT from a previous crash.
	_ = b.log.ScanByState(tradelog.StateSent, func(rec tradelog.Record) error {
		return b.log.UpdateState(rec.Seq, tradelog.StateNew, rec.Retries)
	})

	// ACKED records reached the bus; clear them out of the outbox.
	_ = b.log.ScanByState(tradelog.StateAcked, func(rec tradelog.Record) error {
		return b.log.Delete(rec.Seq)
	})
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
