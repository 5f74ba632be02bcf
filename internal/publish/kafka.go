// Package publish delivers finalized settlement records to downstream
// consumers.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// KafkaPublisher writes each record as JSON to one topic, keyed by match id
// so every update for a match lands on the same partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewProducerConfig returns the producer settings used for settlement events:
// acknowledged by all in-sync replicas, retried up to 5 times.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	return config
}

// Dial connects a SyncProducer, retrying while the brokers come up.
func Dial(ctx context.Context, brokers []string, attempts int, backoff time.Duration) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	config := NewProducerConfig()

	var err error
	for i := 0; i < attempts; i++ {
		var prod sarama.SyncProducer
		prod, err = sarama.NewSyncProducer(brokers, config)
		if err == nil {
			return prod, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("start producer after %d attempts: %w", attempts, err)
}

// NewKafkaPublisher wraps producer. logger may be nil.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{producer: producer, topic: topic, log: logger}
}

// Publish sends r and blocks until the brokers acknowledge it.
func (p *KafkaPublisher) Publish(_ context.Context, r settlement.Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", r.MatchID, err)
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(r.MatchID),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return fmt.Errorf("produce settlement %s to %s: %w", r.MatchID, p.topic, err)
	}
	p.log.Debug("settlement published",
		zap.String("match_id", r.MatchID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close closes the producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
