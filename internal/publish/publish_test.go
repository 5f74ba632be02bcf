package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

func settledRecord(id string) settlement.Record {
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	return settlement.Record{
		MatchID:     id,
		BuyOrderID:  "B1",
		SellOrderID: "S1",
		State:       settlement.StateSettled,
		MatchOffset: 11,
		Offset:      22,
		TxSignature: "tx-1",
		CreatedAt:   now,
		UpdatedAt:   now,
		FinalizedAt: &now,
	}
}

func TestKafkaPublisherSendsJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "settlements" {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "m-1" {
			return fmt.Errorf("key = %s", key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var got settlement.Record
		if err := json.Unmarshal(value, &got); err != nil {
			return err
		}
		if got.MatchID != "m-1" || got.State != settlement.StateSettled || got.TxSignature != "tx-1" {
			return fmt.Errorf("unexpected record %+v", got)
		}
		return nil
	})

	p := NewKafkaPublisher(producer, "settlements", nil)
	require.NoError(t, p.Publish(context.Background(), settledRecord("m-1")))
	require.NoError(t, p.Close())
}

func TestKafkaPublisherOffsetsAsStrings(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var raw map[string]any
		if err := json.Unmarshal(val, &raw); err != nil {
			return err
		}
		if raw["offset"] != "22" || raw["matchOffset"] != "11" {
			return fmt.Errorf("offsets = %v / %v", raw["offset"], raw["matchOffset"])
		}
		return nil
	})

	p := NewKafkaPublisher(producer, "settlements", nil)
	require.NoError(t, p.Publish(context.Background(), settledRecord("m-2")))
	require.NoError(t, p.Close())
}

func TestKafkaPublisherError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisher(producer, "settlements", nil)
	err := p.Publish(context.Background(), settledRecord("m-3"))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestDialWithoutBrokers(t *testing.T) {
	_, err := Dial(context.Background(), nil, 3, time.Millisecond)
	require.Error(t, err)
}

func TestFanoutJoinsErrors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	f := Fanout{
		Func(func(_ context.Context, r settlement.Record) error {
			calls = append(calls, "a:"+r.MatchID)
			return boom
		}),
		nil,
		Func(func(_ context.Context, r settlement.Record) error {
			calls = append(calls, "b:"+r.MatchID)
			return nil
		}),
	}

	err := f.Publish(context.Background(), settledRecord("m-4"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a:m-4", "b:m-4"}, calls)
}

func TestEmptyFanout(t *testing.T) {
	require.NoError(t, Fanout{}.Publish(context.Background(), settledRecord("m-5")))
}
