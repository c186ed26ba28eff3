package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBroker publishes through a single kafka-go writer. Topics are chosen
// per message; the hash balancer maps equal keys to the same partition.
type KafkaBroker struct {
	w messageWriter
}

func NewKafkaBroker(brokers []string) *KafkaBroker {
	return &KafkaBroker{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (b *KafkaBroker) Send(ctx context.Context, topic string, payload []byte, partitionKey string) error {
	err := b.w.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(partitionKey),
		Value: payload,
	})
	if err != nil {
		return common.Infra("kafka send", fmt.Errorf("topic %s: %w", topic, err))
	}
	return nil
}

func (b *KafkaBroker) Close() error {
	return b.w.Close()
}
