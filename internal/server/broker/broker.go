// Package broker publishes notification payloads to a message bus.
package broker

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/securemsg/internal/logging"
)

// Broker sends one payload to topic. partitionKey keeps related records
// (one recipient, one session) in order on a partition.
type Broker interface {
	Send(ctx context.Context, topic string, payload []byte, partitionKey string) error
	Close() error
}

// LogBroker writes records to the log instead of a bus.
type LogBroker struct {
	log logging.Logger
}

func NewLogBroker(l logging.Logger) *LogBroker {
	return &LogBroker{log: l.With("module", "broker")}
}

func (b *LogBroker) Send(ctx context.Context, topic string, payload []byte, partitionKey string) error {
	b.log.Info(ctx, "broker record", "topic", topic, "key", partitionKey, "bytes", len(payload))
	return nil
}

func (b *LogBroker) Close() error { return nil }

// Record is a payload captured by MemoryBroker.
type Record struct {
	Topic   string
	Key     string
	Payload []byte
}

// MemoryBroker keeps records in memory. Setting Err makes every Send fail.
type MemoryBroker struct {
	mu      sync.Mutex
	records []Record
	Err     error
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{}
}

func (b *MemoryBroker) Send(_ context.Context, topic string, payload []byte, partitionKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.records = append(b.records, Record{Topic: topic, Key: partitionKey, Payload: append([]byte(nil), payload...)})
	return nil
}

func (b *MemoryBroker) Close() error { return nil }

// Records returns a copy of everything sent so far.
func (b *MemoryBroker) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.records...)
}

// Topic returns the records sent to topic.
func (b *MemoryBroker) Topic(topic string) []Record {
	var out []Record
	for _, r := range b.Records() {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}
