// Package events publishes committed ledger changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/warp/inventory-ledger/ledger"
)

// Message is the JSON body written for every ledger event. Amounts are
// decimal strings so consumers never round through float64.
type Message struct {
	Kind          string `json:"kind"`
	ProductID     int64  `json:"product_id"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Replayed      int    `json:"replayed"`
	Quantity      string `json:"current_quantity"`
	WAC           string `json:"current_wac"`
	TotalCost     string `json:"total_cost"`
	OccurredAt    string `json:"occurred_at"`
}

func encodeEvent(ev ledger.Event) (kafka.Message, error) {
	body, err := json.Marshal(Message{
		Kind:          string(ev.Kind),
		ProductID:     int64(ev.ProductID),
		TransactionID: int64(ev.TransactionID),
		Replayed:      ev.Replayed,
		Quantity:      ev.Quantity.StringFixed(ledger.QuantityScale),
		WAC:           ev.WAC.StringFixed(ledger.CostScale),
		TotalCost:     ev.TotalCost.StringFixed(ledger.CostScale),
		OccurredAt:    ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(int64(ev.ProductID), 10)),
		Value: body,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

// =============================================================================
// KAFKA PUBLISHER
// =============================================================================

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per event, keyed by product ID so every
// product's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	log     *zap.Logger
	counter *prometheus.CounterVec
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger, counter *prometheus.CounterVec) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(writer, log, counter)
}

func newKafkaPublisher(w messageWriter, log *zap.Logger, counter *prometheus.CounterVec) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, log: log, counter: counter}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ledger.Event) error {
	msg, err := encodeEvent(ev)
	if err != nil {
		p.count("error")
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.count("error")
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	p.count("ok")
	p.log.Debug("ledger event published",
		zap.String("kind", string(ev.Kind)),
		zap.Int64("product_id", int64(ev.ProductID)))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) count(result string) {
	if p.counter != nil {
		p.counter.WithLabelValues(result).Inc()
	}
}
