package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/domain"
)

const (
	EventType   = "intake.submission.v1"
	ContentType = "application/json"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher delivers submitted records to a Kafka topic, keyed by run id so
// that every event for a run lands on the same partition.
type Publisher struct {
	client producer
	topic  string
}

type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic}, nil
}

// Deliver produces one record and waits for the broker acknowledgment.
func (p *Publisher) Deliver(ctx context.Context, rec domain.Record) error {
	msg, err := NewMessage(p.topic, rec)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, msg).FirstErr(); err != nil {
		return fmt.Errorf("kafka produce %s: %w", rec.RunID, err)
	}
	return nil
}

func (p *Publisher) Close() { p.client.Close() }

// NewMessage builds the Kafka record for a submission.
func NewMessage(topic string, rec domain.Record) (*kgo.Record, error) {
	body, err := submissiondoc.Encode(rec)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(rec.RunID),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte(ContentType)},
			{Key: "event-type", Value: []byte(EventType)},
		},
	}, nil
}
