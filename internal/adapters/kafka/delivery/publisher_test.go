package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/metabolic-care/intake-api/internal/adapters/contracttest"
	"github.com/metabolic-care/intake-api/internal/adapters/submissiondoc"
	"github.com/metabolic-care/intake-api/internal/domain"
)

type fakeProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	var out kgo.ProduceResults
	for _, r := range rs {
		f.records = append(f.records, r)
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func TestPublisher_Deliver(t *testing.T) {
	t.Parallel()

	fp := &fakeProducer{}
	p := &Publisher{client: fp, topic: "intake.submissions"}
	rec := contracttest.FullRecord("run-42")

	if err := p.Deliver(context.Background(), rec); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(fp.records) != 1 {
		t.Fatalf("records=%d", len(fp.records))
	}
	got := fp.records[0]
	if string(got.Key) != "run-42" || got.Topic != "intake.submissions" {
		t.Fatalf("key/topic=%q/%q", got.Key, got.Topic)
	}
	decoded, err := submissiondoc.Decode(got.Value)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	contracttest.AssertRecordEqual(t, rec, decoded)

	p.Close()
	if !fp.closed {
		t.Fatalf("expected client closed")
	}
}

func TestPublisher_DeliverError(t *testing.T) {
	t.Parallel()

	boom := errors.New("broker down")
	p := &Publisher{client: &fakeProducer{err: boom}, topic: "t"}
	if err := p.Deliver(context.Background(), domain.NewRecord("r1")); !errors.Is(err, boom) {
		t.Fatalf("err=%v, want broker down", err)
	}
}

func TestNewPublisher_RequiresConfig(t *testing.T) {
	t.Parallel()

	if _, err := NewPublisher(Config{Topic: "t"}); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatalf("expected error without topic")
	}
}
