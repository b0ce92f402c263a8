package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

type fakeReader struct {
	in      chan kafka.Message
	mu      sync.Mutex
	commits []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.in:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.commits...)
}

type handlerFunc struct {
	topic string
	fn    func([]byte) error
}

func (h handlerFunc) Topic() string                            { return h.topic }
func (h handlerFunc) Handle(_ context.Context, b []byte) error { return h.fn(b) }

func TestProducerPublishEncodesJSON(t *testing.T) {
	w := &fakeWriter{}
	p := NewProducerWithWriter(w, "snappy", prometheus.NewRegistry())

	type payload struct {
		Instrument string `json:"instrument"`
	}
	if err := p.Publish(context.Background(), "signals", []byte("BTC"), payload{Instrument: "BTC"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := w.written()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Topic != "signals" || string(got[0].Key) != "BTC" {
		t.Fatalf("unexpected message %+v", got[0])
	}
	if string(got[0].Value) != `{"instrument":"BTC"}` {
		t.Fatalf("unexpected value %s", got[0].Value)
	}
}

func TestProducerPublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := NewProducerWithWriter(w, "gzip", nil)
	err := p.Publish(context.Background(), "signals", nil, "raw")
	if err == nil || !errors.Is(err, w.err) {
		t.Fatalf("expected wrapped writer error, got %v", err)
	}
	if err := p.PublishBatch(context.Background(), "signals", nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	if _, err := NewProducer(); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewConsumer(); err == nil {
		t.Fatal("expected error without brokers")
	}
}

func TestParseCompression(t *testing.T) {
	cases := map[string]kafka.Compression{
		"gzip":   kafka.Gzip,
		"snappy": kafka.Snappy,
		"lz4":    kafka.Lz4,
		"zstd":   kafka.Zstd,
		"bogus":  kafka.Snappy,
	}
	for in, want := range cases {
		if got := parseCompression(in); got != want {
			t.Errorf("parseCompression(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	lo, hi := 100*time.Millisecond, time.Second
	for attempt := 1; attempt <= 40; attempt++ {
		d := backoffWithJitter(lo, hi, attempt)
		if d <= 0 || d > hi {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
	if d := backoffWithJitter(lo, hi, 1); d < lo/2 || d > lo {
		t.Fatalf("first backoff %v not within [lo/2, lo]", d)
	}
}

func newTestConsumer(t *testing.T, r *fakeReader, dlq *fakeWriter, h MessageHandler) *Consumer {
	t.Helper()
	c, err := NewConsumer(
		WithConsumerBrokers([]string{"localhost:9092"}),
		WithConsumerRetry(2, time.Millisecond, 2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new consumer: %v", err)
	}
	c.SetReaderFactory(func(string, *ConsumerConfig) MessageReader { return r })
	if dlq != nil {
		c.cfg.DLQTopic = "signals.dlq"
		c.SetDLQWriter(dlq)
	}
	if err := c.RegisterHandler(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestConsumerRetriesThenCommits(t *testing.T) {
	r := &fakeReader{in: make(chan kafka.Message, 1)}
	var mu sync.Mutex
	calls := 0
	h := handlerFunc{topic: "control", fn: func([]byte) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}}
	c := newTestConsumer(t, r, nil, h)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.in <- kafka.Message{Offset: 7, Value: []byte("{}")}

	waitFor(t, func() bool { return len(r.committed()) == 1 })
	if got := r.committed()[0]; got != 7 {
		t.Fatalf("committed offset %d, want 7", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestConsumerPoisonMessageGoesToDLQ(t *testing.T) {
	r := &fakeReader{in: make(chan kafka.Message, 1)}
	dlq := &fakeWriter{}
	h := handlerFunc{topic: "control", fn: func([]byte) error { panic("bad payload") }}
	c := newTestConsumer(t, r, dlq, h)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.in <- kafka.Message{Offset: 3, Value: []byte("garbage")}

	waitFor(t, func() bool { return len(r.committed()) == 1 })
	dead := dlq.written()
	if len(dead) != 1 || dead[0].Topic != "signals.dlq" || string(dead[0].Value) != "garbage" {
		t.Fatalf("unexpected dlq content %+v", dead)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestConsumerWithoutDLQLeavesFailureUncommitted(t *testing.T) {
	r := &fakeReader{in: make(chan kafka.Message, 2)}
	handled := make(chan string, 4)
	h := handlerFunc{topic: "control", fn: func(b []byte) error {
		handled <- string(b)
		if string(b) == "bad" {
			return errors.New("nope")
		}
		return nil
	}}
	c := newTestConsumer(t, r, nil, h)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.in <- kafka.Message{Offset: 1, Value: []byte("bad")}
	r.in <- kafka.Message{Offset: 2, Value: []byte("good")}

	waitFor(t, func() bool { return len(r.committed()) == 1 })
	if got := r.committed(); got[0] != 2 {
		t.Fatalf("committed %v, want [2]", got)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.Stop(ctx)
}

func TestRegisterHandlerTwice(t *testing.T) {
	c, err := NewConsumer(WithConsumerBrokers([]string{"localhost:9092"}))
	if err != nil {
		t.Fatal(err)
	}
	h := handlerFunc{topic: "control", fn: func([]byte) error { return nil }}
	if err := c.RegisterHandler(h); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterHandler(h); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := (&Consumer{handlers: map[string]MessageHandler{}}).Start(context.Background()); err == nil {
		t.Fatal("expected error starting without handlers")
	}
}
