package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	applogger "SignalDesk/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader for topic.
type ReaderFactory func(topic string, cfg *ConsumerConfig) MessageReader

// Consumer reads registered topics and hands messages to a worker pool.
// Messages of one partition are handled one at a time.
type Consumer struct {
	cfg       *ConsumerConfig
	newReader ReaderFactory
	handlers  map[string]MessageHandler
	readers   map[string]MessageReader
	dlq       MessageWriter
	msgs      chan kafka.Message
	l         *applogger.Logger

	mu        sync.Mutex
	partLocks map[string]*sync.Mutex

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConsumer creates a new Kafka consumer.
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := &ConsumerConfig{
		GroupID:    "default",
		Workers:    1,
		BufferSize: 16,
		RetryMax:   3,
		BackoffMin: 50 * time.Millisecond,
		BackoffMax: 2 * time.Second,
		MinBytes:   1,
		MaxBytes:   10e6,
		Logger:     applogger.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers are required")
	}

	c := &Consumer{
		cfg:       cfg,
		newReader: openReader,
		handlers:  make(map[string]MessageHandler),
		readers:   make(map[string]MessageReader),
		msgs:      make(chan kafka.Message, cfg.BufferSize),
		partLocks: make(map[string]*sync.Mutex),
		l:         cfg.Logger,
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Balancer: &kafka.LeastBytes{}}
	}
	return c, nil
}

func openReader(topic string, cfg *ConsumerConfig) MessageReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
}

// SetReaderFactory replaces how readers are opened. Call before Start.
func (c *Consumer) SetReaderFactory(f ReaderFactory) {
	if f != nil {
		c.newReader = f
	}
}

// SetDLQWriter replaces the dead letter writer. Call before Start.
func (c *Consumer) SetDLQWriter(w MessageWriter) {
	c.dlq = w
}

// RegisterHandler registers a message handler for its topic.
func (c *Consumer) RegisterHandler(h MessageHandler) error {
	if _, ok := c.handlers[h.Topic()]; ok {
		return fmt.Errorf("handler already registered for topic %s", h.Topic())
	}
	c.handlers[h.Topic()] = h
	return nil
}

// Start opens one reader per registered topic and starts the workers. The
// consumer runs until ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if len(c.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}
	ctx, c.cancel = context.WithCancel(ctx)

	for topic := range c.handlers {
		c.readers[topic] = c.newReader(topic, c.cfg)
	}
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	for topic, r := range c.readers {
		c.wg.Add(1)
		go c.fetch(ctx, topic, r)
	}
	c.l.Info("kafka consumer started",
		applogger.Int("topics", len(c.readers)),
		applogger.Int("workers", c.cfg.Workers),
		applogger.String("group", c.cfg.GroupID))
	return nil
}

// Stop cancels the readers and waits for in-flight messages.
func (c *Consumer) Stop(ctx context.Context) error {
	var stopErr error
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-ctx.Done():
			stopErr = fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
		case <-done:
		}

		for topic, r := range c.readers {
			if err := r.Close(); err != nil {
				c.l.Warn("close reader", applogger.String("topic", topic), applogger.Error(err))
			}
		}
		if c.dlq != nil {
			if err := c.dlq.Close(); err != nil {
				c.l.Warn("close dlq writer", applogger.Error(err))
			}
		}
	})
	return stopErr
}

func (c *Consumer) fetch(ctx context.Context, topic string, r MessageReader) {
	defer c.wg.Done()
	failures := 0
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.l.Warn("fetch message", applogger.String("topic", topic), applogger.Error(err))
			if !sleepCtx(ctx, backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, failures)) {
				return
			}
			continue
		}
		failures = 0
		if msg.Topic == "" {
			msg.Topic = topic
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.msgs:
			c.process(ctx, msg)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	h, ok := c.handlers[msg.Topic]
	if !ok {
		return
	}
	pl := c.partitionLock(msg.Topic, msg.Partition)
	pl.Lock()
	defer pl.Unlock()

	var err error
	attempts := 0
	for {
		attempts++
		err = safeHandle(ctx, h, msg.Value)
		if err == nil || attempts > c.cfg.RetryMax {
			break
		}
		if !sleepCtx(ctx, backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempts)) {
			return
		}
	}

	if err != nil {
		c.l.Error("handle message",
			applogger.String("topic", msg.Topic),
			applogger.Int("attempts", attempts),
			applogger.Int64("offset", msg.Offset),
			applogger.Error(err))
		if c.dlq == nil {
			return
		}
		dead := kafka.Message{
			Topic:   c.cfg.DLQTopic,
			Key:     msg.Key,
			Value:   msg.Value,
			Time:    time.Now(),
			Headers: []kafka.Header{{Key: "source_topic", Value: []byte(msg.Topic)}, {Key: "error", Value: []byte(err.Error())}},
		}
		if dlqErr := c.dlq.WriteMessages(ctx, dead); dlqErr != nil {
			c.l.Error("write dlq", applogger.String("topic", c.cfg.DLQTopic), applogger.Error(dlqErr))
			return
		}
	}

	// Commit on success or after a dead letter so a poison message cannot loop.
	if r := c.readers[msg.Topic]; r != nil {
		c.commit(ctx, r, msg)
	}
}

func safeHandle(ctx context.Context, h MessageHandler, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, data)
}

func (c *Consumer) commit(ctx context.Context, r MessageReader, msg kafka.Message) {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = r.CommitMessages(cctx, msg)
		cancel()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		if !sleepCtx(ctx, backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt)) {
			return
		}
	}
	c.l.Error("commit offset", applogger.String("topic", msg.Topic), applogger.Int64("offset", msg.Offset), applogger.Error(err))
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	key := fmt.Sprintf("%s/%d", topic, partition)
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.partLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.partLocks[key] = l
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoffWithJitter doubles lo per attempt up to hi and takes off up to half.
func backoffWithJitter(lo, hi time.Duration, attempt int) time.Duration {
	if lo <= 0 {
		lo = 50 * time.Millisecond
	}
	if hi < lo {
		hi = lo
	}
	if attempt < 1 {
		attempt = 1
	}
	exp := hi
	if attempt < 32 {
		if d := lo << uint(attempt-1); d > 0 && d < hi {
			exp = d
		}
	}
	if half := int64(exp) / 2; half > 0 {
		exp -= time.Duration(rand.Int63n(half))
	}
	return exp
}
