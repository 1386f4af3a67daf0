// Package publisher mirrors observer notifications onto a Kafka topic so that
// consumers outside this process see the same stream.
package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fjod/rfid-cart/internal/notify"
)

const (
	DefaultQueueSize    = 1024
	DefaultBatchSize    = 100
	DefaultWriteTimeout = 5 * time.Second
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Options struct {
	QueueSize    int
	BatchSize    int
	WriteTimeout time.Duration
	// OnDrop is called for every event that could not be queued.
	OnDrop func(notify.EventType)
	Logger *slog.Logger
	Now    func() time.Time
}

// Publisher implements notify.Sink. Publish only enqueues; Run does the
// writes.
type Publisher struct {
	writer       MessageWriter
	queue        chan kafka.Message
	batchSize    int
	writeTimeout time.Duration
	onDrop       func(notify.EventType)
	logger       *slog.Logger
	now          func() time.Time
}

type envelope struct {
	Topics      []string     `json:"topics"`
	Event       notify.Event `json:"event"`
	PublishedAt time.Time    `json:"published_at"`
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

func New(writer MessageWriter, opts Options) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		writer:       writer,
		queue:        make(chan kafka.Message, opts.QueueSize),
		batchSize:    opts.BatchSize,
		writeTimeout: opts.WriteTimeout,
		onDrop:       opts.OnDrop,
		logger:       opts.Logger.With("component", "notification_publisher"),
		now:          opts.Now,
	}
}

// Publish enqueues event keyed by its first topic, so one user's or device's
// events stay ordered within a partition.
func (p *Publisher) Publish(event notify.Event, topics []notify.Topic) {
	if len(topics) == 0 {
		return
	}

	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = t.String()
	}

	value, err := json.Marshal(envelope{Topics: names, Event: event, PublishedAt: p.now().UTC()})
	if err != nil {
		p.logger.Error("failed to marshal notification", "type", event.Type, "error", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(names[0]),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	select {
	case p.queue <- msg:
	default:
		p.logger.Warn("notification queue full, dropping event", "type", event.Type, "topic", names[0])
		if p.onDrop != nil {
			p.onDrop(event.Type)
		}
	}
}

// Run writes queued messages in batches until ctx is done, then flushes what
// is left within one write timeout.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case m := <-p.queue:
			p.write(context.WithoutCancel(ctx), p.collect(m))
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (p *Publisher) collect(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < p.batchSize {
		select {
		case m := <-p.queue:
			batch = append(batch, m)
		default:
			return batch
		}
	}
	return batch
}

func (p *Publisher) flush(ctx context.Context) {
	for {
		select {
		case m := <-p.queue:
			p.write(ctx, p.collect(m))
		default:
			return
		}
	}
}

func (p *Publisher) write(ctx context.Context, batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		p.logger.Error("failed to publish notifications", "count", len(batch), "error", err)
		if p.onDrop != nil {
			for _, m := range batch {
				p.onDrop(notify.EventType(headerValue(m, "event_type")))
			}
		}
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
