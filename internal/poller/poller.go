// Package poller consumes checkout completions from the payment side and
// clears the matching cart.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fjod/rfid-cart/internal/domain"
)

// Checkout results as reported to the recorder.
const (
	ResultCompleted = "completed"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

type CheckoutCompleter interface {
	CompleteCheckout(ctx context.Context, userID string) (domain.Cart, error)
}

type Recorder interface {
	CheckoutEvent(result string)
}

// MessageReader is the part of *kafka.Reader the poller needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Poller struct {
	engine  CheckoutCompleter
	reader  MessageReader
	metrics Recorder
	logger  *slog.Logger
	// pause after a failed read so a broker outage doesn't spin the loop
	errorBackoff time.Duration
}

type checkoutCompleted struct {
	CheckoutID string `json:"checkout_id"`
	UserID     string `json:"user_id"`
}

func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MaxBytes: 10e6,
	})
}

func NewPoller(engine CheckoutCompleter, reader MessageReader, metrics Recorder, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		engine:       engine,
		reader:       reader,
		metrics:      metrics,
		logger:       logger.With("component", "checkout_poller"),
		errorBackoff: time.Second,
	}
}

// Run reads until ctx is done or the reader is closed.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("checkout poller started")
	defer p.logger.Info("checkout poller stopped")

	for {
		m, err := p.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			p.logger.Error("failed to read checkout message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		p.handle(ctx, m)
	}
}

func (p *Poller) handle(ctx context.Context, m kafka.Message) {
	var event checkoutCompleted
	if err := json.Unmarshal(m.Value, &event); err != nil || event.UserID == "" {
		p.logger.Warn("skipping malformed checkout message",
			"partition", m.Partition,
			"offset", m.Offset,
			"error", err,
		)
		p.record(ResultInvalid)
		return
	}

	cart, err := p.engine.CompleteCheckout(ctx, event.UserID)
	if err != nil {
		p.logger.Error("failed to complete checkout",
			"user_id", event.UserID,
			"checkout_id", event.CheckoutID,
			"error", err,
		)
		p.record(ResultFailed)
		return
	}

	p.logger.Info("checkout completed",
		"user_id", event.UserID,
		"checkout_id", event.CheckoutID,
		"items", cart.ItemCount(),
	)
	p.record(ResultCompleted)
}

func (p *Poller) record(result string) {
	if p.metrics != nil {
		p.metrics.CheckoutEvent(result)
	}
}

func (p *Poller) Close() error {
	return p.reader.Close()
}
