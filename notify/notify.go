// Package notify delivers SOA sign links to clients.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"soaflow/soa"
)

// SubjectPrefix is followed by the delivery method, e.g. soa.delivery.email.
const SubjectPrefix = "soa.delivery"

var ErrNoAddress = errors.New("notify: delivery address is required")

// Publisher is the part of jetstream.JetStream the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Message is the payload consumed by the email and SMS senders.
type Message struct {
	SOAID           string    `json:"soa_id"`
	Method          string    `json:"method"`
	Address         string    `json:"address"`
	URL             string    `json:"url"`
	Language        string    `json:"language"`
	BeneficiaryName string    `json:"beneficiary_name"`
	AgentName       string    `json:"agent_name"`
	ExpiresAt       time.Time `json:"expires_at"`
	Resend          bool      `json:"resend"`
}

func messageFor(d soa.Delivery) Message {
	return Message{
		SOAID:           d.SOAID,
		Method:          string(d.Method),
		Address:         d.Address,
		URL:             d.URL,
		Language:        d.Language,
		BeneficiaryName: d.BeneficiaryName,
		AgentName:       d.AgentName,
		ExpiresAt:       d.ExpiresAt.UTC(),
		Resend:          d.Resend,
	}
}

// JetStreamDispatcher hands deliveries to the email/SMS senders over
// JetStream. A delivery counts as dispatched once the stream acknowledges it.
type JetStreamDispatcher struct {
	js      Publisher
	timeout time.Duration
}

func NewJetStreamDispatcher(js Publisher) *JetStreamDispatcher {
	return &JetStreamDispatcher{js: js, timeout: 5 * time.Second}
}

func (d *JetStreamDispatcher) WithTimeout(timeout time.Duration) *JetStreamDispatcher {
	if timeout > 0 {
		d.timeout = timeout
	}
	return d
}

func (d *JetStreamDispatcher) Dispatch(ctx context.Context, delivery soa.Delivery) error {
	if delivery.Address == "" {
		return ErrNoAddress
	}
	data, err := json.Marshal(messageFor(delivery))
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	subject := SubjectPrefix + "." + string(delivery.Method)
	if _, err := d.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// LogDispatcher only logs deliveries. Used in development when no NATS server
// is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, delivery soa.Delivery) error {
	if delivery.Address == "" {
		return ErrNoAddress
	}
	d.logger.InfoContext(ctx, "soa link delivery",
		"soa_id", delivery.SOAID,
		"method", delivery.Method,
		"address", delivery.Address,
		"resend", delivery.Resend)
	d.logger.DebugContext(ctx, "soa link", "soa_id", delivery.SOAID, "url", delivery.URL)
	return nil
}
