package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSBus maps topics onto core NATS subjects. Core NATS is fire-and-forget,
// which matches the at-most-once contract of the bus.
type NATSBus struct {
	nc         *nats.Conn
	prefix     string
	bufferSize int
	logger     *slog.Logger
	owned      bool
}

// ConnectNATS dials url and returns a bus that owns the connection.
func ConnectNATS(url, prefix string, bufferSize int, logger *slog.Logger, opts ...nats.Option) (*NATSBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]nats.Option{
		nats.Name("mirador-remediator"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.Any("error", err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}, opts...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	b := NewNATSBus(nc, prefix, bufferSize, logger)
	b.owned = true
	return b, nil
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of nc.
func NewNATSBus(nc *nats.Conn, prefix string, bufferSize int, logger *slog.Logger) *NATSBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBus{nc: nc, prefix: prefix, bufferSize: bufferSize, logger: logger}
}

// Subject converts a bus topic into a NATS subject.
func (b *NATSBus) Subject(topic string) string {
	subject := strings.ReplaceAll(topic, ":", ".")
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

// Publish encodes v as JSON and publishes it on the topic subject.
func (b *NATSBus) Publish(_ context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	if err := b.nc.Publish(b.Subject(topic), data); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates an async NATS subscription feeding a buffered Subscription.
func (b *NATSBus) Subscribe(topic string) (*Subscription, error) {
	sub := newSubscription(topic, b.bufferSize)
	ns, err := b.nc.Subscribe(b.Subject(topic), func(msg *nats.Msg) {
		if !sub.deliver(Envelope{Topic: topic, Data: msg.Data}) {
			b.logger.Debug("bus subscriber full, dropping message", slog.String("topic", topic))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub.release = func() {
		if err := ns.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
			b.logger.Warn("nats unsubscribe failed", slog.String("topic", topic), slog.Any("error", err))
		}
	}
	// Make sure the server knows about the interest before returning.
	if err := b.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", topic, err)
	}
	return sub, nil
}

// Close drains the connection if the bus owns it.
func (b *NATSBus) Close() error {
	if !b.owned {
		return nil
	}
	return b.nc.Drain()
}
