package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSBus struct {
	nats *nats.Conn
	js   nats.JetStreamContext
	log  *slog.Logger
}

func NewNATSBus(addr, clientName string, logger *slog.Logger) (Bus, error) {

	opts := []nats.Option{
		// Identification: makes debugging on the NATS dashboard easier
		nats.Name(clientName),

		// Resilience: NEVER give up trying to reconnect.
		// Default is 60. We set -1 (infinite).
		nats.MaxReconnects(-1),

		// Backoff: don't spam the server. Wait 3s between attempts.
		nats.ReconnectWait(3 * time.Second),

		// Observability: log when things go wrong
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected! Buffering messages...", "error", err)
		}),

		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected successfully!", "url", nc.ConnectedUrl())
		}),

		// Safety net: if the connection is permanently dead (e.g. auth
		// failure), kill the app so the orchestrator restarts it.
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Error("NATS connection closed permanently. Exiting process.")
			os.Exit(1)
		}),
	}
	nc, err := nats.Connect(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create nats client: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}

	return &NATSBus{
		nats: nc,
		js:   js,
		log:  logger,
	}, nil
}

// Publish sends an event with a message id so JetStream deduplicates
// redeliveries from retrying producers.
func (b *NATSBus) Publish(subject string, data []byte, msgID string) error {
	b.log.Info("Publishing event", "subject", subject, "data_size", len(data))

	_, err := b.js.Publish(subject, data, nats.MsgId(msgID))
	return err
}

func (b *NATSBus) Subscribe(subject string, group string, name string, handler Handler) (Subscription, error) {
	b.log.Info("Subscribing to subject", "subject", subject, "queue", group)

	opts := []nats.SubOpt{
		nats.ManualAck(),       // We control the Ack
		nats.AckExplicit(),     // Required for robust systems
		nats.DeliverAll(),      // If we crashed, catch up on what we missed
		nats.MaxAckPending(10), // Flow control: don't overwhelm the worker
		nats.Durable(name),
	}

	sub, err := b.js.QueueSubscribe(subject, group, func(msg *nats.Msg) {
		// Fresh context per message with a timeout, so a stuck handler
		// cannot hang the connection forever.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := handler(ctx, msg.Data); err != nil {
			b.log.Error("Handler failed, Nacking message", "subject", subject, "error", err)
			msg.Nak() // Retry the message later
			return
		}

		if err := msg.Ack(); err != nil {
			b.log.Error("Failed to Ack message", "subject", subject, "error", err)
		}
	}, opts...)

	if err != nil {
		return Subscription{}, fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	return Subscription{
		Unsubscribe: func() error {
			return sub.Unsubscribe()
		},
	}, nil
}

func (b *NATSBus) Close() error {
	b.log.Info("Closing NATS connection")
	return b.nats.Drain()
}
