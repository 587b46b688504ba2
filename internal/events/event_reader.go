package events

import (
	"context"
	"encoding/json"
	"log/slog"
)

type EventReader struct {
	bus    Bus
	config *EventConfig
	logger *slog.Logger
}

func NewEventReader(bus Bus, config *EventConfig, logger *slog.Logger) *EventReader {
	return &EventReader{
		bus:    bus,
		config: config,
		logger: logger,
	}
}

const queue = "searchsync-worker"

// SubscribeToChangeEvents decodes record-change events and hands them to the
// handler. Malformed payloads are acked and dropped; handler failures nack
// for redelivery.
func (r *EventReader) SubscribeToChangeEvents(handler func(ctx context.Context, evt ChangeEvent) error) error {
	subject := r.config.RecordChanged
	r.logger.Info("Subscribing to record change events", "subject", subject)

	_, err := r.bus.Subscribe(subject, queue, queue, func(ctx context.Context, payload []byte) error {
		var evt ChangeEvent

		if err := json.Unmarshal(payload, &evt); err != nil {
			// Return NIL to ACK the message and remove it from the
			// queue. Returning the error would loop forever.
			r.logger.Error("Discarding malformed JSON event", "subject", subject, "error", err)
			return nil
		}

		if evt.Model == "" || evt.Op == "" {
			r.logger.Error("Discarding incomplete change event", "subject", subject, "event", evt)
			return nil
		}

		// If handling fails (e.g. search backend down), return the error
		// so the message is redelivered.
		return handler(ctx, evt)
	})

	return err
}
