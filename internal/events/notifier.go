package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Notifier is the producer side of the change stream. Services that mutate
// records publish through it after commit; delivery is at-least-once, with
// message ids letting JetStream collapse producer retries.
type Notifier struct {
	bus    Bus
	config *EventConfig
	logger *slog.Logger
}

func NewNotifier(bus Bus, config *EventConfig, logger *slog.Logger) *Notifier {
	return &Notifier{bus: bus, config: config, logger: logger}
}

func (n *Notifier) RecordChanged(evt ChangeEvent) error {
	if evt.Model == "" || evt.Op == "" {
		return fmt.Errorf("change event needs a model and an op")
	}
	if evt.TraceID == "" {
		evt.TraceID = uuid.NewString()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}

	if err := n.bus.Publish(n.config.RecordChanged, payload, uuid.NewString()); err != nil {
		return fmt.Errorf("publish change event for %s: %w", evt.Model, err)
	}
	n.logger.Debug("change event published", "model", evt.Model, "op", evt.Op, "ids", len(evt.IDs))
	return nil
}
