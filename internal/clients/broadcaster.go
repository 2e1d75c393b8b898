package clients

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Broadcaster sends events to every connected instance
type Broadcaster struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewBroadcaster creates a broadcaster over registry
func NewBroadcaster(registry *Registry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast marshals v once and writes it to every instance. Delivery to an
// individual instance is best effort; only an encoding failure is returned.
func (b *Broadcaster) Broadcast(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	instances := b.registry.All()
	if len(instances) == 0 {
		b.logger.Debug().RawJSON("event", data).Msg("no instances to broadcast to")
		return nil
	}

	sent, failed := 0, 0
	for _, inst := range instances {
		if err := inst.WriteMessage(websocket.TextMessage, data); err != nil {
			b.logger.Warn().Err(err).Str("instance", inst.ID).Msg("broadcast to instance failed")
			failed++
			continue
		}
		sent++
	}

	b.logger.Debug().
		RawJSON("event", data).
		Int("success", sent).
		Int("failed", failed).
		Msg("broadcast complete")
	return nil
}
