package gateway

import (
	"errors"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/NexaIT-Poland/RampForge/internal/event"
)

// Dispatcher fans one domain event out to every connection whose
// subscription filter matches it.
type Dispatcher struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewDispatcher(registry *Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers ev to all matching connections.
//
// The wire payload is encoded once and shared. Delivery walks a registry
// snapshot, so concurrent connects and disconnects neither block nor are
// blocked by the fan-out. Per-connection failures are isolated: a full
// queue costs a strike (three consecutive strikes force a disconnect);
// a closed connection is skipped; nothing aborts delivery to the rest.
// Order within one connection is preserved by its queue and single
// writer; no ordering is guaranteed across connections.
func (d *Dispatcher) Dispatch(ev *event.Event) {
	payload, err := ev.EncodeWire()
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("kind", string(ev.Kind)).
			Int64("assignment_id", ev.AssignmentID).
			Msg("Failed to encode event, broadcast skipped")
		return
	}

	metricEventsDispatched.Inc()

	snapshot := d.registry.Snapshot()
	matched, delivered := 0, 0

	for _, c := range snapshot {
		if !c.matchesEvent(ev.Attributes) {
			continue
		}
		matched++

		switch err := c.Enqueue(payload); {
		case err == nil:
			c.resetStrikes()
			delivered++
			metricEventsDelivered.Inc()

		case errors.Is(err, ErrConnectionClosed):
			// Lost a race with a disconnect; the registry entry is
			// already gone or about to be.

		case errors.Is(err, ErrQueueFull):
			strikes := c.addStrike()
			metricBroadcastsDropped.Inc()

			if c.slowWarned.CompareAndSwap(false, true) {
				d.logger.Warn().
					Str("connection_id", c.ID).
					Int("queue_cap", cap(c.send)).
					Msg("Client not draining its send queue")
			}

			if strikes >= maxSendStrikes {
				d.logger.Warn().
					Str("connection_id", c.ID).
					Int32("consecutive_failures", strikes).
					Msg("Disconnecting slow client")
				metricSlowClientDisconnects.Inc()
				d.registry.CloseWithStatus(c, ws.StatusPolicyViolation, "client too slow to process events")
			}
		}
	}

	d.logger.Debug().
		Str("type", ev.Kind.MessageType()).
		Int64("assignment_id", ev.AssignmentID).
		Int("snapshot_size", len(snapshot)).
		Int("matched", matched).
		Int("delivered", delivered).
		Msg("Event dispatched")
}
