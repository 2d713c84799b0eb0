package gateway

import (
	"encoding/json"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/NexaIT-Poland/RampForge/internal/limits"
)

// ProtocolHandler runs the per-connection receive loop. One handler
// instance serves all connections; per-connection state (the rate
// limiter aside) lives on the Connection itself.
type ProtocolHandler struct {
	registry *Registry
	logger   zerolog.Logger

	msgRate  float64
	msgBurst int
}

func NewProtocolHandler(registry *Registry, msgRate float64, msgBurst int, logger zerolog.Logger) *ProtocolHandler {
	return &ProtocolHandler{
		registry: registry,
		logger:   logger.With().Str("component", "protocol").Logger(),
		msgRate:  msgRate,
		msgBurst: msgBurst,
	}
}

// Serve owns the receive side of the connection until it closes. Every
// exit path funnels through Registry.Disconnect, which is idempotent,
// so cleanup happens exactly once regardless of what else raced to it.
func (h *ProtocolHandler) Serve(c *Connection) {
	defer h.registry.Disconnect(c)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error().
				Interface("panic", rec).
				Str("connection_id", c.ID).
				Msg("Receive loop panicked")
			h.registry.CloseWithStatus(c, ws.StatusInternalServerError, "internal error")
		}
	}()

	limiter := limits.NewMessageLimiter(h.msgRate, h.msgBurst)

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			// Close frames, peer resets, and our own Disconnect closing
			// the socket all land here. All are normal terminations of
			// the receive loop.
			h.logger.Debug().Err(err).Str("connection_id", c.ID).Msg("Receive loop ended")
			return
		}

		if op != ws.OpText {
			continue
		}

		metricMessagesReceived.Inc()

		if !limiter.Allow() {
			metricRateLimitedMessages.Inc()
			h.logger.Warn().Str("connection_id", c.ID).Msg("Client message rate limited")
			h.reply(c, "error", "too many messages, slow down")
			continue
		}

		h.handleMessage(c, msg)
	}
}

// handleMessage interprets one textual client message. Parse failures
// and unknown types get an error reply and the loop continues; they are
// never grounds for disconnecting.
func (h *ProtocolHandler) handleMessage(c *Connection, data []byte) {
	var req clientMessage
	if err := json.Unmarshal(data, &req); err != nil {
		metricProtocolErrors.Inc()
		h.logger.Warn().
			Str("connection_id", c.ID).
			Err(err).
			Msg("Client sent malformed message")
		h.reply(c, "error", "invalid message: expected a JSON object with a \"type\" field")
		return
	}

	switch req.Type {
	case "subscribe":
		h.warnUnknownFilterKeys(c, req.Filters)
		h.registry.SetSubscription(c, req.Filters)
		h.logger.Info().
			Str("connection_id", c.ID).
			Interface("filters", req.Filters).
			Msg("Client subscribed")

	case "unsubscribe":
		h.registry.ClearSubscription(c)
		h.logger.Info().
			Str("connection_id", c.ID).
			Msg("Client unsubscribed, back to receive-all")

	case "ping":
		h.reply(c, "pong", "")

	case "":
		metricProtocolErrors.Inc()
		h.reply(c, "error", "missing message type")

	default:
		metricProtocolErrors.Inc()
		h.logger.Warn().
			Str("connection_id", c.ID).
			Str("message_type", req.Type).
			Msg("Client sent unknown message type")
		h.reply(c, "error", "unknown message type: "+req.Type)
	}
}

// warnUnknownFilterKeys logs filter keys outside the recognized set.
// They are stored as given and simply never match (fail closed).
func (h *ProtocolHandler) warnUnknownFilterKeys(c *Connection, filters map[string]string) {
	for key := range filters {
		if _, ok := RecognizedFilterKeys[key]; !ok {
			h.logger.Warn().
				Str("connection_id", c.ID).
				Str("filter_key", key).
				Msg("Unrecognized filter key, will never match")
		}
	}
}

func (h *ProtocolHandler) reply(c *Connection, msgType, message string) {
	data, err := controlFrame(msgType, message)
	if err != nil {
		return
	}
	// Best effort: if the queue is full the client is not reading its
	// replies anyway; the dispatcher's strike handling deals with it.
	if err := c.Enqueue(data); err != nil {
		h.logger.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("reply_type", msgType).
			Msg("Dropped control reply")
	}
}
