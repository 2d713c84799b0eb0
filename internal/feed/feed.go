// Package feed consumes assignment change events published by the
// domain backend over NATS and hands them to the broadcast dispatcher.
package feed

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/NexaIT-Poland/RampForge/internal/event"
)

// Dispatcher is the broadcast entry point the feed drives.
type Dispatcher interface {
	Dispatch(ev *event.Event)
}

// Source subscribes to the assignment event subject and decodes each
// published message into a domain event.
type Source struct {
	conn       *nats.Conn
	sub        *nats.Subscription
	subject    string
	dispatcher Dispatcher
	logger     zerolog.Logger

	closed chan struct{} // closed by the NATS ClosedHandler
}

// NewSource connects to NATS with reconnect handling. The subscription
// starts on Start.
func NewSource(url, subject string, dispatcher Dispatcher, logger zerolog.Logger) (*Source, error) {
	s := &Source{
		subject:    subject,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "feed").Logger(),
		closed:     make(chan struct{}),
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.logger.Info().Msg("NATS connection closed")
			close(s.closed)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	s.conn = conn

	return s, nil
}

// Start subscribes to the event subject.
func (s *Source) Start() error {
	sub, err := s.conn.Subscribe(s.subject, s.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	s.sub = sub

	s.logger.Info().Str("subject", s.subject).Msg("Event feed started")
	return nil
}

// handleMessage decodes one published event and dispatches it. A
// malformed message is logged and skipped; the producer owns the
// contract, the gateway just refuses to forward garbage.
func (s *Source) handleMessage(m *nats.Msg) {
	ev, err := event.Decode(m.Data)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("subject", m.Subject).
			Int("bytes", len(m.Data)).
			Msg("Dropping undecodable event")
		return
	}
	s.dispatcher.Dispatch(ev)
}

// Stop drains the connection and waits for it to close. Drain is
// asynchronous: it finishes delivering pending messages to the
// subscription, then closes the connection itself, which fires the
// ClosedHandler.
func (s *Source) Stop() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("NATS drain failed, closing connection")
		s.conn.Close()
		return
	}
	s.waitClosed(5 * time.Second)
}

// waitClosed blocks until the ClosedHandler fires or the timeout
// passes, forcing the connection closed in the latter case.
func (s *Source) waitClosed(timeout time.Duration) {
	select {
	case <-s.closed:
	case <-time.After(timeout):
		s.logger.Warn().Dur("timeout", timeout).Msg("NATS drain timed out, forcing close")
		if s.conn != nil {
			s.conn.Close()
		}
	}
}
