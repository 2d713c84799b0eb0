package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/NexaIT-Poland/RampForge/internal/auth"
	"github.com/NexaIT-Poland/RampForge/internal/config"
	"github.com/NexaIT-Poland/RampForge/internal/limits"
)

// Server ties the gate, registry, protocol handler, and dispatcher to
// the HTTP surface: /ws (upgrade), /ws/stats, /healthz, /metrics.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	gate       *auth.Gate
	registry   *Registry
	protocol   *ProtocolHandler
	dispatcher *Dispatcher

	connLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard

	listener net.Listener
	httpSrv  *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// shutdownMu orders handler admission against shutdown: a handler
	// adds to wg only while holding the read lock with the flag unset,
	// so no wg.Add can race Shutdown's wg.Wait.
	shutdownMu   sync.RWMutex
	shuttingDown bool
}

func NewServer(cfg *config.Config, verifier auth.TokenVerifier, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	registry := NewRegistry(RegistryOptions{
		SendBufferSize: cfg.SendBufferSize,
		WriteWait:      cfg.WriteWait,
	}, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "server").Logger(),
		gate:       auth.NewGate(verifier, logger),
		registry:   registry,
		protocol:   NewProtocolHandler(registry, cfg.ClientMessageRate, cfg.ClientMessageBurst, logger),
		dispatcher: NewDispatcher(registry, logger),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.guard = limits.NewResourceGuard(cfg.MaxConnections, cfg.CPURejectThreshold, registry.LiveCount(), logger)

	if cfg.ConnRateLimitEnabled {
		s.connLimiter = limits.NewConnectionRateLimiter(limits.ConnectionRateLimiterConfig{
			IPRate:  cfg.ConnRateLimitIPRate,
			IPBurst: cfg.ConnRateLimitIPBurst,
			Logger:  logger,
		})
	}

	return s
}

// Dispatcher exposes the broadcast entry point for the event feed.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Registry exposes the connection registry for introspection.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start begins listening and serving. Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/ws/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		MaxHeaderBytes: 1 << 20,
	}

	s.guard.StartMonitoring(s.ctx, s.cfg.MetricsInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_connections", s.cfg.MaxConnections).
		Msg("Gateway listening")

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// acquireHandler registers one in-flight connection handler with the
// server's wait group, refusing once shutdown has begun. Every success
// must be paired with exactly one wg.Done.
func (s *Server) acquireHandler() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	if s.shuttingDown {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) beginShutdown() {
	s.shutdownMu.Lock()
	s.shuttingDown = true
	s.shutdownMu.Unlock()
}

// handleWebSocket admits, upgrades, and authenticates one inbound
// connection, then hands its receive side to the protocol handler.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if !s.acquireHandler() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.wg.Done()
		}
	}()

	if s.connLimiter != nil && !s.connLimiter.Allow(clientIP) {
		metricConnectionsRejected.WithLabelValues("rate_limit").Inc()
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if ok, reason := s.guard.ShouldAcceptConnection(); !ok {
		metricConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().Str("client_ip", clientIP).Str("reason", reason).Msg("Connection rejected by resource guard")
		http.Error(w, "Server overloaded", http.StatusServiceUnavailable)
		return
	}

	// When the token rides in Sec-WebSocket-Protocol, the handshake must
	// echo that element or browser clients abort the negotiation.
	tokenProto := s.gate.TokenProtocol(r)
	upgrader := ws.HTTPUpgrader{}
	if tokenProto != "" {
		upgrader.Protocol = func(p string) bool { return p == tokenProto }
	}

	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		metricConnectionsRejected.WithLabelValues("upgrade").Inc()
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	identity, err := s.gate.Authenticate(r)
	if err != nil {
		// Policy violation, closed before the connection ever enters the
		// registry or exchanges a protocol message.
		metricConnectionsRejected.WithLabelValues("auth").Inc()
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Msg("Connection rejected: authentication failed")

		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
		body := ws.NewCloseFrameBody(ws.StatusPolicyViolation, "Authentication required")
		ws.WriteFrame(conn, ws.NewCloseFrame(body))
		conn.Close()
		return
	}

	c := s.registry.Connect(identity, conn)

	// The handler's wait group unit transfers to the serve goroutine.
	handedOff = true
	go func() {
		defer s.wg.Done()
		s.protocol.Serve(c)
	}()
}

// handleStats serves the introspection endpoint.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"active_connections": s.registry.Count(),
		"clients":            s.registry.Summaries(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"active_connections": s.registry.Count(),
		"cpu_pct":            s.guard.CurrentCPU(),
	})
}

// Shutdown stops accepting connections, waits for clients to leave
// within the grace period, then force-closes whoever remains.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.beginShutdown()

	if s.listener != nil {
		s.listener.Close()
	}

	deadline := time.NewTimer(s.cfg.ShutdownGrace)
	check := time.NewTicker(time.Second)
	defer deadline.Stop()
	defer check.Stop()

drain:
	for {
		select {
		case <-deadline.C:
			remaining := s.registry.Count()
			if remaining > 0 {
				s.logger.Warn().
					Int("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-check.C:
			if s.registry.Count() == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
		}
	}

	s.registry.CloseAll(ws.StatusGoingAway, "server shutting down")

	// WebSocket connections are hijacked, so this only reaps idle
	// keep-alive connections on the stats and metrics endpoints.
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.cancel()

	if s.connLimiter != nil {
		s.connLimiter.Stop()
	}

	s.registry.Wait()
	s.wg.Wait()

	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// clientIP prefers X-Forwarded-For (set by load balancers) over the
// socket peer address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
