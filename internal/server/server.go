// Package server assembles a standalone (non-master) PALM process: a
// pull-in/push-out stage that dispatches each message to a registered
// handler, with its own cache service and side-channel collectors, but
// no broker, no worker fleet, and no resilience tap.
//
// Business logic is attached by name: Register binds a handler to the
// method half of the PalmMessage function selector, and the receive
// loop invokes it per message, forwarding the handler's result
// downstream. A handler failure never stops the loop -- unknown
// functions and panicking handlers degrade the forwarded payload to
// the "0" sentinel and keep going. In opaque (non-palm) mode there is
// no function selector to dispatch on, so payloads relay unchanged.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/guillemborrell/pylm/internal/cacheservice"
	"github.com/guillemborrell/pylm/internal/config"
	"github.com/guillemborrell/pylm/internal/services"
	"github.com/guillemborrell/pylm/internal/sidechannel"
	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/wire"
)

// Handler is one registered server method. It receives the message
// payload and the envelope's cache key (empty when the envelope carries
// none) and returns the payload to forward downstream.
type Handler func(payload []byte, cacheKey string) []byte

// Server owns a pull-in/push-out dispatch stage and the ambient side
// channels every PALM process exposes.
type Server struct {
	cfg    *config.ServerConfig
	logger *log.Logger

	ingest *services.BindIngress
	egress *pushEgress

	handlers map[string]Handler

	cache         *cacheservice.Service
	logCollector  *sidechannel.LogCollector
	pingCollector *sidechannel.PingCollector
	pinger        *sidechannel.Pinger
	perfCollector *sidechannel.PerformanceCollector
}

// pushEgress adapts services' connect-side egress for the dispatch loop
// below, which neither scatters nor expects a reply.
type pushEgress struct {
	conn interface {
		Send(ctx context.Context, payloads [][]byte) ([]byte, error)
		Close() error
	}
}

// New assembles a Server from cfg: it binds cfg.PullAddress and connects
// to cfg.NextAddress. Handlers are attached with Register before Run;
// a palm-mode server with no handlers degrades every message to the
// "0" sentinel, since every function is then unknown.
func New(cfg *config.ServerConfig, s store.Store, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", cfg.Name), log.LstdFlags)
	}

	ingest, err := services.NewBindIngress(cfg.PullAddress, false)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	conn, err := services.NewDialEgress(cfg.NextAddress, false)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}

	cache, err := cacheservice.New(cfg.Name, cfg.DBAddress, s, logger)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}

	pingCollector, err := sidechannel.NewPingCollector(cfg.PingAddress)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	pinger, err := sidechannel.NewPinger(cfg.PingAddress, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	logCollector, err := sidechannel.NewLogCollector(cfg.LogAddress, logger)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}
	perfCollector, err := sidechannel.NewPerformanceCollector(cfg.PerfAddress, logger)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", cfg.Name, err)
	}

	return &Server{
		cfg:           cfg,
		logger:        logger,
		ingest:        ingest,
		egress:        &pushEgress{conn: conn},
		handlers:      make(map[string]Handler),
		cache:         cache,
		logCollector:  logCollector,
		pingCollector: pingCollector,
		pinger:        pinger,
		perfCollector: perfCollector,
	}, nil
}

// Register binds h to name, the method half of the "<server>.<method>"
// function selector. Must be called before Run; a later registration
// under the same name replaces the earlier one.
func (s *Server) Register(name string, h Handler) {
	s.handlers[name] = h
}

// relay reads ingest, dispatches every payload (palm mode) or forwards
// it unchanged (opaque mode), and loops until ctx is cancelled or
// Messages (if positive) receives have been processed.
func (s *Server) relay(ctx context.Context) error {
	for i := 0; s.cfg.Messages <= 0 || i < s.cfg.Messages; i++ {
		payload, err := s.ingest.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("ingest receive error: %v", err)
			continue
		}
		out := payload
		if s.cfg.Palm {
			out = s.dispatch(payload)
		}
		if _, err := s.egress.conn.Send(ctx, [][]byte{out}); err != nil {
			s.logger.Printf("egress send failed: %v", err)
		}
	}
	return nil
}

// dispatch decodes the PalmMessage, runs the handler its function
// selector names, splices the result back into the envelope, and bumps
// the stage counter. A message that cannot be decoded is dropped and a
// bare zero byte forwarded in its place.
func (s *Server) dispatch(raw []byte) []byte {
	var msg wire.PalmMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Printf("decode error, dropping message: %v", err)
		return []byte("0")
	}

	msg.Payload = s.callHandler(&msg)
	msg.Stage++

	out, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("encode error: %v", err)
		return []byte("0")
	}
	return out
}

// callHandler resolves and invokes the registered handler for msg. An
// unknown function name and a panicking handler both degrade to the
// "0" payload; the panic is logged with its stack so the failure is
// diagnosable without taking the process down.
func (s *Server) callHandler(msg *wire.PalmMessage) (result []byte) {
	parts := strings.SplitN(msg.Function, ".", 2)
	name := msg.Function
	if len(parts) == 2 {
		name = parts[1]
	}

	h, ok := s.handlers[name]
	if !ok {
		s.logger.Printf("unknown function %q", msg.Function)
		return []byte("0")
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("handler %q panicked: %v\n%s", name, r, debug.Stack())
			result = []byte("0")
		}
	}()

	key, _ := msg.CacheKey()
	return h(msg.Payload, key)
}

// Run starts the dispatch loop and every side channel as its own
// goroutine, blocking until ctx is cancelled or the first one returns,
// passing on its result (nil once a bounded relay loop has finished).
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 5)

	go func() { errs <- s.relay(ctx) }()
	go func() { errs <- s.cache.Run(ctx) }()
	go func() { s.pinger.Run(ctx); errs <- nil }()
	go func() { errs <- s.pingCollector.Run(ctx) }()
	go func() { errs <- s.logCollector.Run(ctx) }()
	go func() { errs <- s.perfCollector.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}
