// Package resilience implements the ResilienceService: it observes the
// broker's mirrored worker traffic and re-sends anything that has gone
// unanswered for too long, giving the pipeline at-least-once delivery to
// workers with at-most-once completion accepted downstream.
//
// The flush tick is a time.Ticker read in the same goroutine that owns
// the waiting/resent/omit maps; the tick itself needs no socket and no
// framing.
package resilience

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/guillemborrell/pylm/internal/wire"
)

// Resend is called once per stale key with its original payload; the
// Master wires this to re-inject the payload through the broker's
// inbound side exactly as a fresh message.
type Resend func(key string, payload []byte)

// Service tracks in-flight worker dispatches and re-sends stale ones on
// a fixed interval.
type Service struct {
	flushInterval time.Duration
	resend        Resend
	logger        *log.Logger

	mu      sync.Mutex
	waiting map[string][]byte
	resent  map[string][]byte
	omit    map[string]struct{}

	messagesResent int
}

// New constructs a ResilienceService with the given flush interval
// (10 seconds if zero is passed) and the callback used to re-inject
// stale payloads.
func New(flushInterval time.Duration, resend Resend, logger *log.Logger) *Service {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[resilience] ", log.LstdFlags)
	}
	return &Service{
		flushInterval: flushInterval,
		resend:        resend,
		logger:        logger,
		waiting:       make(map[string][]byte),
		resent:        make(map[string][]byte),
		omit:          make(map[string]struct{}),
	}
}

// Tap is the broker.Tap this service installs to observe mirrored
// traffic. It returns true when the frame is the duplicate completion a
// re-sent key owes us, telling the broker to swallow it instead of
// routing it downstream: the first completion after a re-send is
// suppressed, the one after that passes through normally, so each
// re-sent key is suppressed exactly once. It must never block, so it
// only ever touches its own maps under a short-lived lock.
func (s *Service) Tap(frame wire.TapFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := frame.Message.Key
	switch frame.Direction {
	case wire.TapTo:
		// A key already in resent or omit is our own re-injection
		// crossing the broker again, not a new dispatch; re-adding it to
		// waiting would re-send it on every flush forever.
		if _, ok := s.resent[key]; ok {
			return false
		}
		if _, ok := s.omit[key]; ok {
			return false
		}
		s.waiting[key] = frame.Message.Payload

	case wire.TapFrom:
		delete(s.waiting, key)
		if _, ok := s.resent[key]; ok {
			delete(s.resent, key)
			s.omit[key] = struct{}{}
			return true
		}
		if _, ok := s.omit[key]; ok {
			delete(s.omit, key)
			return false
		}
	}
	return false
}

// Run drives the flush ticker until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// flush re-sends every key still in waiting, moving each to resent so
// its eventual return is deduplicated.
func (s *Service) flush() {
	s.mu.Lock()
	stale := make(map[string][]byte, len(s.waiting))
	for k, v := range s.waiting {
		stale[k] = v
	}
	for k, v := range stale {
		delete(s.waiting, k)
		s.resent[k] = v
		s.messagesResent++
	}
	s.mu.Unlock()

	for k, v := range stale {
		s.resend(k, v)
	}
	if len(stale) > 0 {
		s.logger.Printf("re-sent %d stale message(s) (%d total since start)", len(stale), s.messagesResent)
	}
}
