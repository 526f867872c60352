// Package broker implements the central PALM router: the single
// dispatcher that demultiplexes messages from named inbound components
// to named outbound components with bounded, backpressured buffering.
//
// Routing is single-threaded by construction: every accepted connection
// gets its own reader goroutine, but every reader goroutine only ever
// talks to the dispatcher through two buffered channels (inboundEvents,
// outboundEvents). The dispatch loop itself is a single goroutine
// running one select over those two channels, so one goroutine owns all
// routing decisions and the buffer needs no locking.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/guillemborrell/pylm/internal/transport"
	"github.com/guillemborrell/pylm/internal/wire"
)

// inboundRoute is the registration record for a component whose inbound
// traffic the broker accepts and forwards.
type inboundRoute struct {
	Route string // destination outbound name
	Log   string // side-channel tag; "to_*"/"from_*" additionally feeds the resilience tap
}

// outboundRoute is the registration record for a component the broker
// may deliver routed messages to.
type outboundRoute struct {
	Log string
}

// peer is one accepted, handshaken connection on either listener.
type peer struct {
	name string
	conn net.Conn
}

type inboundEvent struct {
	peer    *peer
	payload []byte
	replyCh chan []byte // dispatcher writes exactly one reply here
}

type outboundEvent struct {
	peer    *peer
	payload []byte
	replyCh chan []byte
}

// Tap, if set, receives a copy of every message routed across a
// registration whose Log tag marks it as worker traffic (see
// RegisterInbound). Returning true suppresses routing of that message:
// the ResilienceService uses this to swallow the duplicate completion a
// re-sent dispatch produces before it can reach the downstream
// outbound. Implementations must not block.
type Tap func(wire.TapFrame) bool

// Router is the PALM broker. Construct with New, register routes, then
// run Run in its own goroutine.
type Router struct {
	maxBufferSize int
	logger        *log.Logger
	tap           Tap

	mu       sync.Mutex // protects the registration tables only; both are read-mostly after setup
	inbound  map[string]inboundRoute
	outbound map[string]outboundRoute

	inboundAddr  string
	outboundAddr string

	inboundEvents  chan inboundEvent
	outboundEvents chan outboundEvent
}

// New constructs a Router bound to inboundAddr and outboundAddr (e.g.
// "tcp://:9101" / "tcp://:9102"). maxBufferSize is clamped to a floor
// of 100.
func New(inboundAddr, outboundAddr string, maxBufferSize int, logger *log.Logger) *Router {
	if maxBufferSize < 100 {
		maxBufferSize = 100
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[broker] ", log.LstdFlags)
	}
	return &Router{
		maxBufferSize:  maxBufferSize,
		logger:         logger,
		inbound:        make(map[string]inboundRoute),
		outbound:       make(map[string]outboundRoute),
		inboundAddr:    inboundAddr,
		outboundAddr:   outboundAddr,
		inboundEvents:  make(chan inboundEvent, 64),
		outboundEvents: make(chan outboundEvent, 64),
	}
}

// SetTap installs the ResilienceService feed. Must be called before Run.
func (r *Router) SetTap(t Tap) { r.tap = t }

// RegisterInbound declares that messages arriving from name are destined
// for component route; an empty route defaults to name itself, the
// self-reply echo case. A logTag of the form "to_*" or "from_*"
// additionally mirrors the traffic to the resilience tap in that
// direction.
func (r *Router) RegisterInbound(name, route, logTag string) {
	if route == "" {
		route = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound[name] = inboundRoute{Route: route, Log: logTag}
}

// RegisterOutbound declares that name may receive routed messages.
func (r *Router) RegisterOutbound(name, logTag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[name] = outboundRoute{Log: logTag}
}

func (r *Router) routeFor(name string) (inboundRoute, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ir, ok := r.inbound[name]
	return ir, ok
}

func (r *Router) isOutbound(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.outbound[name]
	return ok
}

// Run starts both listeners and the dispatch loop. It blocks until ctx
// is cancelled or a listener fails.
func (r *Router) Run(ctx context.Context) error {
	inLis, err := transport.Listen(r.inboundAddr)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer inLis.Close()

	outLis, err := transport.Listen(r.outboundAddr)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer outLis.Close()

	go r.acceptLoop(ctx, inLis, r.serveInbound)
	go r.acceptLoop(ctx, outLis, r.serveOutbound)

	r.dispatch(ctx)
	return nil
}

func (r *Router) acceptLoop(ctx context.Context, lis net.Listener, serve func(context.Context, *peer)) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				r.logger.Printf("accept error on %s: %v", lis.Addr(), err)
				return
			}
		}
		var hs wire.Handshake
		if err := wire.ReadFrame(conn, &hs); err != nil {
			r.logger.Printf("handshake error: %v", err)
			conn.Close()
			continue
		}
		p := &peer{name: hs.Name, conn: conn}
		go serve(ctx, p)
	}
}

// serveInbound reads one payload at a time from an inbound peer,
// forwards it to the dispatcher, waits for the dispatcher's single
// reply, and writes it back -- the req/rep half-cycle contract every
// inbound component relies on.
func (r *Router) serveInbound(ctx context.Context, p *peer) {
	defer p.conn.Close()
	for {
		payload, err := wire.ReadBytes(p.conn)
		if err != nil {
			return
		}
		replyCh := make(chan []byte, 1)
		select {
		case r.inboundEvents <- inboundEvent{peer: p, payload: payload, replyCh: replyCh}:
		case <-ctx.Done():
			return
		}
		select {
		case reply := <-replyCh:
			if err := wire.WriteBytes(p.conn, reply); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// serveOutbound mirrors serveInbound for outbound peers: each payload it
// sends is either the initial availability ping or a reply_feedback
// payload; the dispatcher's reply is the next routed payload (delivered
// immediately if one is buffered, or once an inbound message arrives for
// this peer).
func (r *Router) serveOutbound(ctx context.Context, p *peer) {
	defer p.conn.Close()
	for {
		payload, err := wire.ReadBytes(p.conn)
		if err != nil {
			return
		}
		replyCh := make(chan []byte, 1)
		select {
		case r.outboundEvents <- outboundEvent{peer: p, payload: payload, replyCh: replyCh}:
		case <-ctx.Done():
			return
		}
		select {
		case reply := <-replyCh:
			if err := wire.WriteBytes(p.conn, reply); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// dispatchState is everything the single dispatch goroutine owns
// exclusively -- no locking needed inside dispatch itself.
type dispatchState struct {
	buffer      map[string][][]byte
	waitingPeer map[string]outboundEvent // outbound name -> the peer's pending request, once it has nothing buffered
	buffering   bool
}

func (st *dispatchState) bufferedCount() int {
	n := 0
	for _, q := range st.buffer {
		n += len(q)
	}
	return n
}

// dispatch is the single-threaded event loop. It never touches a socket
// directly; all I/O happens in the per-connection goroutines above. When
// st.buffering is set, inboundEvents is read from a nil channel (never
// selectable) rather than the real one -- the Go analogue of "unregister
// the inbound poller entry": per-peer goroutines block on the channel
// send instead of being serviced, which is how inbound throttling
// actually manifests here.
func (r *Router) dispatch(ctx context.Context) {
	st := &dispatchState{
		buffer:      make(map[string][][]byte),
		waitingPeer: make(map[string]outboundEvent),
	}

	for {
		var inboundCh chan inboundEvent
		if !st.buffering {
			inboundCh = r.inboundEvents
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-r.outboundEvents:
			r.handleOutboundReady(st, ev)
		case ev := <-inboundCh:
			r.handleInboundReady(st, ev)
		}
	}
}

// handleOutboundReady implements dispatch step 2: an outbound peer has
// sent its (empty or feedback) payload and is asking for the next
// message to send externally.
func (r *Router) handleOutboundReady(st *dispatchState, ev outboundEvent) {
	name := ev.peer.name
	if queue, ok := st.buffer[name]; ok && len(queue) > 0 {
		head := queue[0]
		st.buffer[name] = queue[1:]
		ev.replyCh <- head

		if st.buffering && st.bufferedCount() < r.maxBufferSize/10 {
			st.buffering = false
		}
		return
	}
	st.waitingPeer[name] = ev
}

// handleInboundReady implements dispatch step 3.
func (r *Router) handleInboundReady(st *dispatchState, ev inboundEvent) {
	name := ev.peer.name
	route, ok := r.routeFor(name)
	if !ok {
		r.logger.Printf("critical: unknown inbound component %q", name)
		ev.replyCh <- []byte("1")
		return
	}

	if route.Route == name {
		// Self-reply echo: a server registered with no distinct route.
		ev.replyCh <- ev.payload
		return
	}

	if !r.isOutbound(route.Route) {
		r.logger.Printf("critical: unknown outbound route %q (from %q)", route.Route, name)
		ev.replyCh <- []byte("1")
		return
	}

	if r.emitTap(route.Log, ev.payload) {
		// Suppressed duplicate completion: the peer still gets its ack,
		// but nothing is routed downstream.
		ev.replyCh <- []byte("1")
		return
	}

	if waiting, ok := st.waitingPeer[route.Route]; ok {
		delete(st.waitingPeer, route.Route)
		waiting.replyCh <- ev.payload
		ev.replyCh <- []byte("1")
		return
	}

	st.buffer[route.Route] = append(st.buffer[route.Route], ev.payload)
	if st.bufferedCount() >= r.maxBufferSize {
		st.buffering = true
	}
	ev.replyCh <- []byte("1")
}

// emitTap mirrors a routed BrokerMessage to the resilience tap when
// logTag names a worker-traffic direction, and reports whether the tap
// asked for the message to be suppressed. The payload on this path is
// always a serialized BrokerMessage (see internal/component), so its
// real key survives onto the tap rather than the peer's name.
func (r *Router) emitTap(logTag string, payload []byte) bool {
	if r.tap == nil {
		return false
	}
	var dir wire.TapDirection
	switch {
	case strings.HasPrefix(logTag, "to_"):
		dir = wire.TapTo
	case strings.HasPrefix(logTag, "from_"):
		dir = wire.TapFrom
	default:
		return false
	}
	var msg wire.BrokerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	return r.tap(wire.TapFrame{Direction: dir, Message: msg})
}
