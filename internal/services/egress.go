package services

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/guillemborrell/pylm/internal/transport"
	"github.com/guillemborrell/pylm/internal/wire"
)

// dialEgress is an ExternalEgress that connects once to addr and sends
// every scattered sub-payload over that connection, optionally reading
// back a reply -- the implementation behind PushConnection
// (reply=false); with reply=true it acts as a req/rep client.
type dialEgress struct {
	mu    sync.Mutex
	conn  net.Conn
	reply bool
}

// NewDialEgress dials addr, retrying a refused connection for a few
// seconds (a downstream master or sink in a chained topology may not
// have bound its listener yet), so construction failures reported to the
// caller are genuine.
func NewDialEgress(addr string, expectReply bool) (*dialEgress, error) {
	conn, err := retryDial(addr)
	if err != nil {
		return nil, fmt.Errorf("services: dial egress %s: %w", addr, err)
	}
	return &dialEgress{conn: conn, reply: expectReply}, nil
}

func (eg *dialEgress) Send(ctx context.Context, payloads [][]byte) ([]byte, error) {
	eg.mu.Lock()
	defer eg.mu.Unlock()

	var last []byte
	for _, p := range payloads {
		if err := wire.WriteBytes(eg.conn, p); err != nil {
			return nil, fmt.Errorf("services: send: %w", err)
		}
		if eg.reply {
			reply, err := wire.ReadBytes(eg.conn)
			if err != nil {
				return nil, fmt.Errorf("services: recv reply: %w", err)
			}
			last = reply
		}
	}
	if !eg.reply {
		return []byte("1"), nil
	}
	return last, nil
}

func (eg *dialEgress) Close() error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	return eg.conn.Close()
}

// BypassPush is a fire-and-forget side-channel emitter: it never
// traverses the broker and never expects a reply. Used by LogCollector
// emitters, the Pinger, and PerformanceCollector reporting.
type BypassPush struct {
	mu   sync.Mutex
	conn net.Conn
}

// NewBypassPush dials addr for one-way delivery.
func NewBypassPush(addr string) (*BypassPush, error) {
	conn, err := transport.Dial(addr)
	if err != nil {
		return nil, fmt.Errorf("services: bypass push %s: %w", addr, err)
	}
	return &BypassPush{conn: conn}, nil
}

// Send writes payload with no reply expected. Drops are permitted under
// backpressure per the side-channel contract, so a write error is
// reported but not retried.
func (p *BypassPush) Send(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wire.WriteBytes(p.conn, payload)
}

func (p *BypassPush) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}

// bindRoundRobinEgress binds addr and dispatches each outbound send to
// the next connected worker in round-robin order -- the behavior of a
// bound push socket with an arbitrary number of connecting workers
// pulling jobs, used by WorkerPushService.
type bindRoundRobinEgress struct {
	listener net.Listener

	mu      sync.Mutex
	workers []net.Conn
	next    int
}

// NewBindRoundRobinEgress binds addr and accepts worker connections
// until Close is called.
func NewBindRoundRobinEgress(addr string) (*bindRoundRobinEgress, error) {
	lis, err := transport.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("services: worker push bind %s: %w", addr, err)
	}
	eg := &bindRoundRobinEgress{listener: lis}
	go eg.acceptLoop()
	return eg, nil
}

func (eg *bindRoundRobinEgress) acceptLoop() {
	for {
		conn, err := eg.listener.Accept()
		if err != nil {
			return
		}
		eg.mu.Lock()
		eg.workers = append(eg.workers, conn)
		eg.mu.Unlock()
	}
}

func (eg *bindRoundRobinEgress) Send(ctx context.Context, payloads [][]byte) ([]byte, error) {
	for _, p := range payloads {
		eg.mu.Lock()
		if len(eg.workers) == 0 {
			eg.mu.Unlock()
			return nil, fmt.Errorf("services: no workers connected")
		}
		conn := eg.workers[eg.next%len(eg.workers)]
		eg.next++
		eg.mu.Unlock()

		if err := wire.WriteBytes(conn, p); err != nil {
			return nil, fmt.Errorf("services: send to worker: %w", err)
		}
	}
	return []byte("1"), nil
}

func (eg *bindRoundRobinEgress) Close() error {
	eg.mu.Lock()
	defer eg.mu.Unlock()
	for _, c := range eg.workers {
		c.Close()
	}
	return eg.listener.Close()
}

// BypassPull is the receiving half of a side channel: bind and loop
// receiving frames, with no broker involvement and no reply.
type BypassPull struct {
	listener net.Listener
	events   chan []byte
}

// NewBypassPull binds addr and begins accepting fire-and-forget senders.
func NewBypassPull(addr string) (*BypassPull, error) {
	lis, err := transport.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("services: bypass pull %s: %w", addr, err)
	}
	bp := &BypassPull{listener: lis, events: make(chan []byte, 64)}
	go bp.acceptLoop()
	return bp, nil
}

func (bp *BypassPull) acceptLoop() {
	for {
		conn, err := bp.listener.Accept()
		if err != nil {
			return
		}
		go bp.serve(conn)
	}
}

func (bp *BypassPull) serve(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadBytes(conn)
		if err != nil {
			return
		}
		bp.events <- payload
	}
}

// Recv blocks for the next frame or ctx cancellation.
func (bp *BypassPull) Recv(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-bp.events:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (bp *BypassPull) Close() error {
	return bp.listener.Close()
}
