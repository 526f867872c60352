// Package services provides the thin per-role policy wrappers:
// PullService, RepService, WorkerPullService, WorkerPushService,
// PullConnection, RepConnection, PushConnection, HttpConnection, and
// the two bypass connections. Each one picks {transport kind,
// bind-or-connect, reply-expected} and hands the result to the generic
// component.Inbound/component.Outbound.
package services

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/guillemborrell/pylm/internal/transport"
	"github.com/guillemborrell/pylm/internal/wire"
)

// BindIngress is an ExternalIngress that binds addr and serves any
// number of producer connections, optionally replying on each one --
// the shared implementation behind PullService/WorkerPullService
// (reply=false) and RepService (reply=true).
type BindIngress struct {
	listener net.Listener
	reply    bool

	events  chan ingressEvent
	mu      sync.Mutex
	pending []chan []byte // reply channels awaiting Reply, FIFO
	closed  bool
}

type ingressEvent struct {
	payload []byte
	replyCh chan []byte // nil when reply is false
}

// NewBindIngress binds addr (a transport endpoint string) and returns an
// ExternalIngress that accepts connections until Close is called.
func NewBindIngress(addr string, expectReply bool) (*BindIngress, error) {
	lis, err := transport.Listen(addr)
	if err != nil {
		return nil, fmt.Errorf("services: bind ingress %s: %w", addr, err)
	}
	ing := &BindIngress{listener: lis, reply: expectReply, events: make(chan ingressEvent, 64)}
	go ing.acceptLoop()
	return ing, nil
}

func (ing *BindIngress) acceptLoop() {
	for {
		conn, err := ing.listener.Accept()
		if err != nil {
			return
		}
		go ing.serve(conn)
	}
}

func (ing *BindIngress) serve(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadBytes(conn)
		if err != nil {
			return
		}
		var replyCh chan []byte
		if ing.reply {
			replyCh = make(chan []byte, 1)
		}
		ing.events <- ingressEvent{payload: payload, replyCh: replyCh}
		if ing.reply {
			reply := <-replyCh
			if err := wire.WriteBytes(conn, reply); err != nil {
				return
			}
		}
	}
}

func (ing *BindIngress) Recv(ctx context.Context) ([]byte, error) {
	select {
	case ev := <-ing.events:
		if ing.reply {
			ing.mu.Lock()
			ing.pending = append(ing.pending, ev.replyCh)
			ing.mu.Unlock()
		}
		return ev.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ing *BindIngress) Reply(payload []byte) error {
	if !ing.reply {
		return nil
	}
	ing.mu.Lock()
	if len(ing.pending) == 0 {
		ing.mu.Unlock()
		return fmt.Errorf("services: Reply called with no pending request")
	}
	ch := ing.pending[0]
	ing.pending = ing.pending[1:]
	ing.mu.Unlock()
	ch <- payload
	return nil
}

func (ing *BindIngress) Close() error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if ing.closed {
		return nil
	}
	ing.closed = true
	return ing.listener.Close()
}

// dialIngress is an ExternalIngress that connects once to addr and
// reads frames from that single connection, optionally writing a reply
// on the same connection before the next read -- the connect-side
// counterpart of BindIngress, used by PullConnection and RepConnection.
type dialIngress struct {
	conn  net.Conn
	reply bool
}

// NewDialIngress dials addr, retrying a refused connection for a few
// seconds for the same reason NewDialEgress does.
func NewDialIngress(addr string, expectReply bool) (*dialIngress, error) {
	conn, err := retryDial(addr)
	if err != nil {
		return nil, fmt.Errorf("services: dial ingress %s: %w", addr, err)
	}
	return &dialIngress{conn: conn, reply: expectReply}, nil
}

func (ing *dialIngress) Recv(ctx context.Context) ([]byte, error) {
	return wire.ReadBytes(ing.conn)
}

func (ing *dialIngress) Reply(payload []byte) error {
	if !ing.reply {
		return nil
	}
	return wire.WriteBytes(ing.conn, payload)
}

func (ing *dialIngress) Close() error {
	return ing.conn.Close()
}
