package broker

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/guillemborrell/pylm/internal/transport"
	"github.com/guillemborrell/pylm/internal/wire"
)

// Conn is a component's connection to one of the broker's two listeners.
// It is not safe for concurrent Call from multiple goroutines -- a
// component owns exactly one broker socket and alternates send/receive
// on it.
type Conn struct {
	name string
	conn net.Conn
	mu   sync.Mutex
}

// Dial connects to addr and sends the handshake frame identifying this
// component as name. Components and the broker's listeners are started
// as sibling goroutines with no ordering guarantee, so Dial retries a
// refused connection for a few seconds before giving up.
func Dial(addr, name string) (*Conn, error) {
	const (
		retryFor  = 5 * time.Second
		retryStep = 50 * time.Millisecond
	)
	deadline := time.Now().Add(retryFor)
	var lastErr error
	for {
		c, err := transport.Dial(addr)
		if err == nil {
			if err := wire.WriteFrame(c, wire.Handshake{Name: name}); err != nil {
				c.Close()
				return nil, fmt.Errorf("broker client: handshake: %w", err)
			}
			return &Conn{name: name, conn: c}, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("broker client: %w", lastErr)
		}
		time.Sleep(retryStep)
	}
}

// Call sends payload and blocks for the broker's single reply -- the
// req/rep half-cycle every inbound component performs once per
// scattered sub-payload.
func (c *Conn) Call(payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := wire.WriteBytes(c.conn, payload); err != nil {
		return nil, fmt.Errorf("broker client: send: %w", err)
	}
	reply, err := wire.ReadBytes(c.conn)
	if err != nil {
		return nil, fmt.Errorf("broker client: recv: %w", err)
	}
	return reply, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
