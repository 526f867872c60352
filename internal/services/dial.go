package services

import (
	"fmt"
	"net"
	"time"

	"github.com/guillemborrell/pylm/internal/transport"
)

// retryDial mirrors broker.Dial's connection-refused retry: a chained
// topology's upstream master may start dialing a downstream master's
// pull address before that master has bound its listener, and sibling
// goroutines give no ordering guarantee.
func retryDial(addr string) (net.Conn, error) {
	const (
		retryFor  = 5 * time.Second
		retryStep = 50 * time.Millisecond
	)
	deadline := time.Now().Add(retryFor)
	var lastErr error
	for {
		conn, err := transport.Dial(addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("services: dial %s: %w", addr, lastErr)
		}
		time.Sleep(retryStep)
	}
}
