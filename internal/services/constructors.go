package services

import (
	"fmt"
	"log"

	"github.com/guillemborrell/pylm/internal/component"
	"github.com/guillemborrell/pylm/internal/store"
)

// Common is the set of parameters every concrete constructor below
// shares: identity, palm mode, the shared cache, and the broker address
// to dial.
type Common struct {
	Name       string
	Palm       bool
	Store      store.Store
	BrokerAddr string
	Logger     *log.Logger
}

// PullService: external producer -> broker. Binds a pull socket, no
// external reply.
func PullService(c Common, listenAddr string) (*component.Inbound, error) {
	ing, err := NewBindIngress(listenAddr, false)
	if err != nil {
		return nil, fmt.Errorf("PullService %s: %w", c.Name, err)
	}
	return &component.Inbound{
		Name: c.Name, Palm: c.Palm, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: ing, ExpectReply: false, Logger: c.Logger,
	}, nil
}

// RepService: external req/rep. Binds a reply socket.
func RepService(c Common, listenAddr string) (*component.Inbound, error) {
	ing, err := NewBindIngress(listenAddr, true)
	if err != nil {
		return nil, fmt.Errorf("RepService %s: %w", c.Name, err)
	}
	return &component.Inbound{
		Name: c.Name, Palm: c.Palm, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: ing, ExpectReply: true, Logger: c.Logger,
	}, nil
}

// WorkerPullService: worker results -> broker. Binds a pull socket for
// the worker fleet, no reply. Workers return serialized BrokerMessages
// keyed with the same key they were dispatched under, forwarded
// verbatim so the resilience tap can match completions to dispatches.
func WorkerPullService(c Common, listenAddr string) (*component.Inbound, error) {
	ing, err := NewBindIngress(listenAddr, false)
	if err != nil {
		return nil, fmt.Errorf("WorkerPullService %s: %w", c.Name, err)
	}
	return &component.Inbound{
		Name: c.Name, Passthrough: true, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: ing, ExpectReply: false, Logger: c.Logger,
	}, nil
}

// WorkerPushService: broker -> worker fleet. Binds a push socket that
// workers connect to and round-robins dispatch across them. Workers
// receive the serialized BrokerMessage itself, key included; the
// stash/splice bookkeeping stays on the pipeline's external edges.
func WorkerPushService(c Common, listenAddr string) (*component.Outbound, error) {
	eg, err := NewBindRoundRobinEgress(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("WorkerPushService %s: %w", c.Name, err)
	}
	return &component.Outbound{
		Name: c.Name, Passthrough: true, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: eg, ExpectReply: false, Logger: c.Logger,
	}, nil
}

// PullConnection: external producer -> broker, connecting instead of
// binding (e.g. chained master-to-master wiring).
func PullConnection(c Common, connectAddr string) (*component.Inbound, error) {
	ing, err := NewDialIngress(connectAddr, false)
	if err != nil {
		return nil, fmt.Errorf("PullConnection %s: %w", c.Name, err)
	}
	return &component.Inbound{
		Name: c.Name, Palm: c.Palm, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: ing, ExpectReply: false, Logger: c.Logger,
	}, nil
}

// RepConnection: external req/rep, connecting instead of binding.
func RepConnection(c Common, connectAddr string) (*component.Inbound, error) {
	ing, err := NewDialIngress(connectAddr, true)
	if err != nil {
		return nil, fmt.Errorf("RepConnection %s: %w", c.Name, err)
	}
	return &component.Inbound{
		Name: c.Name, Palm: c.Palm, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: ing, ExpectReply: true, Logger: c.Logger,
	}, nil
}

// PushConnection: broker -> external consumer. Connects out, no reply.
func PushConnection(c Common, connectAddr string) (*component.Outbound, error) {
	eg, err := NewDialEgress(connectAddr, false)
	if err != nil {
		return nil, fmt.Errorf("PushConnection %s: %w", c.Name, err)
	}
	return &component.Outbound{
		Name: c.Name, Palm: c.Palm, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: eg, ExpectReply: false, Logger: c.Logger,
	}, nil
}

// HttpConnection: broker -> HTTP endpoint via a bounded worker pool.
func HttpConnection(c Common, url string, maxWorkers int) *component.Outbound {
	eg := NewHttpEgress(url, maxWorkers, c.Logger)
	return &component.Outbound{
		Name: c.Name, Palm: c.Palm, Store: c.Store, BrokerAddr: c.BrokerAddr,
		External: eg, ExpectReply: true, Logger: c.Logger,
	}
}

// PushBypassConnection and PullBypassConnection are constructed
// directly from BypassPush/BypassPull (egress.go, used by
// internal/sidechannel); they never
// traverse the broker, so there is no component.Inbound/Outbound
// wrapper for them here.
