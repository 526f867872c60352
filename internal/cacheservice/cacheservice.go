// Package cacheservice exposes the process cache over the network as a
// reply socket using PalmMessage framing, bypassing the broker entirely
// -- the operations are get/set/delete against the shared store, not
// pipeline traffic.
package cacheservice

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/guillemborrell/pylm/internal/services"
	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/wire"
)

// Service is the CacheService component. Construct with New and run it
// in its own goroutine with Run.
type Service struct {
	name   string
	ingest *services.BindIngress
	store  store.Store
	logger *log.Logger
}

// New binds listenAddr as a reply socket serving get/set/delete against
// s, identified by name in logs.
func New(name, listenAddr string, s store.Store, logger *log.Logger) (*Service, error) {
	ing, err := services.NewBindIngress(listenAddr, true)
	if err != nil {
		return nil, fmt.Errorf("cacheservice %s: %w", name, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", name), log.LstdFlags)
	}
	return &Service{name: name, ingest: ing, store: s, logger: logger}, nil
}

// Run serves requests until ctx is cancelled.
func (svc *Service) Run(ctx context.Context) error {
	defer svc.ingest.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		raw, err := svc.ingest.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			svc.logger.Printf("receive error: %v", err)
			continue
		}
		reply := svc.handle(raw)
		if err := svc.ingest.Reply(reply); err != nil {
			svc.logger.Printf("reply error: %v", err)
		}
	}
}

// handle dispatches one PalmMessage request. function is decoded as
// "<anything>.<op>" with op in {set, get, delete}; an unknown op logs
// and replies with the empty sentinel.
func (svc *Service) handle(raw []byte) []byte {
	var msg wire.PalmMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		svc.logger.Printf("decode error: %v", err)
		return nil
	}

	parts := strings.SplitN(msg.Function, ".", 2)
	op := msg.Function
	if len(parts) == 2 {
		op = parts[1]
	}

	switch op {
	case "set":
		key, ok := msg.CacheKey()
		if !ok {
			key = uuid.New().String()
		}
		if err := svc.store.Set(key, msg.Payload); err != nil {
			svc.logger.Printf("set error: %v", err)
			return nil
		}
		return []byte(key)

	case "get":
		key := string(msg.Payload)
		value, ok, err := svc.store.Get(key)
		if err != nil {
			svc.logger.Printf("get error: %v", err)
			return nil
		}
		if !ok {
			return nil // empty-frame sentinel for a miss
		}
		return value

	case "delete":
		key := string(msg.Payload)
		if err := svc.store.Delete(key); err != nil {
			svc.logger.Printf("delete error: %v", err)
			return nil
		}
		return []byte(key)

	default:
		svc.logger.Printf("unknown cache operation %q", op)
		return nil
	}
}
