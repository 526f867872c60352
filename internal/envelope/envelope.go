// Package envelope implements the stash/splice bookkeeping that lets a
// full PalmMessage survive its trip through the broker as a stripped
// BrokerMessage.
//
// At ingress, a component in palm mode parses the inbound PalmMessage,
// mints a fresh key, stashes the full envelope in the shared cache under
// that key, and hands the broker only {key, payload}. At egress, the
// counterpart component fetches the stashed envelope by key, splices in
// the new payload, and deletes the stash entry -- explicit deletion, so
// the cache never needs to evict stash entries on its own.
//
// Called by: internal/component's Inbound/Outbound translation hooks.
// Calls: internal/store.Store, github.com/google/uuid, internal/wire.
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/wire"
)

// stashPrefix namespaces envelope-stash keys away from user-set cache
// keys sharing the same backing store.
const stashPrefix = "stash:"

// Stash parses raw as a PalmMessage (when palm is true) and stores it in
// the cache under a fresh key, returning the BrokerMessage that should
// actually cross the broker. When palm is false, raw is wrapped as an
// opaque payload under a fresh key with no stash performed.
func Stash(s store.Store, palm bool, raw []byte) (wire.BrokerMessage, error) {
	key := stashPrefix + uuid.New().String()

	if !palm {
		return wire.BrokerMessage{Key: key, Payload: raw}, nil
	}

	var msg wire.PalmMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return wire.BrokerMessage{}, fmt.Errorf("%w: %v", wire.ErrDecode, err)
	}

	serialized, err := json.Marshal(msg)
	if err != nil {
		return wire.BrokerMessage{}, fmt.Errorf("envelope: re-encode stash: %w", err)
	}
	if err := s.Set(key, serialized); err != nil {
		return wire.BrokerMessage{}, fmt.Errorf("envelope: stash: %w", err)
	}

	return wire.BrokerMessage{Key: key, Payload: msg.Payload}, nil
}

// Splice fetches the stashed PalmMessage for msg.Key, replaces its
// Payload with msg.Payload, deletes the stash entry, and returns the
// re-serialized PalmMessage ready to send externally. When palm is
// false, msg.Payload is returned unchanged and nothing is deleted.
func Splice(s store.Store, palm bool, msg wire.BrokerMessage) ([]byte, error) {
	if !palm {
		return msg.Payload, nil
	}

	stashed, ok, err := s.Get(msg.Key)
	if err != nil {
		return nil, fmt.Errorf("envelope: fetch stash: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("envelope: stash key %q not found", msg.Key)
	}

	var original wire.PalmMessage
	if err := json.Unmarshal(stashed, &original); err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrDecode, err)
	}
	original.Payload = msg.Payload

	out, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("envelope: re-encode spliced message: %w", err)
	}

	if err := s.Delete(msg.Key); err != nil {
		return nil, fmt.Errorf("envelope: delete stash: %w", err)
	}
	return out, nil
}
