// Package wire defines the two envelope types that travel through a PALM
// deployment and the length-prefixed codec used to put them on a socket.
//
// PalmMessage is the end-to-end envelope produced by clients and consumed
// by servers. BrokerMessage is the stripped envelope that actually crosses
// the broker: everything but {key, payload} is stashed in the cache at
// ingress and spliced back in at egress (see internal/component).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize guards against a corrupt or hostile length prefix turning a
// single frame into an unbounded allocation.
const maxFrameSize = 64 << 20

// PalmMessage is the full client-facing envelope: routing topic,
// pipeline correlation, function selector, a stage counter, opaque
// payload bytes, and an optional cache key.
//
// Cache is a pointer so that presence is observable on the wire: a nil
// Cache marshals to an absent field (via omitempty), while a non-nil
// pointer to an empty string marshals to an explicit empty string,
// keeping "absent" and "empty" distinguishable on both ends.
type PalmMessage struct {
	Client   string  `json:"client,omitempty"`
	Pipeline string  `json:"pipeline,omitempty"`
	Function string  `json:"function"`
	Stage    int     `json:"stage,omitempty"`
	Payload  []byte  `json:"payload"`
	Cache    *string `json:"cache,omitempty"`
}

// HasCache reports whether the cache field was set explicitly.
func (m *PalmMessage) HasCache() bool {
	return m.Cache != nil
}

// CacheKey returns the cache field value and whether it was present.
func (m *PalmMessage) CacheKey() (string, bool) {
	if m.Cache == nil {
		return "", false
	}
	return *m.Cache, true
}

// SetCache sets an explicit cache key, making it observably present.
func (m *PalmMessage) SetCache(key string) {
	m.Cache = &key
}

// BrokerMessage is the stripped envelope that traverses the broker: a
// fresh unique key minted at ingress, and the opaque payload.
type BrokerMessage struct {
	Key     string `json:"key"`
	Payload []byte `json:"payload"`
}

// TapDirection identifies which leg of broker<->worker traffic a
// ResilienceService tap frame mirrors.
type TapDirection string

const (
	TapTo   TapDirection = "to"
	TapFrom TapDirection = "from"
)

// TapFrame is the two-part frame the broker mirrors to the
// ResilienceService for every message dispatched to, or returned from, a
// worker.
type TapFrame struct {
	Direction TapDirection  `json:"direction"`
	Message   BrokerMessage `json:"message"`
}

// WriteFrame writes v to w as a four-byte big-endian length prefix
// followed by its JSON encoding.
func WriteFrame(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: encode frame: %w", err)
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(data), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed JSON frame from r into v.
func ReadFrame(r io.Reader, v interface{}) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("wire: read frame body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("wire: decode frame: %w", err)
	}
	return nil
}

// ErrDecode is returned (wrapped) when a payload fails to decode as a
// PalmMessage/BrokerMessage (see internal/envelope and
// internal/component), so callers can treat it as the documented
// decode-error case rather than a transport failure.
var ErrDecode = errors.New("wire: decode error")

// WriteBytes writes a raw length-prefixed payload with no JSON envelope,
// used on the broker<->component hot path once a connection has already
// identified its peer at handshake (see Handshake).
func WriteBytes(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(data), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadBytes reads one raw length-prefixed payload.
func ReadBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return data, nil
}

// Handshake is the single frame a peer sends immediately after dialing
// either of the broker's two listeners, identifying itself by name. Every
// subsequent frame on that connection is a raw payload (see WriteBytes /
// ReadBytes); no per-message peer-identity frame is needed because the
// connection itself carries that identity.
type Handshake struct {
	Name string `json:"name"`
}
