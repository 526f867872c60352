// Package component implements the two generic half-duplex component
// shapes every concrete Service/Connection in internal/services is built
// from: ComponentInbound, which scatters an external message into broker
// round-trips, and ComponentOutbound, which does the reverse.
//
// Socket policy is composition, not inheritance: a socket kind and
// bind/connect/reply choice is a small configuration record (see
// internal/services), and the scatter/handle-feedback/reply-feedback
// hooks are injected functions with defaults rather than overridden
// methods.
package component

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/guillemborrell/pylm/internal/broker"
	"github.com/guillemborrell/pylm/internal/envelope"
	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/wire"
)

func marshalBrokerMessage(msg wire.BrokerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func unmarshalBrokerMessage(data []byte) (wire.BrokerMessage, error) {
	var msg wire.BrokerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wire.BrokerMessage{}, fmt.Errorf("%w: %v", wire.ErrDecode, err)
	}
	return msg, nil
}

// Scatter expands one external payload into one or more broker
// round-trips. The default yields the input once.
type Scatter func(payload []byte) [][]byte

// HandleFeedback observes the broker's reply to one scattered
// sub-payload. The default does nothing.
type HandleFeedback func(feedback []byte)

// ReplyFeedback produces the bytes an inbound component sends back on
// its external socket once all of an input's scattered round-trips have
// completed, when the external socket expects a reply. The default
// returns the last feedback observed.
type ReplyFeedback func() []byte

func defaultScatter(payload []byte) [][]byte { return [][]byte{payload} }
func defaultHandleFeedback([]byte)            {}

// ExternalIngress is the external-facing half of an Inbound component:
// one payload per call, with an optional reply when the socket kind
// expects one (see internal/services for which kinds do).
type ExternalIngress interface {
	Recv(ctx context.Context) ([]byte, error)
	Reply(payload []byte) error
	Close() error
}

// ExternalEgress is the external-facing half of an Outbound component.
type ExternalEgress interface {
	Send(ctx context.Context, payloads [][]byte) ([]byte, error) // returns aggregated feedback, if the socket kind expects one
	Close() error
}

// Inbound is the generic ingress component: it owns one external socket
// and one broker connection, and for every external message it performs
// exactly len(Scatter(payload)) broker round-trips before, at most, one
// external reply.
//
// Passthrough marks a worker-facing component (WorkerPullService): the
// bytes it receives externally are already serialized BrokerMessages
// returned by the worker fleet, carrying the key minted at the
// pipeline's real ingress. They are forwarded verbatim -- no fresh key,
// no stash -- so the resilience tap can correlate a worker's completion
// with the dispatch it answers.
type Inbound struct {
	Name        string
	Palm        bool
	Passthrough bool
	Store       store.Store
	BrokerAddr  string
	External    ExternalIngress
	ExpectReply bool
	Scatter     Scatter
	HandleFeedback
	ReplyFeedback ReplyFeedback
	Logger        *log.Logger

	lastFeedback []byte
}

// Run drives the receive/scatter/round-trip/reply loop until ctx is
// cancelled or messages inbound messages have been processed (messages
// <= 0 means unbounded, the production default).
func (in *Inbound) Run(ctx context.Context, messages int) error {
	if in.Scatter == nil {
		in.Scatter = defaultScatter
	}
	if in.HandleFeedback == nil {
		in.HandleFeedback = defaultHandleFeedback
	}
	if in.ReplyFeedback == nil {
		in.ReplyFeedback = func() []byte { return in.lastFeedback }
	}
	if in.Logger == nil {
		in.Logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", in.Name), log.LstdFlags)
	}

	conn, err := broker.Dial(in.BrokerAddr, in.Name)
	if err != nil {
		return fmt.Errorf("component %s: %w", in.Name, err)
	}
	defer conn.Close()

	for i := 0; messages <= 0 || i < messages; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		payload, err := in.External.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.Logger.Printf("external receive error: %v", err)
			continue
		}

		for _, sub := range in.Scatter(payload) {
			var wireMsg []byte
			if in.Passthrough {
				if _, err := unmarshalBrokerMessage(sub); err != nil {
					in.Logger.Printf("decode error, dropping message: %v", err)
					continue
				}
				wireMsg = sub
			} else {
				brokerMsg, err := envelope.Stash(in.Store, in.Palm, sub)
				if err != nil {
					in.Logger.Printf("decode error, dropping message: %v", err)
					continue
				}
				wireMsg, err = marshalBrokerMessage(brokerMsg)
				if err != nil {
					in.Logger.Printf("encode error: %v", err)
					continue
				}
			}
			reply, err := conn.Call(wireMsg)
			if err != nil {
				in.Logger.Printf("broker round-trip failed: %v", err)
				continue
			}
			in.lastFeedback = reply
			in.HandleFeedback(reply)
		}

		if in.ExpectReply {
			if err := in.External.Reply(in.ReplyFeedback()); err != nil {
				in.Logger.Printf("external reply failed: %v", err)
			}
		}
	}
	return nil
}

// Outbound is the generic egress component: it signals availability to
// the broker, waits for a routed payload, scatters and sends it
// externally, observes any external reply, and signals availability
// again -- the reply_feedback() doubling as the next availability ping.
//
// Passthrough marks the worker-facing egress (WorkerPushService): the
// routed payload is handed to the worker fleet as the serialized
// BrokerMessage it already is, key included, instead of being spliced
// back into its stashed envelope. The splice (and the stash deletion
// that goes with it) belongs to the pipeline's real egress, after the
// workers have answered.
type Outbound struct {
	Name        string
	Palm        bool
	Passthrough bool
	Store       store.Store
	BrokerAddr  string
	External    ExternalEgress
	ExpectReply bool
	Scatter     Scatter
	HandleFeedback
	Logger *log.Logger
}

// Run drives the availability/receive/scatter/send loop.
func (out *Outbound) Run(ctx context.Context, messages int) error {
	if out.Scatter == nil {
		out.Scatter = defaultScatter
	}
	if out.HandleFeedback == nil {
		out.HandleFeedback = defaultHandleFeedback
	}
	if out.Logger == nil {
		out.Logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", out.Name), log.LstdFlags)
	}

	conn, err := broker.Dial(out.BrokerAddr, out.Name)
	if err != nil {
		return fmt.Errorf("component %s: %w", out.Name, err)
	}
	defer conn.Close()

	signal := []byte("1")
	for i := 0; messages <= 0 || i < messages; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		wireMsg, err := conn.Call(signal)
		if err != nil {
			out.Logger.Printf("broker round-trip failed: %v", err)
			return fmt.Errorf("component %s: %w", out.Name, err)
		}

		spliced := wireMsg
		if !out.Passthrough {
			brokerMsg, err := unmarshalBrokerMessage(wireMsg)
			if err != nil {
				out.Logger.Printf("decode error: %v", err)
				signal = []byte("0")
				continue
			}
			spliced, err = envelope.Splice(out.Store, out.Palm, brokerMsg)
			if err != nil {
				out.Logger.Printf("splice error: %v", err)
				signal = []byte("0")
				continue
			}
		}

		feedback, err := out.External.Send(ctx, out.Scatter(spliced))
		if err != nil {
			out.Logger.Printf("external send failed: %v", err)
			feedback = []byte("0")
		}
		if out.ExpectReply {
			out.HandleFeedback(feedback)
		}
		signal = feedback
	}
	return nil
}
