package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/guillemborrell/pylm/internal/wire"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// startRouter constructs and runs a Router on fresh inproc addresses
// unique to the caller, returning it ready for RegisterInbound/
// RegisterOutbound calls made before the first Dial.
func startRouter(t *testing.T, maxBuffer int) (*Router, context.Context) {
	t.Helper()
	inAddr := fmt.Sprintf("inproc://%s-in", t.Name())
	outAddr := fmt.Sprintf("inproc://%s-out", t.Name())

	r := New(inAddr, outAddr, maxBuffer, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	started := make(chan struct{})
	go func() {
		close(started)
		if err := r.Run(ctx); err != nil {
			t.Logf("router exited: %v", err)
		}
	}()
	<-started
	// Give the accept goroutines a moment to bind before any Dial.
	time.Sleep(10 * time.Millisecond)
	return r, ctx
}

func (r *Router) inAddr() string  { return r.inboundAddr }
func (r *Router) outAddr() string { return r.outboundAddr }

// TestSelfReplyEcho: a server registered with no distinct route echoes
// its own payload straight back.
func TestSelfReplyEcho(t *testing.T) {
	r, _ := startRouter(t, 100)
	r.RegisterInbound("srv", "", "")

	conn, err := Dial(r.inAddr(), "srv")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	reply, err := conn.Call([]byte("hello"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(reply) != "hello" {
		t.Fatalf("reply = %q, want %q", reply, "hello")
	}
}

func TestUnknownInboundComponentIsLoggedAndAcked(t *testing.T) {
	r, _ := startRouter(t, 100)
	// No RegisterInbound call at all for "ghost".
	conn, err := Dial(r.inAddr(), "ghost")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	reply, err := conn.Call([]byte("x"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(reply) != "1" {
		t.Fatalf("an unknown inbound component should still get an ack reply, got %q", reply)
	}
}

// TestFanInMultiset: three independent producers each send one payload;
// the consumer receives all three with no duplicates, in no particular
// cross-peer order.
func TestFanInMultiset(t *testing.T) {
	r, _ := startRouter(t, 100)
	r.RegisterInbound("p1", "out", "")
	r.RegisterInbound("p2", "out", "")
	r.RegisterInbound("p3", "out", "")
	r.RegisterOutbound("out", "")

	for _, producer := range []struct{ name, payload string }{
		{"p1", "A"}, {"p2", "B"}, {"p3", "C"},
	} {
		conn, err := Dial(r.inAddr(), producer.name)
		if err != nil {
			t.Fatalf("Dial %s: %v", producer.name, err)
		}
		if _, err := conn.Call([]byte(producer.payload)); err != nil {
			t.Fatalf("Call %s: %v", producer.name, err)
		}
		conn.Close()
	}

	consumer, err := Dial(r.outAddr(), "out")
	if err != nil {
		t.Fatalf("Dial consumer: %v", err)
	}
	defer consumer.Close()

	got := map[string]int{}
	signal := []byte("1")
	for i := 0; i < 3; i++ {
		reply, err := consumer.Call(signal)
		if err != nil {
			t.Fatalf("consumer Call %d: %v", i, err)
		}
		got[string(reply)]++
	}

	want := map[string]int{"A": 1, "B": 1, "C": 1}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("got %v, want each of A/B/C exactly once: %v", got, want)
		}
	}
}

// TestBufferCapAndBackpressure: with the consumer paused, the inbound
// can buffer exactly max_buffer_size payloads in FIFO order before the
// next send blocks; draining below 10% of the cap unblocks it.
func TestBufferCapAndBackpressure(t *testing.T) {
	const maxBuf = 100
	r, _ := startRouter(t, maxBuf)
	r.RegisterInbound("p", "out", "")
	r.RegisterOutbound("out", "")

	producer, err := Dial(r.inAddr(), "p")
	if err != nil {
		t.Fatalf("Dial producer: %v", err)
	}
	defer producer.Close()

	for i := 0; i < maxBuf; i++ {
		payload := []byte(fmt.Sprintf("msg-%03d", i))
		if _, err := producer.Call(payload); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}

	// The (maxBuf+1)th send should now block: the broker has stopped
	// reading inbound while buffering.
	blockedDone := make(chan []byte, 1)
	go func() {
		reply, err := producer.Call([]byte("msg-blocked"))
		if err != nil {
			return
		}
		blockedDone <- reply
	}()

	select {
	case <-blockedDone:
		t.Fatalf("the %dth send should have blocked under backpressure", maxBuf+1)
	case <-time.After(150 * time.Millisecond):
		// expected: still blocked
	}

	consumer, err := Dial(r.outAddr(), "out")
	if err != nil {
		t.Fatalf("Dial consumer: %v", err)
	}
	defer consumer.Close()

	// Drain 91 messages: buffered count drops from 100 to 9, which is
	// below max_buffer_size/10 (10), re-arming the inbound side.
	signal := []byte("1")
	var drained []string
	for i := 0; i < 91; i++ {
		reply, err := consumer.Call(signal)
		if err != nil {
			t.Fatalf("consumer Call %d: %v", i, err)
		}
		drained = append(drained, string(reply))
	}

	for i, got := range drained {
		want := fmt.Sprintf("msg-%03d", i)
		if got != want {
			t.Fatalf("FIFO violated at position %d: got %q, want %q", i, got, want)
		}
	}

	select {
	case reply := <-blockedDone:
		if string(reply) != "1" {
			t.Fatalf("unblocked send should get the ack reply, got %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("the blocked send should have been unblocked once the backlog drained below 10%% of the cap")
	}
}

// TestResilienceTapObservesWorkerTraffic covers the broker's role in
// feeding the ResilienceService: a route tagged "to_*"/"from_*" mirrors
// its BrokerMessage payload to the installed Tap.
func TestResilienceTapObservesWorkerTraffic(t *testing.T) {
	r, _ := startRouter(t, 100)
	r.RegisterInbound("p", "out", "to_worker")
	r.RegisterOutbound("out", "")

	var observed []wire.TapFrame
	done := make(chan struct{}, 1)
	r.SetTap(func(f wire.TapFrame) bool {
		observed = append(observed, f)
		done <- struct{}{}
		return false
	})

	conn, err := Dial(r.inAddr(), "p")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := wire.BrokerMessage{Key: "K", Payload: []byte("v")}
	wireMsg, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Call(wireMsg); err != nil {
		t.Fatalf("Call: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("tap was never invoked")
	}

	if len(observed) != 1 || observed[0].Direction != wire.TapTo || observed[0].Message.Key != "K" {
		t.Fatalf("unexpected tap observations: %+v", observed)
	}
}

// TestTapVerdictSuppressesRouting: when the tap reports a frame as a
// duplicate completion, the message is acked to its inbound peer but
// never routed downstream.
func TestTapVerdictSuppressesRouting(t *testing.T) {
	r, _ := startRouter(t, 100)
	r.RegisterInbound("wpull", "out", "from_broker")
	r.RegisterOutbound("out", "")

	r.SetTap(func(f wire.TapFrame) bool {
		return f.Message.Key == "dup"
	})

	conn, err := Dial(r.inAddr(), "wpull")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	send := func(key, payload string) {
		wireMsg, err := json.Marshal(wire.BrokerMessage{Key: key, Payload: []byte(payload)})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		reply, err := conn.Call(wireMsg)
		if err != nil {
			t.Fatalf("Call %s: %v", key, err)
		}
		if string(reply) != "1" {
			t.Fatalf("suppressed and routed sends alike owe the peer an ack, got %q", reply)
		}
	}
	send("dup", "stale")
	send("fresh", "live")

	consumer, err := Dial(r.outAddr(), "out")
	if err != nil {
		t.Fatalf("Dial consumer: %v", err)
	}
	defer consumer.Close()

	reply, err := consumer.Call([]byte("1"))
	if err != nil {
		t.Fatalf("consumer Call: %v", err)
	}
	var got wire.BrokerMessage
	if err := json.Unmarshal(reply, &got); err != nil {
		t.Fatalf("Unmarshal routed message: %v", err)
	}
	if got.Key != "fresh" {
		t.Fatalf("consumer received key %q; the suppressed %q frame should never have been routed", got.Key, "dup")
	}
}
