package master

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/guillemborrell/pylm/internal/config"
	"github.com/guillemborrell/pylm/internal/services"
	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/transport"
	"github.com/guillemborrell/pylm/internal/wire"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// TestMasterEndToEnd wires a full Master -- broker, pull/push pair,
// worker pull/push pair, cache service, resilience tap, and every side
// channel -- and drives one payload from an external producer through a
// fake worker fleet and out to an external consumer. The components it
// assembles are each covered individually; only this test exercises
// New's wiring order end to end.
func TestMasterEndToEnd(t *testing.T) {
	base := t.Name()
	cfg := &config.MasterConfig{
		ServerConfig: config.ServerConfig{
			Name:          "m",
			PullAddress:   fmt.Sprintf("inproc://%s-pull", base),
			NextAddress:   fmt.Sprintf("inproc://%s-next", base),
			DBAddress:     fmt.Sprintf("inproc://%s-db", base),
			LogAddress:    fmt.Sprintf("inproc://%s-log", base),
			PerfAddress:   fmt.Sprintf("inproc://%s-perf", base),
			PingAddress:   fmt.Sprintf("inproc://%s-ping", base),
			Palm:          false,
			Messages:      1,
			MaxBufferSize: 100,
		},
		WorkerPullAddress: fmt.Sprintf("inproc://%s-wpull", base),
		WorkerPushAddress: fmt.Sprintf("inproc://%s-wpush", base),
		InboundAddress:    fmt.Sprintf("inproc://%s-in", base),
		OutboundAddress:   fmt.Sprintf("inproc://%s-out", base),
		FlushSeconds:      10,
	}

	// The consumer must be bound before New dials NextAddress.
	consumer, err := services.NewBindIngress(cfg.NextAddress, false)
	if err != nil {
		t.Fatalf("NewBindIngress consumer: %v", err)
	}
	defer consumer.Close()

	m, err := New(cfg, store.NewMemStore(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	// Fake worker: receives one dispatched BrokerMessage on WorkerPush
	// and returns the upper-cased payload under the same key on
	// WorkerPull, standing in for the externally-run worker fleet.
	// Preserving the key is part of the worker contract -- it is what
	// lets the resilience tap match this completion to its dispatch.
	workerIn, err := transport.Dial(cfg.WorkerPushAddress)
	if err != nil {
		t.Fatalf("dial worker push: %v", err)
	}
	defer workerIn.Close()
	workerOut, err := transport.Dial(cfg.WorkerPullAddress)
	if err != nil {
		t.Fatalf("dial worker pull: %v", err)
	}
	defer workerOut.Close()

	workerDone := make(chan error, 1)
	go func() {
		var job wire.BrokerMessage
		if err := wire.ReadFrame(workerIn, &job); err != nil {
			workerDone <- err
			return
		}
		job.Payload = []byte(strings.ToUpper(string(job.Payload)))
		workerDone <- wire.WriteFrame(workerOut, job)
	}()

	// Give the worker-push accept loop a moment to register the worker
	// before anything is dispatched to it.
	time.Sleep(20 * time.Millisecond)

	producer, err := services.NewDialEgress(cfg.PullAddress, false)
	if err != nil {
		t.Fatalf("NewDialEgress producer: %v", err)
	}
	defer producer.Close()

	if _, err := producer.Send(context.Background(), [][]byte{[]byte("hi")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer recvCancel()
	got, err := consumer.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "HI" {
		t.Fatalf("got %q, want %q", got, "HI")
	}

	select {
	case err := <-workerDone:
		if err != nil {
			t.Fatalf("fake worker failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("fake worker never completed its round trip")
	}
}

// TestMasterResendsUnansweredDispatch: a dispatch the worker never
// answers is re-sent after one flush interval, the first completion of
// the re-sent key is swallowed, and the one after it reaches the
// external consumer -- exactly once.
func TestMasterResendsUnansweredDispatch(t *testing.T) {
	base := t.Name()
	cfg := &config.MasterConfig{
		ServerConfig: config.ServerConfig{
			Name:          "m",
			PullAddress:   fmt.Sprintf("inproc://%s-pull", base),
			NextAddress:   fmt.Sprintf("inproc://%s-next", base),
			DBAddress:     fmt.Sprintf("inproc://%s-db", base),
			LogAddress:    fmt.Sprintf("inproc://%s-log", base),
			PerfAddress:   fmt.Sprintf("inproc://%s-perf", base),
			PingAddress:   fmt.Sprintf("inproc://%s-ping", base),
			MaxBufferSize: 100,
		},
		WorkerPullAddress: fmt.Sprintf("inproc://%s-wpull", base),
		WorkerPushAddress: fmt.Sprintf("inproc://%s-wpush", base),
		InboundAddress:    fmt.Sprintf("inproc://%s-in", base),
		OutboundAddress:   fmt.Sprintf("inproc://%s-out", base),
		FlushSeconds:      1,
	}

	consumer, err := services.NewBindIngress(cfg.NextAddress, false)
	if err != nil {
		t.Fatalf("NewBindIngress consumer: %v", err)
	}
	defer consumer.Close()

	m, err := New(cfg, store.NewMemStore(), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	workerIn, err := transport.Dial(cfg.WorkerPushAddress)
	if err != nil {
		t.Fatalf("dial worker push: %v", err)
	}
	defer workerIn.Close()
	workerOut, err := transport.Dial(cfg.WorkerPullAddress)
	if err != nil {
		t.Fatalf("dial worker pull: %v", err)
	}
	defer workerOut.Close()

	// The worker swallows the first dispatch, then expects the flush to
	// deliver the same key again. It answers the re-sent copy twice: the
	// first completion is the one the dedup swallows, the second is the
	// one the pipeline delivers.
	workerDone := make(chan error, 1)
	go func() {
		var first, second wire.BrokerMessage
		if err := wire.ReadFrame(workerIn, &first); err != nil {
			workerDone <- err
			return
		}
		if err := wire.ReadFrame(workerIn, &second); err != nil {
			workerDone <- err
			return
		}
		if second.Key != first.Key {
			workerDone <- fmt.Errorf("re-sent key %q does not match original %q", second.Key, first.Key)
			return
		}
		second.Payload = []byte(strings.ToUpper(string(second.Payload)))
		if err := wire.WriteFrame(workerOut, second); err != nil {
			workerDone <- err
			return
		}
		workerDone <- wire.WriteFrame(workerOut, second)
	}()

	// Give the worker-push accept loop a moment to register the worker
	// before anything is dispatched to it.
	time.Sleep(20 * time.Millisecond)

	producer, err := services.NewDialEgress(cfg.PullAddress, false)
	if err != nil {
		t.Fatalf("NewDialEgress producer: %v", err)
	}
	defer producer.Close()

	if _, err := producer.Send(context.Background(), [][]byte{[]byte("job")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recvCancel()
	got, err := consumer.Recv(recvCtx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "JOB" {
		t.Fatalf("got %q, want %q", got, "JOB")
	}

	select {
	case err := <-workerDone:
		if err != nil {
			t.Fatalf("fake worker failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("fake worker never finished")
	}

	// Exactly once: no duplicate may trail the delivered result.
	dupCtx, dupCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer dupCancel()
	if dup, err := consumer.Recv(dupCtx); err == nil {
		t.Fatalf("consumer received a duplicate result %q; the swallowed completion leaked through", dup)
	}
}
