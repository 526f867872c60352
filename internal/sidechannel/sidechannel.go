// Package sidechannel implements the side channels that bypass the
// broker entirely: log collection, pinging, and performance counting.
// Collectors bind a pull socket and loop receiving frames; emitters open
// a push socket and send fire-and-forget, with drops permitted under
// backpressure.
package sidechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/guillemborrell/pylm/internal/services"
)

// LogEmitter forwards formatted log lines to a LogCollector over a
// bypass push connection.
type LogEmitter struct {
	push *services.BypassPush
}

// NewLogEmitter dials addr for fire-and-forget log delivery.
func NewLogEmitter(addr string) (*LogEmitter, error) {
	push, err := services.NewBypassPush(addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: log emitter: %w", err)
	}
	return &LogEmitter{push: push}, nil
}

// Write implements io.Writer so *LogEmitter can be handed straight to
// log.New or log.SetOutput.
func (e *LogEmitter) Write(p []byte) (int, error) {
	if err := e.push.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (e *LogEmitter) Close() error { return e.push.Close() }

// LogCollector binds addr and writes every received line through
// logger, with no acknowledgement back to senders.
type LogCollector struct {
	pull   *services.BypassPull
	logger *log.Logger
}

// NewLogCollector binds addr and begins accepting log emitters.
func NewLogCollector(addr string, logger *log.Logger) (*LogCollector, error) {
	pull, err := services.NewBypassPull(addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: log collector: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[logcollector] ", log.LstdFlags)
	}
	return &LogCollector{pull: pull, logger: logger}, nil
}

// Run drains received log frames until ctx is cancelled.
func (c *LogCollector) Run(ctx context.Context) error {
	defer c.pull.Close()
	for {
		line, err := c.pull.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.logger.Print(string(line))
	}
}

// Pinger emits the literal "ping" payload on its own ticker-driven
// goroutine every interval, a liveness heartbeat external monitors can
// watch for.
type Pinger struct {
	push     *services.BypassPush
	interval time.Duration
}

// NewPinger dials addr and emits every interval once Run is called.
func NewPinger(addr string, interval time.Duration) (*Pinger, error) {
	push, err := services.NewBypassPush(addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: pinger: %w", err)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Pinger{push: push, interval: interval}, nil
}

// Run sends a ping every interval until ctx is cancelled.
func (p *Pinger) Run(ctx context.Context) {
	defer p.push.Close()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.push.Send([]byte("ping")) // fire-and-forget, drops permitted
		}
	}
}

// PingCollector binds addr and discards every ping it receives,
// existing purely so external liveness monitors have somewhere to send
// their probes without the broker being involved.
type PingCollector struct {
	pull *services.BypassPull
}

// NewPingCollector binds addr.
func NewPingCollector(addr string) (*PingCollector, error) {
	pull, err := services.NewBypassPull(addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: ping collector: %w", err)
	}
	return &PingCollector{pull: pull}, nil
}

// Run drains pings until ctx is cancelled.
func (c *PingCollector) Run(ctx context.Context) error {
	defer c.pull.Close()
	for {
		if _, err := c.pull.Recv(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// perfTuple is the (label, loop count, elapsed seconds) record a
// PerformanceCounter emits from Tick.
type perfTuple struct {
	Label           string  `json:"label"`
	LoopCount       int     `json:"loop_count"`
	SecondsElapsed  float64 `json:"seconds_elapsed"`
}

// PerformanceCounter records tick(label) calls and reports them to a
// PerformanceCollector over a bypass push connection.
type PerformanceCounter struct {
	push      *services.BypassPush
	start     time.Time
	loopCount int
}

// NewPerformanceCounter dials addr for fire-and-forget perf reporting.
func NewPerformanceCounter(addr string) (*PerformanceCounter, error) {
	push, err := services.NewBypassPush(addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: performance counter: %w", err)
	}
	return &PerformanceCounter{push: push, start: time.Now()}, nil
}

// Tick records one occurrence of label and reports the running loop
// count and elapsed time since construction.
func (pc *PerformanceCounter) Tick(label string) {
	pc.loopCount++
	tuple := perfTuple{Label: label, LoopCount: pc.loopCount, SecondsElapsed: time.Since(pc.start).Seconds()}
	data, err := json.Marshal(tuple)
	if err != nil {
		return
	}
	pc.push.Send(data)
}

func (pc *PerformanceCounter) Close() error { return pc.push.Close() }

// PerformanceCollector binds addr and logs every received perf tuple.
type PerformanceCollector struct {
	pull   *services.BypassPull
	logger *log.Logger
}

// NewPerformanceCollector binds addr.
func NewPerformanceCollector(addr string, logger *log.Logger) (*PerformanceCollector, error) {
	pull, err := services.NewBypassPull(addr)
	if err != nil {
		return nil, fmt.Errorf("sidechannel: performance collector: %w", err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[perfcollector] ", log.LstdFlags)
	}
	return &PerformanceCollector{pull: pull, logger: logger}, nil
}

// Run drains and logs perf tuples until ctx is cancelled.
func (c *PerformanceCollector) Run(ctx context.Context) error {
	defer c.pull.Close()
	for {
		raw, err := c.pull.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var tuple perfTuple
		if err := json.Unmarshal(raw, &tuple); err != nil {
			continue
		}
		c.logger.Printf("%s: loop=%d elapsed=%.3fs", tuple.Label, tuple.LoopCount, tuple.SecondsElapsed)
	}
}
