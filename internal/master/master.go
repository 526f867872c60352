// Package master assembles a full PALM master process: the broker, the
// pull/push pair facing the pipeline's neighbours, the worker-facing
// pull/push pair, the cache service, the resilience service, and the
// side-channel collectors a master owns.
package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/guillemborrell/pylm/internal/broker"
	"github.com/guillemborrell/pylm/internal/cacheservice"
	"github.com/guillemborrell/pylm/internal/config"
	"github.com/guillemborrell/pylm/internal/resilience"
	"github.com/guillemborrell/pylm/internal/services"
	"github.com/guillemborrell/pylm/internal/sidechannel"
	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/wire"
)

// Master owns every long-running goroutine a master process needs and
// gives the caller a single Run to start them all; cancelling the
// context passed to Run tears them down.
type Master struct {
	cfg    *config.MasterConfig
	store  store.Store
	logger *log.Logger

	router *broker.Router

	pull       *pullRunner
	push       *pushRunner
	workerPull *pullRunner
	workerPush *pushRunner

	cache      *cacheservice.Service
	resilience *resilience.Service

	logCollector  *sidechannel.LogCollector
	pingCollector *sidechannel.PingCollector
	pinger        *sidechannel.Pinger
	perfCollector *sidechannel.PerformanceCollector
}

// pullRunner/pushRunner let Run treat component.Inbound and
// component.Outbound uniformly without an interface neither type
// otherwise needs.
type pullRunner struct {
	run func(ctx context.Context, messages int) error
}
type pushRunner struct {
	run func(ctx context.Context, messages int) error
}

// New assembles a Master from cfg. The four broker routes it registers
// carry the log tags that put the worker round-trip -- and nothing else
// -- on the resilience tap.
func New(cfg *config.MasterConfig, s store.Store, logger *log.Logger) (*Master, error) {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[%s] ", cfg.Name), log.LstdFlags)
	}

	router := broker.New(cfg.InboundAddress, cfg.OutboundAddress, cfg.MaxBufferSize, logger)
	router.RegisterInbound("Pull", "WorkerPush", "to_broker")
	router.RegisterInbound("WorkerPull", "Push", "from_broker")
	router.RegisterOutbound("WorkerPush", "to_broker")
	router.RegisterOutbound("Push", "to_sink")

	common := func(name string) services.Common {
		return services.Common{Name: name, Palm: cfg.Palm, Store: s, BrokerAddr: cfg.InboundAddress, Logger: logger}
	}

	pull, err := services.PullService(common("Pull"), cfg.PullAddress)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}
	push, err := services.PushConnection(services.Common{Name: "Push", Palm: cfg.Palm, Store: s, BrokerAddr: cfg.OutboundAddress, Logger: logger}, cfg.NextAddress)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}
	workerPull, err := services.WorkerPullService(common("WorkerPull"), cfg.WorkerPullAddress)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}
	workerPush, err := services.WorkerPushService(services.Common{Name: "WorkerPush", Palm: cfg.Palm, Store: s, BrokerAddr: cfg.OutboundAddress, Logger: logger}, cfg.WorkerPushAddress)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}

	cache, err := cacheservice.New(cfg.Name, cfg.DBAddress, s, logger)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}

	// The resilience tap re-injects a stale worker dispatch by dialing
	// the broker's inbound address self-identified as "Pull" -- the
	// registered inbound peer whose route is "WorkerPush" -- exactly as
	// if the original payload had arrived a second time from the pull
	// side.
	resend := func(key string, payload []byte) {
		wireMsg, err := json.Marshal(wire.BrokerMessage{Key: key, Payload: payload})
		if err != nil {
			logger.Printf("resilience: resend encode failed: %v", err)
			return
		}
		conn, err := broker.Dial(cfg.InboundAddress, "Pull")
		if err != nil {
			logger.Printf("resilience: resend dial failed: %v", err)
			return
		}
		defer conn.Close()
		if _, err := conn.Call(wireMsg); err != nil {
			logger.Printf("resilience: resend call failed: %v", err)
		}
	}
	res := resilience.New(time.Duration(cfg.FlushSeconds)*time.Second, resend, logger)
	router.SetTap(res.Tap)

	// The collector must bind before the pinger dials: NewPinger connects
	// eagerly and has none of broker.Dial's retry-on-refused behavior.
	pingCollector, err := sidechannel.NewPingCollector(cfg.PingAddress)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}
	pinger, err := sidechannel.NewPinger(cfg.PingAddress, 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}
	logCollector, err := sidechannel.NewLogCollector(cfg.LogAddress, logger)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}
	perfCollector, err := sidechannel.NewPerformanceCollector(cfg.PerfAddress, logger)
	if err != nil {
		return nil, fmt.Errorf("master %s: %w", cfg.Name, err)
	}

	return &Master{
		cfg:    cfg,
		store:  s,
		logger: logger,
		router: router,

		pull:       &pullRunner{run: pull.Run},
		push:       &pushRunner{run: push.Run},
		workerPull: &pullRunner{run: workerPull.Run},
		workerPush: &pushRunner{run: workerPush.Run},

		cache:      cache,
		resilience: res,

		logCollector:  logCollector,
		pingCollector: pingCollector,
		pinger:        pinger,
		perfCollector: perfCollector,
	}, nil
}

// Run starts every component as its own goroutine and blocks until ctx
// is cancelled or the first component returns, passing on that
// component's result (nil for one that finished a bounded run).
func (m *Master) Run(ctx context.Context) error {
	errs := make(chan error, 8)

	go func() { errs <- m.router.Run(ctx) }()
	go func() { errs <- m.pull.run(ctx, m.cfg.Messages) }()
	go func() { errs <- m.push.run(ctx, m.cfg.Messages) }()
	go func() { errs <- m.workerPull.run(ctx, 0) }()
	go func() { errs <- m.workerPush.run(ctx, 0) }()
	go func() { errs <- m.cache.Run(ctx) }()
	go func() { m.resilience.Run(ctx); errs <- nil }()
	go func() { m.pinger.Run(ctx); errs <- nil }()
	go func() { errs <- m.pingCollector.Run(ctx) }()
	go func() { errs <- m.logCollector.Run(ctx) }()
	go func() { errs <- m.perfCollector.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}
