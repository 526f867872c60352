// Command palmd runs a single PALM server, master, or chained topology
// process from a YAML configuration file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/guillemborrell/pylm/internal/config"
	"github.com/guillemborrell/pylm/internal/master"
	"github.com/guillemborrell/pylm/internal/server"
	"github.com/guillemborrell/pylm/internal/store"
	"github.com/guillemborrell/pylm/internal/topology"
)

// runner is satisfied by *master.Master, *server.Server and
// *topology.Topology so main can start any role through the same
// shutdown plumbing.
type runner interface {
	Run(ctx context.Context) error
}

func main() {
	configFile := flag.String("config", "config/palm.yaml", "path to the PALM process configuration file")
	role := flag.String("role", "master", "process role: master, server, or topology")
	badgerDir := flag.String("badger-dir", "", "directory for a persistent Badger cache; empty uses the in-memory store")
	flag.Parse()

	if *role != "master" && *role != "server" && *role != "topology" {
		log.Fatalf("palmd: unknown role %q; use master, server, or topology", *role)
	}

	var (
		name   string
		debug  bool
		m      runner
		logger *log.Logger
	)

	newCache := func(l *log.Logger) store.Store {
		if *badgerDir == "" {
			return store.NewMemStore()
		}
		bs, err := store.NewBadgerStore(store.DefaultBadgerConfig(*badgerDir))
		if err != nil {
			log.Fatalf("palmd: badger store: %v", err)
		}
		l.Printf("using persistent cache at %s", *badgerDir)
		return bs
	}

	if *role == "master" {
		cfg, err := config.LoadMaster(*configFile)
		if err != nil {
			log.Fatalf("palmd: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("palmd: %v", err)
		}
		name, debug = cfg.Name, cfg.Debug
		logger = log.New(os.Stdout, "["+name+"] ", log.LstdFlags)
		if debug {
			logger.Printf("loaded config from %s: %+v", *configFile, cfg)
		}
		cache := newCache(logger)
		defer cache.Close()
		m, err = master.New(cfg, cache, logger)
		if err != nil {
			log.Fatalf("palmd: %v", err)
		}
	} else if *role == "topology" {
		top, err := config.LoadTopology(*configFile)
		if err != nil {
			log.Fatalf("palmd: %v", err)
		}
		if err := top.Validate(); err != nil {
			log.Fatalf("palmd: %v", err)
		}
		if len(top.Masters) == 0 {
			log.Fatalf("palmd: topology %s has no stages", *configFile)
		}
		name = top.Masters[0].Name + "+chain"
		logger = log.New(os.Stdout, "["+name+"] ", log.LstdFlags)
		if top.Masters[0].Debug {
			logger.Printf("loaded topology from %s: %d stage(s)", *configFile, len(top.Masters))
		}
		cache := newCache(logger)
		defer cache.Close()
		m, err = topology.New(top, cache, logger)
		if err != nil {
			log.Fatalf("palmd: %v", err)
		}
	} else {
		cfg, err := config.Load(*configFile)
		if err != nil {
			log.Fatalf("palmd: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			log.Fatalf("palmd: %v", err)
		}
		name, debug = cfg.Name, cfg.Debug
		logger = log.New(os.Stdout, "["+name+"] ", log.LstdFlags)
		if debug {
			logger.Printf("loaded config from %s: %+v", *configFile, cfg)
		}
		cache := newCache(logger)
		defer cache.Close()
		m, err = server.New(cfg, cache, logger)
		if err != nil {
			log.Fatalf("palmd: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	runErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		runErr <- m.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("received signal %s, shutting down", sig)
	case err := <-runErr:
		if err != nil {
			logger.Printf("%s exited with error: %v", *role, err)
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Printf("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Printf("shutdown timed out")
	}
}
