// Package topology runs a chained pipeline of masters in a single
// process from one multi-document YAML file -- several stages that
// would normally be separate processes collapsed into one, wired
// next_address-to-pull_address in file order.
package topology

import (
	"context"
	"fmt"
	"log"

	"github.com/guillemborrell/pylm/internal/config"
	"github.com/guillemborrell/pylm/internal/master"
	"github.com/guillemborrell/pylm/internal/store"
)

// Topology owns one master.Master per stage in the chain, all sharing
// the same process-local cache, so a stash made by an earlier stage's
// inbound component is visible to that stage's own outbound splice
// (stages never share stash keys with each other: each master's
// envelope stash is namespaced by its own generated UUIDs regardless of
// which master minted them).
type Topology struct {
	cfg     *config.Topology
	masters []*master.Master
	logger  *log.Logger
}

// New builds one master.Master per document in cfg.Masters, in file
// order, all sharing store s. cfg must already have passed Validate.
func New(cfg *config.Topology, s store.Store, logger *log.Logger) (*Topology, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[topology] ", log.LstdFlags)
	}
	masters := make([]*master.Master, 0, len(cfg.Masters))
	for i := range cfg.Masters {
		stageCfg := cfg.Masters[i]
		stageLogger := log.New(logger.Writer(), fmt.Sprintf("[%s] ", stageCfg.Name), log.LstdFlags)
		m, err := master.New(&stageCfg, s, stageLogger)
		if err != nil {
			return nil, fmt.Errorf("topology: stage %d (%s): %w", i, stageCfg.Name, err)
		}
		masters = append(masters, m)
	}
	return &Topology{cfg: cfg, masters: masters, logger: logger}, nil
}

// Run starts every stage as its own goroutine and blocks until ctx is
// cancelled or the first stage's Run returns, passing on its result and
// mirroring
// master.Master.Run's own fan-in shape one level up.
func (t *Topology) Run(ctx context.Context) error {
	errs := make(chan error, len(t.masters))
	for _, m := range t.masters {
		m := m
		go func() { errs <- m.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}
