// Package config loads the YAML process configuration for a PALM
// server or master: the transport endpoint fields, plus the ambient
// debug/loop-cap knobs every component reads.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the process configuration for a single (non-master)
// server: a pull/push pair plus its side channels.
type ServerConfig struct {
	Name string `yaml:"name"`

	PullAddress string `yaml:"pull_address"`
	NextAddress string `yaml:"next_address"`

	DBAddress   string `yaml:"db_address"`
	LogAddress  string `yaml:"log_address"`
	PerfAddress string `yaml:"perf_address"`
	PingAddress string `yaml:"ping_address"`

	Palm     bool `yaml:"palm"`
	Messages int  `yaml:"messages"` // loop cap; <= 0 means unbounded

	MaxBufferSize int  `yaml:"max_buffer_size"`
	Debug         bool `yaml:"debug"`
}

// MasterConfig is a ServerConfig plus the worker-fleet endpoints a
// Master wires a broker.Router around.
type MasterConfig struct {
	ServerConfig `yaml:",inline"`

	WorkerPullAddress string `yaml:"worker_pull_address"`
	WorkerPushAddress string `yaml:"worker_push_address"`

	InboundAddress  string `yaml:"inbound_address"`  // broker's inbound router listen address
	OutboundAddress string `yaml:"outbound_address"` // broker's outbound router listen address

	FlushSeconds int `yaml:"flush_seconds"` // ResilienceService flush interval, default 10
}

// Load reads and decodes a ServerConfig from filename, applying the
// documented defaults.
func Load(filename string) (*ServerConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	applyServerDefaults(&cfg)
	return &cfg, nil
}

// LoadMaster reads and decodes a MasterConfig from filename.
func LoadMaster(filename string) (*MasterConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	var cfg MasterConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	applyServerDefaults(&cfg.ServerConfig)
	if cfg.InboundAddress == "" {
		cfg.InboundAddress = "tcp://:9101"
	}
	if cfg.OutboundAddress == "" {
		cfg.OutboundAddress = "tcp://:9102"
	}
	if cfg.FlushSeconds <= 0 {
		cfg.FlushSeconds = 10
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = 100
	}
	if cfg.DBAddress == "" {
		cfg.DBAddress = "tcp://:9200"
	}
	if cfg.LogAddress == "" {
		cfg.LogAddress = "tcp://:9201"
	}
	if cfg.PerfAddress == "" {
		cfg.PerfAddress = "tcp://:9202"
	}
	if cfg.PingAddress == "" {
		cfg.PingAddress = "tcp://:9203"
	}
}

// Validate checks that the required endpoint fields are present.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("config: name is required")
	}
	if c.PullAddress == "" {
		return fmt.Errorf("config: pull_address is required")
	}
	if c.NextAddress == "" {
		return fmt.Errorf("config: next_address is required")
	}
	return nil
}

// Validate additionally checks the worker-fleet fields a Master needs.
func (c *MasterConfig) Validate() error {
	if err := c.ServerConfig.Validate(); err != nil {
		return err
	}
	if c.WorkerPullAddress == "" {
		return fmt.Errorf("config: worker_pull_address is required")
	}
	if c.WorkerPushAddress == "" {
		return fmt.Errorf("config: worker_push_address is required")
	}
	return nil
}

// Topology is a chained pipeline of masters described in a single file:
// one process hosting several masters wired next_address-to-pull_address,
// each document separated by a YAML "---" marker. Every document is a
// MasterConfig; plain (non-master) servers cannot be listed.
type Topology struct {
	Masters []MasterConfig `yaml:"-"`
}

// LoadTopology reads filename as a sequence of "---"-separated YAML
// documents, each decoded as a MasterConfig with the same defaults Load
// and LoadMaster apply individually. An empty document (e.g. a trailing
// separator) is skipped rather than treated as an error.
func LoadTopology(filename string) (*Topology, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var top Topology
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var cfg MasterConfig
		if err := decoder.Decode(&cfg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("config: parse %s: %w", filename, err)
		}
		if cfg.Name == "" {
			continue
		}
		applyServerDefaults(&cfg.ServerConfig)
		if cfg.InboundAddress == "" {
			cfg.InboundAddress = "tcp://:9101"
		}
		if cfg.OutboundAddress == "" {
			cfg.OutboundAddress = "tcp://:9102"
		}
		if cfg.FlushSeconds <= 0 {
			cfg.FlushSeconds = 10
		}
		top.Masters = append(top.Masters, cfg)
	}
	return &top, nil
}

// Validate checks every master document and that chained next_address/
// pull_address pairs actually line up, since a broken chain link would
// otherwise only surface as a silent connection-refused retry loop at
// runtime.
func (t *Topology) Validate() error {
	for i := range t.Masters {
		if err := t.Masters[i].Validate(); err != nil {
			return fmt.Errorf("config: topology master %d: %w", i, err)
		}
		if i > 0 && t.Masters[i-1].NextAddress != t.Masters[i].PullAddress {
			return fmt.Errorf("config: topology master %d (%s): next_address %q does not match master %d (%s) pull_address %q",
				i-1, t.Masters[i-1].Name, t.Masters[i-1].NextAddress, i, t.Masters[i].Name, t.Masters[i].PullAddress)
		}
	}
	return nil
}
