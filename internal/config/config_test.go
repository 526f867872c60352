package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "server.yaml", `
name: srv
pull_address: "tcp://:9001"
next_address: "tcp://:9002"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBufferSize != 100 {
		t.Fatalf("MaxBufferSize default = %d, want 100", cfg.MaxBufferSize)
	}
	if cfg.DBAddress == "" || cfg.LogAddress == "" || cfg.PerfAddress == "" || cfg.PingAddress == "" {
		t.Fatalf("side-channel addresses should get defaults, got %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadMasterRequiresWorkerAddresses(t *testing.T) {
	path := writeTemp(t, "master.yaml", `
name: m
pull_address: "tcp://:9001"
next_address: "tcp://:9002"
`)
	cfg, err := LoadMaster(path)
	if err != nil {
		t.Fatalf("LoadMaster: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to fail without worker_pull_address/worker_push_address")
	}
	if cfg.InboundAddress == "" || cfg.OutboundAddress == "" {
		t.Fatalf("broker inbound/outbound addresses should get defaults, got %+v", cfg)
	}
	if cfg.FlushSeconds != 10 {
		t.Fatalf("FlushSeconds default = %d, want 10", cfg.FlushSeconds)
	}
}

func TestMaxBufferSizeFloor(t *testing.T) {
	path := writeTemp(t, "server.yaml", `
name: srv
pull_address: "tcp://:9001"
next_address: "tcp://:9002"
max_buffer_size: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBufferSize != 10 {
		t.Fatalf("an explicit max_buffer_size should not be clamped by config loading itself (the broker clamps it), got %d", cfg.MaxBufferSize)
	}
}

func TestLoadTopologyChainedMasters(t *testing.T) {
	path := writeTemp(t, "topology.yaml", `
name: stage1
pull_address: "tcp://:9001"
next_address: "tcp://:9010"
worker_pull_address: "tcp://:9003"
worker_push_address: "tcp://:9004"
---
name: stage2
pull_address: "tcp://:9010"
next_address: "tcp://:9020"
worker_pull_address: "tcp://:9013"
worker_push_address: "tcp://:9014"
`)
	top, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	if len(top.Masters) != 2 {
		t.Fatalf("got %d masters, want 2", len(top.Masters))
	}
	if err := top.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadTopologyRejectsBrokenChain(t *testing.T) {
	path := writeTemp(t, "topology.yaml", `
name: stage1
pull_address: "tcp://:9001"
next_address: "tcp://:9010"
worker_pull_address: "tcp://:9003"
worker_push_address: "tcp://:9004"
---
name: stage2
pull_address: "tcp://:9999"
next_address: "tcp://:9020"
worker_pull_address: "tcp://:9013"
worker_push_address: "tcp://:9014"
`)
	top, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("LoadTopology: %v", err)
	}
	if err := top.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a next_address/pull_address mismatch")
	}
}
