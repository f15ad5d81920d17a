package mesh

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if got := cfg.virtualNodes(); got != DefaultVirtualNodes {
		t.Errorf("expected default virtual nodes %d, got %d", DefaultVirtualNodes, got)
	}
	if got := cfg.barrierDelay(); got != DefaultBarrierDelay {
		t.Errorf("expected default barrier delay %s, got %s", DefaultBarrierDelay, got)
	}
	if cfg.context() == nil {
		t.Error("expected a non-nil default context")
	}
}

func TestBootstrapRunRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []Config{
		{WorkerCount: 0, TableSize: 10, SocketDir: "x"},
		{WorkerCount: 2, TableSize: 0, SocketDir: "x"},
		{WorkerCount: 2, TableSize: 10, SocketDir: ""},
	}

	for _, cfg := range cases {
		if err := Create(cfg).Run(); err == nil {
			t.Errorf("expected an error for config %+v", cfg)
		}
	}
}

func TestBootstrapRunStartsAndStopsWorkers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	started := make(chan int, 3)

	cfg := Config{
		WorkerCount:  3,
		TableSize:    100,
		SocketDir:    filepath.Join(dir, "sockets"),
		BarrierDelay: 10 * time.Millisecond,
		Context:      ctx,
	}

	err := Create(cfg).
		OnWorkerStart(func(n *Node) { started <- n.WorkerID }).
		WithLogger(NullLogger).
		Run()

	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if len(started) != 3 {
		t.Fatalf("expected 3 worker-start callbacks, got %d", len(started))
	}
}
