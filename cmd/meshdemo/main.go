/*

Executable meshdemo boots a small local mesh cluster from a YAML config
file and exercises it with a ping relayed between named actors, one per
worker: worker 0 pings worker 1, and each receiver forwards to the next
worker id until the count reaches 3. It's a demonstration of Bootstrap, not a template for a
real application: everything here could equally be driven by a
production process that builds its own mesh.Config in code.

Usage:

	meshdemo -config cluster.yaml

If -config is omitted, clusterconfig.DefaultConfig is used.

*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nexus-actors/cluster-swoole"
	"github.com/nexus-actors/cluster-swoole/actorlite"
	"github.com/nexus-actors/cluster-swoole/clusterconfig"
)

// pingMessage is the payload meshdemo actors exchange. It must be
// registered with encoding/gob before any worker starts, since
// GobSerializer needs to know the concrete type up front.
type pingMessage struct {
	From  int
	Count int
}

func init() {
	mesh.RegisterMessageType(pingMessage{})
}

func main() {
	configPath := flag.String("config", "", "path to a clusterconfig YAML file")
	flag.Parse()

	loader := clusterconfig.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshdemo: loading config: %s\n", err)
		os.Exit(1)
	}

	logger := mesh.StdLogger
	if cfg.Log.Level == "silent" {
		logger = mesh.NullLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "meshdemo: shutting down")
		cancel()
	}()

	var systemsMu sync.Mutex
	systems := make(map[int]*actorlite.System)

	bootstrap := mesh.Create(mesh.Config{
		WorkerCount:  cfg.Cluster.WorkerCount,
		TableSize:    cfg.Cluster.TableSize,
		SocketDir:    cfg.Cluster.SocketDir,
		VirtualNodes: cfg.Cluster.VirtualNodes,
		BarrierDelay: cfg.BarrierDelayDuration(),
		Context:      ctx,
		NewLocalSystem: func(workerID int) mesh.LocalDeliverer {
			sys := actorlite.NewSystem()
			systemsMu.Lock()
			systems[workerID] = sys
			systemsMu.Unlock()
			return sys
		},
	}).WithLogger(logger)

	bootstrap.OnWorkerStart(func(node *mesh.Node) {
		systemsMu.Lock()
		sys := systems[node.WorkerID]
		systemsMu.Unlock()
		actorPath := fmt.Sprintf("/demo/pinger/%d", node.WorkerID)

		// Every worker gets its own pinger regardless of where the ring
		// would otherwise place actorPath, since the demo's whole point
		// is one named actor per worker relaying the ping around the
		// mesh; override the ring's placement rather than let a
		// collision silently pin every pinger on one worker.
		if err := node.Spawn(actorPath, true); err != nil {
			fmt.Fprintf(os.Stderr, "meshdemo: worker %d: spawning %s: %s\n", node.WorkerID, actorPath, err)
			return
		}

		_ = sys.Spawn(actorPath, actorlite.ReceiverFunc(func(msg interface{}) {
			ping, ok := msg.(pingMessage)
			if !ok {
				return
			}
			fmt.Printf("[worker %d] received ping #%d from worker %d\n", node.WorkerID, ping.Count, ping.From)

			if ping.Count >= 3 {
				return
			}
			nextTarget := fmt.Sprintf("/demo/pinger/%d", (node.WorkerID+1)%cfg.Cluster.WorkerCount)
			time.AfterFunc(200*time.Millisecond, func() {
				_ = node.Send(nextTarget, pingMessage{From: node.WorkerID, Count: ping.Count + 1})
			})
		}), 8)

		if node.WorkerID == 0 && cfg.Cluster.WorkerCount > 1 {
			time.AfterFunc(500*time.Millisecond, func() {
				_ = node.Send("/demo/pinger/1", pingMessage{From: 0, Count: 1})
			})
		}
	})

	var runErr error
	if cfg.Cluster.Forked {
		ran, err := bootstrap.RunForkedWorker()
		if ran {
			runErr = err
		} else {
			runErr = bootstrap.RunForked(mesh.Config{
				WorkerCount:  cfg.Cluster.WorkerCount,
				TableSize:    cfg.Cluster.TableSize,
				SocketDir:    cfg.Cluster.SocketDir,
				VirtualNodes: cfg.Cluster.VirtualNodes,
				BarrierDelay: cfg.BarrierDelayDuration(),
			})
		}
	} else {
		runErr = bootstrap.Run()
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "meshdemo: %s\n", runErr)
		os.Exit(1)
	}
}
