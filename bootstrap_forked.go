package mesh

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// The forked process model is spec.md §9's option (a): real OS processes
// sharing a directory through a memory-mapped segment, rather than
// Bootstrap.Run's goroutines-in-one-process default (see SPEC_FULL.md §1
// and §3). bootstrap_forked_test.go, under the "forked" build tag, covers
// RunForkedWorker's environment handling and ShmDirectory; the RunForked
// re-exec path itself has no automated test. Nothing else in this
// package requires it.
//
// A forked worker is just this same binary, re-exec'd with a marker
// environment variable set. The calling program's own main() is
// responsible for checking RunForkedWorker before doing anything else:
//
//	func main() {
//		ran, err := bootstrap.RunForkedWorker()
//		if ran {
//			if err != nil {
//				log.Fatal(err)
//			}
//			return
//		}
//		// normal parent-process startup, ending in bootstrap.RunForked(cfg)
//	}
const (
	envWorkerID    = "MESH_FORKED_WORKER_ID"
	envWorkerCount = "MESH_FORKED_WORKER_COUNT"
	envTableSize   = "MESH_FORKED_TABLE_SIZE"
	envSocketDir   = "MESH_FORKED_SOCKET_DIR"
	envVNodes      = "MESH_FORKED_VNODES"

	// shmInheritedFD is the fd a forked worker finds its directory's
	// backing file at. RunForked always puts it first in ExtraFiles, and
	// stdin/stdout/stderr occupy fds 0-2, so it lands at 3.
	shmInheritedFD = 3
)

// RunForked starts cfg.WorkerCount real subprocesses, each a re-exec of
// the current executable (os.Executable) with os.Args[1:], sharing one ShmDirectory through an inherited file
// descriptor. It blocks until every child exits and returns the first
// non-nil error.
//
// cfg.NewLocalSystem and cfg.Context are not usable here: they're Go
// values that cannot cross a fork/exec boundary. A forked worker always
// runs with a droppingLocal actor system: RunForkedWorker does not
// consult NewLocalSystem, so every message that reaches a forked worker
// is logged and dropped. This method only proves the transport/directory/ring plumbing works
// across real processes, not a full application lifecycle.
func (b *Bootstrap) RunForked(cfg Config) error {
	if cfg.WorkerCount < 1 {
		return fmt.Errorf("%w: WorkerCount must be >= 1, got %d", ErrInvalidConfig, cfg.WorkerCount)
	}
	if cfg.TableSize <= 0 {
		return fmt.Errorf("%w: TableSize must be > 0, got %d", ErrInvalidConfig, cfg.TableSize)
	}
	if cfg.SocketDir == "" {
		return fmt.Errorf("%w: SocketDir must not be empty", ErrInvalidConfig)
	}
	if err := os.MkdirAll(cfg.SocketDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating socket dir: %s", ErrInvalidConfig, err)
	}

	_, shmFile, err := CreateShmDirectory(cfg.TableSize)
	if err != nil {
		return fmt.Errorf("mesh: creating shared directory: %w", err)
	}
	defer shmFile.Close()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("mesh: resolving own executable: %w", err)
	}

	cmds := make([]*exec.Cmd, cfg.WorkerCount)
	for id := 0; id < cfg.WorkerCount; id++ {
		cmd := exec.Command(self, os.Args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.ExtraFiles = []*os.File{shmFile}
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("%s=%d", envWorkerID, id),
			fmt.Sprintf("%s=%d", envWorkerCount, cfg.WorkerCount),
			fmt.Sprintf("%s=%d", envTableSize, cfg.TableSize),
			fmt.Sprintf("%s=%s", envSocketDir, cfg.SocketDir),
			fmt.Sprintf("%s=%d", envVNodes, cfg.virtualNodes()),
		)
		if err := cmd.Start(); err != nil {
			for _, started := range cmds[:id] {
				started.Process.Kill()
			}
			return fmt.Errorf("mesh: starting worker %d: %w", id, err)
		}
		cmds[id] = cmd
		b.logger.Info("mesh: forked worker %d as pid %d", id, cmd.Process.Pid)
	}

	var firstErr error
	for id, cmd := range cmds {
		if err := cmd.Wait(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("worker %d: %w", id, err)
		}
	}
	return firstErr
}

// RunForkedWorker checks whether the current process was launched by
// RunForked and, if so, runs this worker's Bootstrap sequence to
// completion using the environment and inherited file descriptor
// RunForked set up. The bool return reports whether this process was a
// forked worker at all; when false, the caller should proceed with its
// normal startup path (including possibly calling Bootstrap.Run).
func (b *Bootstrap) RunForkedWorker() (bool, error) {
	idStr, ok := os.LookupEnv(envWorkerID)
	if !ok {
		return false, nil
	}

	id, err := strconv.Atoi(idStr)
	if err != nil {
		return true, fmt.Errorf("mesh: invalid %s: %w", envWorkerID, err)
	}
	workerCount, err := strconv.Atoi(os.Getenv(envWorkerCount))
	if err != nil {
		return true, fmt.Errorf("mesh: invalid %s: %w", envWorkerCount, err)
	}
	tableSize, err := strconv.Atoi(os.Getenv(envTableSize))
	if err != nil {
		return true, fmt.Errorf("mesh: invalid %s: %w", envTableSize, err)
	}
	vnodes, err := strconv.Atoi(os.Getenv(envVNodes))
	if err != nil {
		return true, fmt.Errorf("mesh: invalid %s: %w", envVNodes, err)
	}
	socketDir := os.Getenv(envSocketDir)
	if socketDir == "" {
		return true, fmt.Errorf("mesh: %s must not be empty", envSocketDir)
	}

	shmFile := os.NewFile(uintptr(shmInheritedFD), "meshdir")
	if shmFile == nil {
		return true, fmt.Errorf("mesh: could not open inherited directory fd %d", shmInheritedFD)
	}
	directory, err := OpenShmDirectory(shmFile, tableSize)
	if err != nil {
		return true, fmt.Errorf("mesh: attaching to shared directory: %w", err)
	}
	defer directory.Close()

	ring := NewRing(workerCount, vnodes)

	peerAddrs := make(map[int]string, workerCount)
	for i := 0; i < workerCount; i++ {
		peerAddrs[i] = SocketPath(socketDir, i)
	}

	serializer := b.serializer
	if serializer == nil {
		serializer = GobSerializer{}
	}

	transport := NewTransport(id, socketDir, b.logger)
	if err := transport.Bind(); err != nil {
		return true, fmt.Errorf("worker %d: bind failed: %w", id, err)
	}

	time.Sleep(b.cfg.barrierDelay())

	if err := transport.ConnectToPeers(peerAddrs); err != nil {
		transport.Close()
		return true, fmt.Errorf("worker %d: connect to peers failed: %w", id, err)
	}

	local := droppingLocal{}
	node := NewNode(id, ring, directory, transport, serializer, local, b.logger)
	node.Start()

	if b.onStart != nil {
		b.onStart(node)
	}

	<-b.cfg.context().Done()

	return true, transport.Close()
}
