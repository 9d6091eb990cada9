package procsup

import (
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// procEntry pairs a registered *exec.Cmd with the channel closed once its
// one-and-only Wait goroutine reaps it, so TerminateAll can wait on exit
// without issuing a second, racing Wait call of its own.
type procEntry struct {
	cmd    *exec.Cmd
	exited <-chan struct{}
}

// Registry is the mutex-guarded active-process registry: every spawned
// child is registered under its invocation's RegistryKey and deregistered
// once reaped, so that invariant (v) — a spawned subprocess is either
// registered or already reaped — always holds.
type Registry struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	procs map[string]procEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{log: log, procs: make(map[string]procEntry)}
}

func (r *Registry) acquire(key string, cmd *exec.Cmd, exited <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[key] = procEntry{cmd: cmd, exited: exited}
}

func (r *Registry) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, key)
}

// Len reports how many processes are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// TerminateAll sends graceful-then-forceful termination to every
// currently registered process, in parallel, and is idempotent — calling
// it again (or on an empty registry) is a no-op. It does not itself
// remove entries from the registry; that happens as each Spawn's deferred
// release runs once its process actually exits.
func (r *Registry) TerminateAll(grace time.Duration) {
	r.mu.Lock()
	entries := make([]procEntry, 0, len(r.procs))
	for _, e := range r.procs {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			killGracefulThenForce(e.cmd, grace, e.exited)
			return nil
		})
	}
	_ = g.Wait()
}
