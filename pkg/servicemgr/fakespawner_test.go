package servicemgr

import (
	"context"
	"sync"

	"github.com/coreforge/coreforge/pkg/unit"
)

// fakeSpawner is an in-memory Spawner/ReadinessWaiter double: it never
// forks a real process, just hands back a PID counter and an exit
// channel the test controls directly.
type fakeSpawner struct {
	mu        sync.Mutex
	nextPID   int
	exitChs   map[int]chan ExitResult
	signals   []signalCall
	failSpawn map[string]bool
}

type signalCall struct {
	PID int
	Sig int
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{
		nextPID:   100,
		exitChs:   make(map[int]chan ExitResult),
		failSpawn: make(map[string]bool),
	}
}

func (f *fakeSpawner) Spawn(_ context.Context, u unit.Unit) (int, <-chan ExitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSpawn[u.Name] {
		return 0, nil, errSpawnFailed
	}
	f.nextPID++
	pid := f.nextPID
	ch := make(chan ExitResult, 1)
	f.exitChs[pid] = ch
	return pid, ch, nil
}

func (f *fakeSpawner) Signal(pid int, sig int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signalCall{PID: pid, Sig: sig})
	return nil
}

func (f *fakeSpawner) finish(pid int, res ExitResult) {
	f.mu.Lock()
	ch := f.exitChs[pid]
	f.mu.Unlock()
	ch <- res
}

type fakeReadiness struct {
	mu        sync.Mutex
	neverReady map[string]bool
}

func newFakeReadiness() *fakeReadiness {
	return &fakeReadiness{neverReady: make(map[string]bool)}
}

func (r *fakeReadiness) WaitReady(ctx context.Context, u unit.Unit, pid int) error {
	r.mu.Lock()
	block := r.neverReady[u.Name]
	r.mu.Unlock()
	if !block {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

var errSpawnFailed = spawnError{"spawn failed"}

type spawnError struct{ msg string }

func (e spawnError) Error() string { return e.msg }
