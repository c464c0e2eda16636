// Package graph implements the in-memory index of futures a session drives:
// futures keyed by fingerprint, and a FIFO ready queue stable under
// insertion order for deterministic plugin-observable event ordering (spec
// §4.5). It is grounded on the same shape as
// polydawn-repeatr/model/cassandra's in-memory Cassandra implementation
// (kbmem.go): a single mutex guarding a handful of maps, generalised here
// from "catalogs/commissions" to "futures/tasks".
package graph

import (
	"sync"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/future"
)

// Graph is the session's in-memory future index. It is created at session
// start, populated monotonically during evaluation, and discarded at
// session exit (spec §3, "Graph G").
type Graph struct {
	mu       sync.Mutex
	futures  map[fingerprint.Hash]*future.Future
	running  map[fingerprint.Hash]bool
	readyQ   []*future.Future
	readySet map[fingerprint.Hash]bool

	// progress is closed and replaced every time the ready queue gains an
	// entry or the running set shrinks, letting a driver block on it
	// instead of polling (spec §4.6: "suspend until at least one running
	// task progresses").
	progress chan struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		futures:  make(map[fingerprint.Hash]*future.Future),
		running:  make(map[fingerprint.Hash]bool),
		readySet: make(map[fingerprint.Hash]bool),
		progress: make(chan struct{}),
	}
}

// notifyProgressLocked wakes every goroutine currently blocked on
// ProgressChan. Must be called while holding mu.
func (g *Graph) notifyProgressLocked() {
	close(g.progress)
	g.progress = make(chan struct{})
}

// ProgressChan returns a channel that closes the next time the ready queue
// gains an entry or the running set shrinks. A driver loop with no ready
// work selects on it instead of busy-polling.
func (g *Graph) ProgressChan() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.progress
}

// GetOrInsert returns the future already registered under fp, or calls
// factory to create one and registers it. The bool result reports whether
// factory was invoked (spec §4.4 step 3: "If the session graph already has
// F, return the existing task; otherwise, create...").
func (g *Graph) GetOrInsert(fp fingerprint.Hash, factory func() *future.Future) (*future.Future, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.futures[fp]; ok {
		return f, false
	}
	f := factory()
	g.futures[fp] = f
	if f.State() == future.Ready {
		g.enqueueReadyLocked(f)
	} else {
		f.RegisterReadyHook(func(rf *future.Future) { g.MarkReady(rf) })
	}
	return f, true
}

// Get looks up a future by fingerprint without creating one.
func (g *Graph) Get(fp fingerprint.Hash) (*future.Future, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, ok := g.futures[fp]
	return f, ok
}

// MarkReady enqueues f on the ready queue if it isn't already running or
// queued. Safe to call redundantly (e.g. as a ready-hook fired more than
// once is not expected, but defensive dedup keeps the queue sane under
// concurrent registration).
func (g *Graph) MarkReady(f *future.Future) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running[f.Fingerprint()] {
		return
	}
	g.enqueueReadyLocked(f)
}

func (g *Graph) enqueueReadyLocked(f *future.Future) {
	if g.readySet[f.Fingerprint()] {
		return
	}
	g.readySet[f.Fingerprint()] = true
	g.readyQ = append(g.readyQ, f)
	g.notifyProgressLocked()
}

// PopReady removes and returns the oldest future in the ready queue not yet
// running, or nil if none is ready (spec §4.5, §4.6 driver loop).
func (g *Graph) PopReady() *future.Future {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.readyQ) > 0 {
		f := g.readyQ[0]
		g.readyQ = g.readyQ[1:]
		delete(g.readySet, f.Fingerprint())
		if !g.running[f.Fingerprint()] {
			return f
		}
	}
	return nil
}

// MarkRunning transitions f from ready-to-run to running.
func (g *Graph) MarkRunning(f *future.Future) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running[f.Fingerprint()] = true
}

// MarkDone releases the running marker for f, once it reaches a terminal
// state.
func (g *Graph) MarkDone(f *future.Future) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, f.Fingerprint())
	g.notifyProgressLocked()
}

// IsRunning reports whether fp is currently marked running.
func (g *Graph) IsRunning(fp fingerprint.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running[fp]
}

// Len returns the number of futures registered in the graph.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.futures)
}

// All returns every future registered in the graph, in indeterminate order.
// Used by session close for the cancellation sweep (spec §4.6).
func (g *Graph) All() []*future.Future {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*future.Future, 0, len(g.futures))
	for _, f := range g.futures {
		out = append(out, f)
	}
	return out
}

// ReadyLen reports the number of futures currently queued as ready-to-run.
// The driver's deadlock check does not use it; it reads Next instead.
func (g *Graph) ReadyLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.readyQ)
}

// RunningLen reports the number of futures currently marked running.
func (g *Graph) RunningLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.running)
}

// Next atomically reports the next ready future (nil if none), the current
// running count, and the progress channel to wait on if there is neither —
// all under a single lock acquisition, so a driver never misses a
// notification that lands between separately checking PopReady/RunningLen
// and fetching ProgressChan (spec §4.6, "suspend until at least one running
// task progresses").
func (g *Graph) Next() (ready *future.Future, runningLen int, progress <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for len(g.readyQ) > 0 {
		f := g.readyQ[0]
		g.readyQ = g.readyQ[1:]
		delete(g.readySet, f.Fingerprint())
		if !g.running[f.Fingerprint()] {
			return f, len(g.running), g.progress
		}
	}
	return nil, len(g.running), g.progress
}
