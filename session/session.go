// Package session drives the evaluation loop of spec §3-§6: it owns the
// in-memory graph, the optional persistent cache, and the plugin roster, and
// schedules ready tasks to run their rule bodies to completion (or to their
// next suspension point).
//
// The driver loop is grounded on
// polydawn-repeatr/core/actors/foreman/foreman.go's shape: a single
// goroutine (or, with concurrency configured, a small worker pool) pulling
// work off a queue under a lock and dispatching it, rather than an
// unbounded goroutine-per-task fan-out. Structured logging follows the
// log15.Logger-threaded-as-a-field convention used throughout
// polydawn-repeatr's executor and rio packages.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/inconshreveable/log15"

	"github.com/jhrmnn/mona/cache"
	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/future"
	"github.com/jhrmnn/mona/graph"
	"github.com/jhrmnn/mona/hashed"
	"github.com/jhrmnn/mona/merrors"
	"github.com/jhrmnn/mona/plugin"
	"github.com/jhrmnn/mona/task"
)

// nested tracks whether a session is currently open in this process, since
// spec §4.6 forbids opening one session from inside another's rule bodies
// (a global would make Ctx.Call ambient again, so this flag exists purely
// to reject the mistake at Open time, not to route calls).
var nested int32

// Options configures a session (spec §4.6).
type Options struct {
	// CachePath, if non-empty, opens a persistent cache at this path
	// shared across sessions and processes (spec §4.7). Empty disables
	// persistence: every task is computed afresh in this session's graph.
	CachePath string
	CacheOpts cache.Options

	// Workers bounds how many tasks may run their bodies concurrently.
	// Every body runs in its own goroutine and holds a worker slot while
	// it executes; a body suspended in Await gives its slot up. 1 (the
	// default) therefore lets one body execute at a time, cooperatively;
	// N>1 lets up to N execute at once (spec §4.6, "Concurrency").
	Workers int

	Log log15.Logger
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Log == nil {
		o.Log = log15.New()
		o.Log.SetHandler(log15.DiscardHandler())
	}
}

// Session evaluates a task graph to completion, memoizing results in an
// optional persistent cache and notifying registered plugins of lifecycle
// events (spec §3-§6).
type Session struct {
	opts    Options
	graph   *graph.Graph
	cache   *cache.Cache
	storage *plugin.Storage
	log     log15.Logger

	pluginsMu sync.RWMutex
	plugins   []plugin.Plugin

	tasksMu sync.Mutex
	tasks   map[fingerprint.Hash]*task.Task

	claims claimSet

	sem chan struct{}

	abortMu  sync.Mutex
	abortErr error
	abortCh  chan struct{}

	closeOnce sync.Once
	closed    int32
}

var _ task.Invoker = (*Session)(nil)
var _ plugin.Session = (*Session)(nil)

// Open starts a session. It fails with nested-session if a session is
// already open in this process (spec §4.6).
func Open(opts Options) (*Session, error) {
	opts.setDefaults()
	if !atomic.CompareAndSwapInt32(&nested, 0, 1) {
		return nil, merrors.Errorf(merrors.NestedSession, "a session is already open in this process")
	}
	s := &Session{
		opts:    opts,
		graph:   graph.New(),
		storage: plugin.NewStorage(),
		log:     opts.Log,
		tasks:   make(map[fingerprint.Hash]*task.Task),
		claims:  claimSet{m: make(map[fingerprint.Hash]bool)},
		sem:     make(chan struct{}, opts.Workers),
		abortCh: make(chan struct{}),
	}
	if opts.CachePath != "" {
		c, err := cache.Open(opts.CachePath, opts.CacheOpts)
		if err != nil {
			atomic.StoreInt32(&nested, 0)
			return nil, err
		}
		s.cache = c
	}
	if err := s.emit(func(p plugin.Plugin) error { return p.OnSessionOpen(s) }); err != nil {
		s.forceClose()
		return nil, err
	}
	if err := s.emit(func(p plugin.Plugin) error { return p.OnPostEnter(s) }); err != nil {
		s.forceClose()
		return nil, err
	}
	return s, nil
}

// RegisterPlugin adds p to the roster. Must be called before Run to see
// task lifecycle events from the start (spec §4.6).
func (s *Session) RegisterPlugin(p plugin.Plugin) {
	s.pluginsMu.Lock()
	defer s.pluginsMu.Unlock()
	s.plugins = append(s.plugins, p)
}

// Storage implements plugin.Session.
func (s *Session) Storage() *plugin.Storage { return s.storage }

// emit runs call against every registered plugin in registration order,
// stopping at the first error. Any handler error aborts the whole session
// (spec §6: "a handler returning an error aborts the session with
// plugin-error"), recorded via abort so the failure surfaces even from
// hooks with no synchronous caller to propagate an error through (e.g. a
// ready hook fired from inside a child goroutine's future transition).
func (s *Session) emit(call func(plugin.Plugin) error) error {
	s.pluginsMu.RLock()
	plugins := append([]plugin.Plugin(nil), s.plugins...)
	s.pluginsMu.RUnlock()
	for _, p := range plugins {
		if err := call(p); err != nil {
			werr := merrors.Wrap(merrors.PluginError, err)
			s.abort(werr)
			return werr
		}
	}
	return nil
}

// abort records the session's first plugin-triggered failure and wakes any
// Run driver currently blocked waiting for graph progress, so the failure
// is guaranteed to surface as that Run's error (spec §6). Idempotent: only
// the first call sticks, matching Run's own first-error-wins semantics.
func (s *Session) abort(err error) {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	if s.abortErr == nil {
		s.abortErr = err
		close(s.abortCh)
	}
}

func (s *Session) abortError() error {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	return s.abortErr
}

// Call implements task.Invoker: it canonicalises args, computes the task's
// fingerprint, and returns the graph's existing task for that fingerprint
// or creates a fresh one (spec §4.4 steps 1-3).
func (s *Session) Call(ctx context.Context, caller *task.Task, rule task.Rule, args ...interface{}) (*task.Task, error) {
	hargs := make([]hashed.Value, len(args))
	for i, a := range args {
		v, err := hashed.From(a)
		if err != nil {
			return nil, merrors.Wrap(merrors.UnsupportedValue, err)
		}
		hargs[i] = v
	}
	fp, _, err := task.ComputeFingerprint(rule, hargs)
	if err != nil {
		return nil, err
	}

	// Resolved before GetOrInsert, never inside its factory: Graph.Get
	// takes the same lock GetOrInsert already holds while running the
	// factory, and a call graph passing a future as an argument (spec
	// §4.1, §4.2) would otherwise self-deadlock the calling goroutine.
	argFutures := make([]*future.Future, 0)
	seen := map[fingerprint.Hash]bool{}
	for _, fpChild := range hashed.CollectFutures(hashed.Sequence(hargs)) {
		if childFut, ok := s.graph.Get(fpChild); ok && !seen[fpChild] {
			seen[fpChild] = true
			argFutures = append(argFutures, childFut)
		}
	}

	var created bool
	var t *task.Task
	fut, wasNew := s.graph.GetOrInsert(fp, func() *future.Future {
		t = task.New(fp, rule, hargs, argFutures, fmt.Sprintf("%s%v", rule.ID, args))
		// Recorded here, while graph still holds its lock on fp, so no
		// concurrent Call for the same fingerprint can observe wasNew=false
		// before the mapping is visible (spec §4.4 step 3 dedup guarantee).
		s.tasksMu.Lock()
		s.tasks[fp] = t
		s.tasksMu.Unlock()
		created = true
		return t.Future
	})
	if !wasNew {
		existing, ok := s.futureToTask(fut)
		if !ok {
			return nil, merrors.Errorf(merrors.RuleFailure, "fingerprint collision: %s registered without a task", fp.Short())
		}
		t = existing
	}

	if caller != nil {
		caller.AddSideTask(t)
	}
	if created {
		if err := s.emit(func(p plugin.Plugin) error { return p.OnTaskCreated(s, t) }); err != nil {
			return nil, err
		}
		t.RegisterReadyHook(func(*future.Future) {
			// Fired from whichever goroutine happens to resolve t's last
			// child future, which is not necessarily this call's own
			// goroutine, so a failing handler here has no caller to return
			// an error to; emit's internal abort() is what surfaces it.
			_ = s.emit(func(p plugin.Plugin) error { return p.OnTaskReady(s, t) })
		})
	}
	return t, nil
}

// Await implements task.Invoker. It is a suspension point (spec §5): the
// calling goroutine gives up its worker slot for the duration of the wait,
// the way an asyncio coroutine yields control back to the event loop at an
// await expression, so a single-Worker session can still make progress on
// the future being waited for. caller is the task doing the suspending
// (nil only for a top-level Await with no enclosing task); its own cache
// claim, not the awaited future's, is what needs the heartbeat, since it is
// caller's claim that another worker's stale-claim sweep could reclaim
// while caller's body sits suspended here (spec §4.7).
func (s *Session) Await(ctx context.Context, caller *task.Task, fut *future.Future) (hashed.Value, error) {
	if s.cache != nil && caller != nil {
		s.heartbeatOnSuspend(ctx, caller)
	}
	s.releaseSlot()
	defer s.acquireSlot()
	return fut.Await(ctx)
}

func (s *Session) releaseSlot() { <-s.sem }
func (s *Session) acquireSlot() { s.sem <- struct{}{} }

// heartbeatOnSuspend refreshes caller's own claim heartbeat at the moment
// its body suspends on an Await, so a stale-claim sweep by another worker
// never reclaims a task that is merely waiting on a dependency (spec §4.7).
func (s *Session) heartbeatOnSuspend(ctx context.Context, caller *task.Task) {
	_ = s.cache.Heartbeat(ctx, caller.Fingerprint())
}

func (s *Session) futureToTask(fut *future.Future) (*task.Task, bool) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	t, ok := s.tasks[fut.Fingerprint()]
	return t, ok
}
