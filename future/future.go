// Package future implements the unit of deferred value described in
// spec §3-§4.3: a node with a monotonic state, dependency edges to the
// futures it awaits (children) and the futures awaiting it (parents), and
// hooks fired on each state transition.
//
// Suspension is implemented with a channel closed exactly once on the
// transition into a terminal state, rather than goroutine coroutines: a
// task's goroutine calls Await and selects on that channel (and the
// caller's context) until the future reaches Done or Errored, which is
// exactly the suspension point spec §5 restricts blocking to. No library in
// the example pack replaces this kind of one-shot broadcast; the standard
// library is the right tool here (see DESIGN.md).
package future

import (
	"context"
	"sync"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/hashed"
	"github.com/jhrmnn/mona/merrors"
)

// State is a future's position in its monotonic lifecycle: Pending →
// Ready → Done, or … → Errored. No backward transitions are permitted.
type State int

const (
	Pending State = iota
	Ready
	Errored
	Done
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Errored:
		return "errored"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Hook is called once on the next state transition a future undergoes after
// registration, mirroring add_ready_callback/add_done_callback in
// original_source/mona/futures.py collapsed into a single hook type keyed
// by the state being awaited.
type Hook func(*Future)

// Future is a handle to a value that will become available. It is safe for
// concurrent use: all mutation happens under mu, and Await selects on
// termCh, closed exactly once when a terminal state (Done or Errored) is
// reached.
type Future struct {
	fp fingerprint.Hash

	mu     sync.Mutex
	termCh chan struct{}

	state State

	children      map[fingerprint.Hash]*Future
	pendingCount  int
	parents       map[fingerprint.Hash]*Future
	readyHooks    []Hook
	doneHooks     []Hook
	result        hashed.Value
	err           error
	catchChildErr func(child *Future) bool
}

// New creates a future identified by fp with the given children (its
// declared dependencies). A future with zero unresolved children is created
// Ready (spec §8, boundary behaviour: "A future with zero children is
// created Ready"). A child that is already Errored at construction time has
// no future ready/done transition left to propagate its error through, so
// it is folded in immediately: f is born Errored rather than silently
// treating the failed dependency as satisfied (spec §7).
func New(fp fingerprint.Hash, children []*Future) *Future {
	f := &Future{
		fp:       fp,
		termCh:   make(chan struct{}),
		children: make(map[fingerprint.Hash]*Future, len(children)),
		parents:  make(map[fingerprint.Hash]*Future),
	}
	var childErr error
	for _, c := range children {
		if err := f.addChildLocked(c); err != nil && childErr == nil {
			childErr = err
		}
	}
	if childErr != nil {
		f.state = Errored
		f.err = merrors.Wrap(merrors.DependencyFailed, childErr)
		close(f.termCh)
		return f
	}
	if f.pendingCount == 0 {
		f.state = Ready
	}
	return f
}

// Fingerprint implements hashed.FutureHandle so a *Future can be embedded
// directly as an argument or return value and converted to a
// hashed.FutureRef leaf.
func (f *Future) Fingerprint() fingerprint.Hash { return f.fp }

// State returns the future's current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done reports whether the future has reached the terminal Done state.
func (f *Future) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == Done
}

// SetErrorCatcher installs a predicate consulted when a child of f errors:
// if it returns true, f does not propagate the child's error and instead
// continues waiting on its remaining children (spec §7, "unless the parent
// explicitly installs a catch"). The catcher is consulted for every child
// that errors after it is installed; a child already Errored when passed to
// New is not subject to it.
func (f *Future) SetErrorCatcher(catch func(child *Future) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catchChildErr = catch
}

// addChildLocked registers a dependency edge from f to c, called while f is
// exclusively owned by the caller (either not yet published, or under
// f.mu). It returns c's error if c was already Errored when added — the
// only case besides already-Done that a child can be in at add time (spec
// §4.3) — so the caller can propagate it; already-Done children retain no
// edge and are simply treated as satisfied.
func (f *Future) addChildLocked(c *Future) error {
	if _, ok := f.children[c.fp]; ok {
		return nil
	}
	f.children[c.fp] = c
	c.mu.Lock()
	childDone := c.state == Done
	childErrored := c.state == Errored
	childErr := c.err
	if !childDone && !childErrored {
		c.parents[f.fp] = f
	}
	c.mu.Unlock()
	if childErrored {
		return childErr
	}
	if !childDone {
		f.pendingCount++
	}
	return nil
}

// AddChild registers a dependency of f on c. Allowed only while f is
// Pending; idempotent. If c is already Done, no edge is retained and f's
// pending counter is unaffected for that child (spec §4.3). If c is already
// Errored, f is transitioned to Errored (unless a catcher installed via
// SetErrorCatcher accepts it), mirroring what would happen had c errored
// after being added rather than before.
func (f *Future) AddChild(c *Future) error {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return merrors.Errorf(merrors.FutureFailure, "add_child on non-pending future %s", f.fp.Short())
	}
	childErr := f.addChildLocked(c)
	catch := f.catchChildErr
	f.mu.Unlock()
	if childErr != nil && !(catch != nil && catch(c)) {
		f.SetError(merrors.Wrap(merrors.DependencyFailed, childErr))
	}
	return nil
}

// childTerminal is called by a child future while holding no locks of its
// own once it reaches Done or Errored, notifying f.
func (f *Future) childTerminal(child *Future, childErr error) {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return
	}
	if childErr != nil {
		catch := f.catchChildErr != nil && f.catchChildErr(child)
		if !catch {
			f.mu.Unlock()
			f.SetError(merrors.Wrap(merrors.DependencyFailed, childErr))
			return
		}
	}
	f.pendingCount--
	ready := f.pendingCount == 0
	if ready {
		f.state = Ready
	}
	hooks := f.readyHooksSnapshotLocked(ready)
	f.mu.Unlock()
	if ready {
		for _, h := range hooks {
			h(f)
		}
	}
}

func (f *Future) readyHooksSnapshotLocked(ready bool) []Hook {
	if !ready {
		return nil
	}
	hooks := f.readyHooks
	f.readyHooks = nil
	return hooks
}

// MarkReady forces a Pending f directly to Ready, for callers that already
// know all children are satisfied; it does nothing in any other state.
func (f *Future) MarkReady() {
	f.mu.Lock()
	if f.state != Pending {
		f.mu.Unlock()
		return
	}
	f.state = Ready
	hooks := f.readyHooks
	f.readyHooks = nil
	f.mu.Unlock()
	for _, h := range hooks {
		h(f)
	}
}

// SetResult transitions Ready → Done with value v, notifying parents and
// firing done hooks (spec §4.3).
func (f *Future) SetResult(v hashed.Value) {
	f.mu.Lock()
	if f.state != Ready {
		f.mu.Unlock()
		panic(merrors.Errorf(merrors.FutureFailure, "set_result on future %s in state %s", f.fp.Short(), f.state))
	}
	f.result = v
	f.state = Done
	parents := f.parentsSnapshotLocked()
	hooks := f.doneHooks
	f.doneHooks = nil
	close(f.termCh)
	f.mu.Unlock()
	for _, p := range parents {
		p.childTerminal(f, nil)
	}
	for _, h := range hooks {
		h(f)
	}
}

// SetError transitions any non-terminal state to Errored, propagating to
// parents unless they install a catch (spec §4.3, §7).
func (f *Future) SetError(err error) {
	f.mu.Lock()
	if f.state == Done || f.state == Errored {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.state = Errored
	parents := f.parentsSnapshotLocked()
	hooks := f.doneHooks
	f.doneHooks = nil
	close(f.termCh)
	f.mu.Unlock()
	for _, p := range parents {
		p.childTerminal(f, err)
	}
	for _, h := range hooks {
		h(f)
	}
}

func (f *Future) parentsSnapshotLocked() []*Future {
	out := make([]*Future, 0, len(f.parents))
	for _, p := range f.parents {
		out = append(out, p)
	}
	f.parents = nil
	return out
}

// RegisterReadyHook attaches a callback fired the next time f becomes Ready,
// or immediately if it is already Ready or Done.
func (f *Future) RegisterReadyHook(h Hook) {
	f.mu.Lock()
	if f.state == Ready || f.state == Done {
		f.mu.Unlock()
		h(f)
		return
	}
	f.readyHooks = append(f.readyHooks, h)
	f.mu.Unlock()
}

// RegisterDoneHook attaches a callback fired once f reaches a terminal
// state (Done or Errored), or immediately if it already has.
func (f *Future) RegisterDoneHook(h Hook) {
	f.mu.Lock()
	if f.state == Done || f.state == Errored {
		f.mu.Unlock()
		h(f)
		return
	}
	f.doneHooks = append(f.doneHooks, h)
	f.mu.Unlock()
}

// Await suspends the calling goroutine until f reaches a terminal state,
// returning its result or its error. It is the only suspension point a rule
// body may hit besides cache-claim backoff (spec §5).
func (f *Future) Await(ctx context.Context) (hashed.Value, error) {
	select {
	case <-f.termCh:
	case <-ctx.Done():
		return nil, merrors.Wrap(merrors.Cancelled, ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Errored {
		return nil, f.err
	}
	return f.result, nil
}

// Result returns the stored result and true iff f is Done.
func (f *Future) Result() (hashed.Value, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Done {
		return nil, false
	}
	return f.result, true
}

// Err returns the error that put f into Errored, or nil.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
