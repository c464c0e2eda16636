// Package task specialises a future.Future with a rule invocation: the
// rule identity, its canonicalised input composite, and the side tasks
// created while its body ran (spec §3, §4.4).
package task

import (
	"context"
	"sync"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/future"
	"github.com/jhrmnn/mona/hashed"
)

// Func is a rule body: a possibly-suspending computation over already
// substituted arguments. It suspends only by calling methods on ctx (spec
// §5: awaiting a future, or the cache-claim backoff, are the only
// suspension points). Its return value may itself embed unresolved
// futures — for example the result of ctx.Call — in which case the task
// stays Ready-but-not-Done until they resolve (spec §4.4 step 4).
type Func func(ctx *Ctx, args []hashed.Value) (interface{}, error)

// Rule is a registered, identity-bearing, possibly-suspending function that
// produces a task when invoked in a session (spec §4.4, GLOSSARY).
// Identity is a stable string, conventionally a qualified name plus a
// version tag; changing it invalidates the persistent cache for every task
// created from this rule (spec §6).
type Rule struct {
	ID string
	Fn Func
}

func (r Rule) String() string { return r.ID }

// Ctx is the ambient execution context threaded into a running rule body
// (spec §9, "Global/ambient session" design note: "a context parameter
// threaded through all rule calls is equivalent and safer" than a global).
// It is implemented by the session package; task only depends on the
// narrow interface a rule body needs, keeping task free of a session
// import cycle.
type Ctx struct {
	context.Context
	caller  *Task
	invoker Invoker
}

// Invoker is the subset of session behaviour a running rule body may call
// into: creating further tasks and awaiting futures. Await takes the
// suspending task itself, not just the future it is waiting on, so the
// session can heartbeat the caller's own cache claim rather than the
// future being awaited (spec §4.7: "heartbeats are refreshed by the holder
// every suspension point of the running task").
type Invoker interface {
	Call(ctx context.Context, caller *Task, rule Rule, args ...interface{}) (*Task, error)
	Await(ctx context.Context, caller *Task, fut *future.Future) (hashed.Value, error)
}

// NewCtx builds the ambient context handed to a running task's body.
func NewCtx(base context.Context, caller *Task, invoker Invoker) *Ctx {
	return &Ctx{Context: base, caller: caller, invoker: invoker}
}

// Call creates (or reuses, by fingerprint) a task for rule(args), recording
// it as a side task of the currently running task (spec §4.4, §4.6
// "side-task capture").
func (c *Ctx) Call(rule Rule, args ...interface{}) (*Task, error) {
	return c.invoker.Call(c.Context, c.caller, rule, args...)
}

// Await suspends the running task's goroutine until fut resolves,
// returning its value or its error (spec §4.3 Await, §5 suspension
// points).
func (c *Ctx) Await(fut *future.Future) (hashed.Value, error) {
	return c.invoker.Await(c.Context, c.caller, fut)
}

// Task is a rule invocation: a future.Future carrying the rule identity, the
// canonicalised argument composite, and the side tasks its body creates.
type Task struct {
	*future.Future

	rule       Rule
	args       []hashed.Value
	label      string
	hasDefault bool
	defaultVal hashed.Value

	mu        sync.Mutex
	hasRun    bool
	sideTasks []*Task
}

// New constructs a task future. argFutures are the futures embedded in args
// (spec §4.4 step 1: "extract embedded futures"); fp is the task's already
// computed fingerprint (rule identity folded with the argument composite's
// fingerprint, spec §4.4 step 2).
func New(fp fingerprint.Hash, rule Rule, args []hashed.Value, argFutures []*future.Future, label string) *Task {
	return &Task{
		Future: future.New(fp, argFutures),
		rule:   rule,
		args:   args,
		label:  label,
	}
}

// Rule returns the rule this task invokes.
func (t *Task) Rule() Rule { return t.rule }

// Args returns the task's canonicalised, not-yet-substituted arguments.
func (t *Task) Args() []hashed.Value { return t.args }

// Label is a human-readable identifier; session.Call builds it as the rule
// ID followed by the call's arguments, such as "fib@1[3]". Used only for
// logging (spec §9 supplemented feature, original_source/mona/tasks.py
// `_label`).
func (t *Task) Label() string { return t.label }

// SetDefault installs a value to be returned by ValueOrDefault when the
// task has not finished, mirroring HashedFuture.value_or_default in
// original_source/mona/tasks.py.
func (t *Task) SetDefault(v hashed.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasDefault = true
	t.defaultVal = v
}

// ValueOrDefault returns the task's result if Done, else its declared
// default if one was set, else (nil, false).
func (t *Task) ValueOrDefault() (hashed.Value, bool) {
	if v, ok := t.Result(); ok {
		return v, true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasDefault {
		return t.defaultVal, true
	}
	return nil, false
}

// MarkRun records that the task's body has been invoked, for the
// Has-run?/no-yes execution state spec §3 adds atop the future's own
// state.
func (t *Task) MarkRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hasRun = true
}

// HasRun reports whether the task's body has been invoked.
func (t *Task) HasRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasRun
}

// AddSideTask records a task created during this task's body execution
// (spec §4.4 step 3).
func (t *Task) AddSideTask(st *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sideTasks = append(t.sideTasks, st)
}

// SideTasks returns the tasks created during this task's body execution.
func (t *Task) SideTasks() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Task, len(t.sideTasks))
	copy(out, t.sideTasks)
	return out
}
