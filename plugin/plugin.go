// Package plugin defines the session event subscriber contract (spec §4.6,
// §6). It is grounded on original_source/mona/sessions.py's SessionPlugin,
// whose every hook has an empty body by default so a subclass overrides
// only the events it cares about; the Go equivalent is BasePlugin, a
// struct of no-op methods a concrete plugin embeds anonymously.
package plugin

import (
	"sync"

	"github.com/jhrmnn/mona/task"
)

// Event names the fixed set the session emits, invoking every registered
// plugin's handler synchronously in registration order (spec §4.6).
type Event string

const (
	SessionOpen  Event = "session-open"
	SessionClose Event = "session-close"
	TaskCreated  Event = "task-created"
	TaskReady    Event = "task-ready"
	TaskRunStart Event = "task-run-start"
	TaskRunEnd   Event = "task-run-end"
	TaskDone     Event = "task-done"
	TaskError    Event = "task-error"
	PostEnter    Event = "post-enter"
	PreExit      Event = "pre-exit"
)

// Storage is a small thread-safe key-value store, the Go analogue of
// Session.storage in original_source/mona/sessions.py: general-purpose
// scratch space a plugin can use to accumulate state across a session's
// lifetime (e.g. a cache plugin's connection handle, a metrics plugin's
// counters). Handlers run from whichever worker goroutine finishes a task
// (session.Run dispatches OnTaskRunStart/OnTaskRunEnd/OnTaskDone from up to
// Workers concurrent goroutines), so access is guarded by mu.
type Storage struct {
	mu sync.Mutex
	m  map[string]interface{}
}

// NewStorage creates an empty Storage.
func NewStorage() *Storage { return &Storage{m: make(map[string]interface{})} }

// Get returns the value stored under key, if any.
func (s *Storage) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores val under key.
func (s *Storage) Set(key string, val interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = val
}

// Session is the narrow view of a session a plugin is handed on
// lifecycle events; it deliberately exposes only Storage, not the
// session's internal graph or cache handles (spec §4.6: "Plugins may
// mutate tasks only through exposed operations... they never inspect
// private state").
type Session interface {
	Storage() *Storage
}

// Plugin subscribes to a fixed set of session events. A handler returning a
// non-nil error aborts the session with plugin-error (spec §6, §7).
type Plugin interface {
	OnSessionOpen(s Session) error
	OnSessionClose(s Session) error
	OnTaskCreated(s Session, t *task.Task) error
	OnTaskReady(s Session, t *task.Task) error
	OnTaskRunStart(s Session, t *task.Task) error
	OnTaskRunEnd(s Session, t *task.Task) error
	OnTaskDone(s Session, t *task.Task) error
	OnTaskError(s Session, t *task.Task, err error) error
	OnPostEnter(s Session) error
	OnPreExit(s Session) error
}

// BasePlugin implements every Plugin method as a no-op; a concrete plugin
// embeds it and overrides only the events it subscribes to.
type BasePlugin struct{}

func (BasePlugin) OnSessionOpen(Session) error                  { return nil }
func (BasePlugin) OnSessionClose(Session) error                 { return nil }
func (BasePlugin) OnTaskCreated(Session, *task.Task) error      { return nil }
func (BasePlugin) OnTaskReady(Session, *task.Task) error        { return nil }
func (BasePlugin) OnTaskRunStart(Session, *task.Task) error     { return nil }
func (BasePlugin) OnTaskRunEnd(Session, *task.Task) error       { return nil }
func (BasePlugin) OnTaskDone(Session, *task.Task) error         { return nil }
func (BasePlugin) OnTaskError(Session, *task.Task, error) error { return nil }
func (BasePlugin) OnPostEnter(Session) error                    { return nil }
func (BasePlugin) OnPreExit(Session) error                      { return nil }

var _ Plugin = BasePlugin{}
