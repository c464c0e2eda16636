package session

import (
	"context"
	"sync"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/future"
	"github.com/jhrmnn/mona/hashed"
	"github.com/jhrmnn/mona/merrors"
	"github.com/jhrmnn/mona/plugin"
	"github.com/jhrmnn/mona/task"
)

// Run drives the graph to completion for the given root tasks, dispatching
// ready tasks to at most Workers concurrent goroutines (spec §4.5, §4.6).
// It returns the roots' resolved values in the same order, or the first
// error any of them (or any task on their dependency path) produced.
func (s *Session) Run(ctx context.Context, roots ...*task.Task) ([]hashed.Value, error) {
	if len(roots) == 0 {
		return nil, nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	done := make(chan struct{})
	allTerminal := func() bool {
		for _, r := range roots {
			if !r.Done() && r.State() != future.Errored {
				return false
			}
		}
		return true
	}
	for _, r := range roots {
		r.RegisterDoneHook(func(*future.Future) {
			if allTerminal() {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		})
	}
	if allTerminal() {
		close(done)
	}

	spawn := func(f *future.Future) {
		// Marked running synchronously, before the goroutine that will
		// execute it even starts, so the pump's deadlock check below never
		// observes a future that has been popped and dispatched but not
		// yet counted as running (spec §4.6, §8 prop 5, Termination).
		s.graph.MarkRunning(f)
		wg.Add(1)
		s.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-s.sem }()
			defer s.graph.MarkDone(f)
			t, ok := s.futureToTask(f)
			if !ok {
				return
			}
			if err := s.runTask(ctx, t); err != nil {
				fail(err)
			}
		}()
	}

	stop := make(chan struct{})
	var pumpWg sync.WaitGroup
	pumpWg.Add(1)
	go func() {
		defer pumpWg.Done()
		for {
			select {
			case <-done:
				return
			case <-stop:
				return
			case <-ctx.Done():
				fail(merrors.Wrap(merrors.Cancelled, ctx.Err()))
				return
			case <-s.abortCh:
				fail(s.abortError())
				return
			default:
			}
			f, runningLen, progress := s.graph.Next()
			if f != nil {
				spawn(f)
				continue
			}
			if runningLen == 0 && !allTerminal() {
				fail(merrors.Errorf(merrors.Deadlock, "no ready or running tasks but roots are unresolved"))
				return
			}
			// Nothing ready right now but some task is still running (e.g.
			// suspended on Await): block until the graph changes instead of
			// spinning (spec §4.6, "suspend until at least one running task
			// progresses"). progress was captured in the same locked
			// snapshot as the check above, so a notification racing this
			// select is never missed.
			select {
			case <-progress:
			case <-done:
				return
			case <-stop:
				return
			case <-ctx.Done():
				fail(merrors.Wrap(merrors.Cancelled, ctx.Err()))
				return
			case <-s.abortCh:
				fail(s.abortError())
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		fail(merrors.Wrap(merrors.Cancelled, ctx.Err()))
	case <-s.abortCh:
		fail(s.abortError())
	}
	close(stop)
	pumpWg.Wait()
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	out := make([]hashed.Value, len(roots))
	for i, r := range roots {
		v, ok := r.Result()
		if !ok {
			return nil, r.Err()
		}
		out[i] = v
	}
	return out, nil
}

// runTask executes t's rule body once its dependency futures are all
// resolved, consulting and updating the persistent cache if one is
// configured (spec §4.4, §4.7).
func (s *Session) runTask(ctx context.Context, t *task.Task) error {
	fp := t.Fingerprint()

	if s.cache != nil {
		entry, found, err := s.cache.Get(ctx, fp)
		if err != nil {
			return err
		}
		if found {
			t.SetResult(entry.Value)
			return nil
		}
		if err := s.acquireClaim(ctx, fp); err != nil {
			return err
		}
		defer s.releaseClaim(ctx, fp)
		// Another worker may have published between our Get and our
		// claim; re-check before running the body.
		entry, found, err = s.cache.Get(ctx, fp)
		if err != nil {
			return err
		}
		if found {
			t.SetResult(entry.Value)
			return nil
		}
	}

	resolvedArgs, err := s.resolveArgs(t)
	if err != nil {
		t.SetError(err)
		return err
	}

	if err := s.emit(func(p plugin.Plugin) error { return p.OnTaskRunStart(s, t) }); err != nil {
		t.SetError(err)
		return err
	}
	t.MarkRun()
	s.log.Info("task run start", "rule", t.Rule().ID, "label", t.Label(), "fp", fp.Short())
	raw, runErr := t.Rule().Fn(task.NewCtx(ctx, t, s), resolvedArgs)
	// Checked like every other lifecycle hook (spec §6): a plugin error here
	// aborts the session even though the rule body itself already returned.
	if err := s.emit(func(p plugin.Plugin) error { return p.OnTaskRunEnd(s, t) }); err != nil {
		t.SetError(err)
		return err
	}

	if runErr != nil {
		werr := merrors.Wrap(merrors.RuleFailure, runErr)
		s.log.Error("task run failed", "rule", t.Rule().ID, "label", t.Label(), "fp", fp.Short(), "err", runErr)
		t.SetError(werr)
		if err := s.emit(func(p plugin.Plugin) error { return p.OnTaskError(s, t, werr) }); err != nil {
			return err
		}
		return werr
	}

	hval, err := hashed.From(raw)
	if err != nil {
		werr := merrors.Wrap(merrors.UnsupportedValue, err)
		t.SetError(werr)
		return werr
	}

	finalVal, deps, err := s.awaitEmbedded(ctx, t, hval)
	if err != nil {
		t.SetError(err)
		if hookErr := s.emit(func(p plugin.Plugin) error { return p.OnTaskError(s, t, err) }); hookErr != nil {
			return hookErr
		}
		return err
	}

	if s.cache != nil {
		_, inputHash, err := task.ComputeFingerprint(t.Rule(), t.Args())
		if err != nil {
			return err
		}
		if err := s.cache.Commit(ctx, fp, t.Rule().ID, inputHash, finalVal, deps); err != nil {
			return err
		}
	}
	t.SetResult(finalVal)
	s.log.Debug("task done", "rule", t.Rule().ID, "label", t.Label(), "fp", fp.Short())
	if err := s.emit(func(p plugin.Plugin) error { return p.OnTaskDone(s, t) }); err != nil {
		return err
	}
	return nil
}

// resolveArgs substitutes every future embedded in t's canonicalised
// arguments with its (already resolved, since t only became ready once its
// dependency futures settled) concrete value.
func (s *Session) resolveArgs(t *task.Task) ([]hashed.Value, error) {
	resolved, err := s.resolvedMapFor(hashed.Sequence(t.Args()))
	if err != nil {
		return nil, err
	}
	out := make([]hashed.Value, len(t.Args()))
	for i, a := range t.Args() {
		v, err := hashed.Substitute(a, resolved)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *Session) resolvedMapFor(v hashed.Value) (map[fingerprint.Hash]hashed.Value, error) {
	resolved := map[fingerprint.Hash]hashed.Value{}
	for _, fp := range hashed.CollectFutures(v) {
		f, ok := s.graph.Get(fp)
		if !ok {
			return nil, merrors.Errorf(merrors.FutureFailure, "reference to unknown future %s", fp.Short())
		}
		val, ok := f.Result()
		if !ok {
			return nil, merrors.Errorf(merrors.FutureFailure, "future %s is not resolved", fp.Short())
		}
		resolved[fp] = val
	}
	return resolved, nil
}

// awaitEmbedded blocks on every future embedded in a task's raw result
// (e.g. a side task returned directly, or nested inside a composite) until
// each resolves, then substitutes them in, mirroring spec §4.4 step 4: "the
// task remains Ready-but-not-Done until its returned futures resolve too."
// Blocking the executing goroutine achieves the same effect as a
// dependency-graph re-suspension would: the wait goes through s.Await, so
// the goroutine gives up its worker slot while it blocks.
func (s *Session) awaitEmbedded(ctx context.Context, caller *task.Task, v hashed.Value) (hashed.Value, []fingerprint.Hash, error) {
	pending := hashed.CollectFutures(v)
	if len(pending) == 0 {
		return v, nil, nil
	}
	resolved := make(map[fingerprint.Hash]hashed.Value, len(pending))
	for _, fp := range pending {
		f, ok := s.graph.Get(fp)
		if !ok {
			return nil, nil, merrors.Errorf(merrors.FutureFailure, "task returned reference to unknown future %s", fp.Short())
		}
		val, err := s.Await(ctx, caller, f)
		if err != nil {
			return nil, nil, merrors.Wrap(merrors.DependencyFailed, err)
		}
		resolved[fp] = val
	}
	final, err := hashed.Substitute(v, resolved)
	if err != nil {
		return nil, nil, err
	}
	return final, pending, nil
}
