package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spacemonkeygo/errors/try"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/future"
	"github.com/jhrmnn/mona/merrors"
	"github.com/jhrmnn/mona/plugin"
)

// claimSet tracks the fingerprints this session currently holds a live cache
// claim on, so Close can guarantee they are released even if the session
// is torn down mid-run (spec §4.7: a claim must never outlive its owner).
type claimSet struct {
	mu sync.Mutex
	m  map[fingerprint.Hash]bool
}

func (s *Session) acquireClaim(ctx context.Context, fp fingerprint.Hash) error {
	for {
		ok, err := s.cache.TryClaim(ctx, fp)
		if err != nil {
			return err
		}
		if ok {
			s.claims.mu.Lock()
			s.claims.m[fp] = true
			s.claims.mu.Unlock()
			return nil
		}
		s.releaseSlot()
		retry, err := s.cache.AwaitClaim(ctx, fp)
		s.acquireSlot()
		if err != nil {
			return err
		}
		if !retry {
			// a result was published while we waited; the caller re-checks
			// Get() itself.
			return nil
		}
	}
}

func (s *Session) releaseClaim(ctx context.Context, fp fingerprint.Hash) {
	s.claims.mu.Lock()
	_, held := s.claims.m[fp]
	delete(s.claims.m, fp)
	s.claims.mu.Unlock()
	if held {
		_ = s.cache.Release(ctx, fp)
	}
}

// Close ends the session: it cancels every task that never started
// running, releases any cache claims this session still holds, notifies
// plugins, and frees the process-wide nested-session guard (spec §4.6).
// Cleanup runs under try.Do so a panicking plugin hook cannot leak claims,
// following the guaranteed-teardown idiom
// polydawn-repeatr/rio/placer/placers.go uses for emplacement teardown.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		try.Do(func() {
			s.cancelUnstarted()
		}).CatchAll(func(err error) {
			closeErr = err
		}).Done()

		try.Do(func() {
			if err := s.emit(func(p plugin.Plugin) error { return p.OnPreExit(s) }); err != nil && closeErr == nil {
				closeErr = err
			}
			if err := s.emit(func(p plugin.Plugin) error { return p.OnSessionClose(s) }); err != nil && closeErr == nil {
				closeErr = err
			}
		}).CatchAll(func(err error) {
			if closeErr == nil {
				closeErr = err
			}
		}).Done()

		s.releaseAllClaims(context.Background())

		if s.cache != nil {
			if err := s.cache.Close(); err != nil && closeErr == nil {
				closeErr = err
			}
		}
		atomic.StoreInt32(&nested, 0)
	})
	return closeErr
}

// forceClose is used when Open itself fails partway through, to undo the
// nested-session claim and any cache handle without running the full
// plugin-notified shutdown sequence.
func (s *Session) forceClose() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	atomic.StoreInt32(&nested, 0)
}

// cancelUnstarted marks every future in the graph that never began running
// as Cancelled, so Await callers (if any remain, e.g. under a driver bug)
// observe termination rather than hanging forever.
func (s *Session) cancelUnstarted() {
	for _, f := range s.graph.All() {
		if f.Done() || f.State() == future.Errored {
			continue
		}
		if s.graph.IsRunning(f.Fingerprint()) {
			continue
		}
		f.SetError(merrors.Errorf(merrors.Cancelled, "session closed before task ran"))
	}
}

func (s *Session) releaseAllClaims(ctx context.Context) {
	s.claims.mu.Lock()
	fps := make([]fingerprint.Hash, 0, len(s.claims.m))
	for fp := range s.claims.m {
		fps = append(fps, fp)
	}
	s.claims.mu.Unlock()
	for _, fp := range fps {
		s.releaseClaim(ctx, fp)
	}
}
