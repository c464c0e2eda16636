package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/hashed"
)

func openTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	c, err := Open(path, opts)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClaimProtocol(t *testing.T) {
	Convey("Given a fresh cache and a fingerprint with no result", t, func() {
		c := openTestCache(t, Options{WorkerID: "w1"})
		ctx := context.Background()
		fp := fingerprint.Hash("task-1")

		Convey("the first TryClaim succeeds", func() {
			ok, err := c.TryClaim(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})

		Convey("a second TryClaim by another worker fails while the first holds it", func() {
			ok1, _ := c.TryClaim(ctx, fp)
			So(ok1, ShouldBeTrue)

			c2 := openTestCacheSamePath(t, c, "w2")
			ok2, err := c2.TryClaim(ctx, fp)
			So(err, ShouldBeNil)
			So(ok2, ShouldBeFalse)
		})

		Convey("Commit publishes a result and releases the claim", func() {
			ok, _ := c.TryClaim(ctx, fp)
			So(ok, ShouldBeTrue)

			err := c.Commit(ctx, fp, "rule@1", fingerprint.Hash("input"), hashed.Int(42), nil)
			So(err, ShouldBeNil)

			entry, found, err := c.Get(ctx, fp)
			So(err, ShouldBeNil)
			So(found, ShouldBeTrue)
			So(entry.Value, ShouldEqual, hashed.Int(42))
			So(entry.Rule, ShouldEqual, "rule@1")

			ok, err = c.TryClaim(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeFalse) // a result now exists; no claim is ever needed again
		})

		Convey("Release frees a claim without publishing a result", func() {
			ok, _ := c.TryClaim(ctx, fp)
			So(ok, ShouldBeTrue)
			So(c.Release(ctx, fp), ShouldBeNil)

			ok, err := c.TryClaim(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})
	})
}

func TestStaleClaimReclaim(t *testing.T) {
	Convey("Given a claim whose heartbeat has aged past StaleAfter", t, func() {
		c := openTestCache(t, Options{
			WorkerID:       "w1",
			StaleAfter:     1 * time.Millisecond,
			BackoffInitial: 1 * time.Millisecond,
			BackoffCap:     5 * time.Millisecond,
		})
		ctx := context.Background()
		fp := fingerprint.Hash("stale-task")

		ok, err := c.TryClaim(ctx, fp)
		So(err, ShouldBeNil)
		So(ok, ShouldBeTrue)

		Convey("AwaitClaim reclaims it and signals the caller to retry", func() {
			time.Sleep(5 * time.Millisecond)
			retry, err := c.AwaitClaim(ctx, fp)
			So(err, ShouldBeNil)
			So(retry, ShouldBeTrue)

			ok, err := c.TryClaim(ctx, fp)
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)
		})
	})
}

func TestAwaitClaimObservesPublishedResult(t *testing.T) {
	Convey("Given a claim that gets committed while another caller awaits it", t, func() {
		c := openTestCache(t, Options{
			WorkerID:       "w1",
			BackoffInitial: 1 * time.Millisecond,
			BackoffCap:     5 * time.Millisecond,
		})
		ctx := context.Background()
		fp := fingerprint.Hash("awaited-task")
		ok, _ := c.TryClaim(ctx, fp)
		So(ok, ShouldBeTrue)

		done := make(chan error, 1)
		go func() {
			_, err := c.AwaitClaim(ctx, fp)
			done <- err
		}()

		time.Sleep(3 * time.Millisecond)
		So(c.Commit(ctx, fp, "rule@1", fingerprint.Hash("in"), hashed.Bool(true), nil), ShouldBeNil)

		select {
		case err := <-done:
			So(err, ShouldBeNil)
		case <-time.After(time.Second):
			t.Fatal("AwaitClaim never returned")
		}
	})
}

// openTestCacheSamePath opens a second handle onto the same underlying file
// as c, mimicking a second worker process sharing one cache file.
func openTestCacheSamePath(t *testing.T, c *Cache, workerID string) *Cache {
	t.Helper()
	c2, err := Open(c.path, Options{WorkerID: workerID})
	if err != nil {
		t.Fatalf("open second cache handle: %v", err)
	}
	t.Cleanup(func() { c2.Close() })
	return c2
}
