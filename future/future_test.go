package future

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/hashed"
	"github.com/jhrmnn/mona/merrors"
)

func TestZeroChildFutureIsReady(t *testing.T) {
	Convey("A future created with no children starts Ready", t, func() {
		f := New(fingerprint.Hash("a"), nil)
		So(f.State(), ShouldEqual, Ready)
	})
}

func TestParentWaitsOnAllChildren(t *testing.T) {
	Convey("Given a future with two children not yet resolved", t, func() {
		p1 := New(fingerprint.Hash("p1"), nil)
		p2 := New(fingerprint.Hash("p2"), nil)
		parent := New(fingerprint.Hash("parent"), []*Future{p1, p2})

		Convey("the parent stays Pending until both resolve", func() {
			So(parent.State(), ShouldEqual, Pending)
			p1.SetResult(hashed.Int(1))
			So(parent.State(), ShouldEqual, Pending)
			p2.SetResult(hashed.Int(2))
			So(parent.State(), ShouldEqual, Ready)
		})

		Convey("a child error propagates as DependencyFailed", func() {
			p1.SetError(exampleErr())
			So(parent.State(), ShouldEqual, Errored)
			So(merrors.Is(parent.Err(), merrors.DependencyFailed), ShouldBeTrue)
		})
	})
}

func exampleErr() error { return context.DeadlineExceeded }

func TestAwaitReturnsResult(t *testing.T) {
	Convey("Await unblocks once SetResult is called from another goroutine", t, func() {
		f := New(fingerprint.Hash("async"), nil)
		f.MarkReady()
		go func() {
			time.Sleep(5 * time.Millisecond)
			f.SetResult(hashed.String("done"))
		}()
		v, err := f.Await(context.Background())
		So(err, ShouldBeNil)
		So(v, ShouldEqual, hashed.String("done"))
	})

	Convey("Await respects context cancellation", t, func() {
		f := New(fingerprint.Hash("never"), []*Future{New(fingerprint.Hash("blocker2"), nil)})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		_, err := f.Await(ctx)
		So(err, ShouldNotBeNil)
	})
}

func TestRegisterReadyHookFiresOnceForReadyNotErrored(t *testing.T) {
	Convey("A ready hook registered on an Errored future is never invoked", t, func() {
		f := New(fingerprint.Hash("e"), []*Future{New(fingerprint.Hash("blocker3"), nil)})
		f.SetError(exampleErr())
		fired := false
		f.RegisterReadyHook(func(*Future) { fired = true })
		So(fired, ShouldBeFalse)
	})

	Convey("A ready hook registered on an already-Ready future fires immediately", t, func() {
		f := New(fingerprint.Hash("r"), nil)
		fired := false
		f.RegisterReadyHook(func(*Future) { fired = true })
		So(fired, ShouldBeTrue)
	})
}

func TestErrorCatcher(t *testing.T) {
	Convey("A parent with an installed error catcher survives a child's failure", t, func() {
		child := New(fingerprint.Hash("child"), nil)
		parent := New(fingerprint.Hash("parent2"), []*Future{child})
		parent.SetErrorCatcher(func(*Future) bool { return true })

		child.SetError(exampleErr())

		So(parent.State(), ShouldEqual, Ready)
	})
}

func TestSetResultRequiresReady(t *testing.T) {
	Convey("SetResult on a non-Ready future panics", t, func() {
		f := New(fingerprint.Hash("p"), []*Future{New(fingerprint.Hash("blocker4"), nil)})
		So(func() { f.SetResult(hashed.Null) }, ShouldPanic)
	})
}

func TestNewWithAlreadyErroredChildPropagates(t *testing.T) {
	Convey("A child that is already Errored when passed into New is not silently dropped", t, func() {
		child := New(fingerprint.Hash("pre-errored"), nil)
		child.SetError(exampleErr())

		f := New(fingerprint.Hash("depends-on-failed"), []*Future{child})

		Convey("the new future is born Errored rather than Ready", func() {
			So(f.State(), ShouldEqual, Errored)
			So(merrors.Is(f.Err(), merrors.DependencyFailed), ShouldBeTrue)
		})
	})
}

func TestAddChildWithAlreadyErroredChildPropagates(t *testing.T) {
	Convey("Given a Pending future and a child that has already errored", t, func() {
		child := New(fingerprint.Hash("pre-errored2"), nil)
		child.SetError(exampleErr())
		f := New(fingerprint.Hash("waiting"), []*Future{New(fingerprint.Hash("blocker5"), nil)})

		Convey("AddChild transitions f to Errored", func() {
			err := f.AddChild(child)
			So(err, ShouldBeNil) // AddChild itself succeeds; the propagation is via f's own state
			So(f.State(), ShouldEqual, Errored)
			So(merrors.Is(f.Err(), merrors.DependencyFailed), ShouldBeTrue)
		})
	})
}
