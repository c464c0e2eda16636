package graph

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/future"
)

func TestGetOrInsertDedup(t *testing.T) {
	Convey("Given an empty graph", t, func() {
		g := New()
		calls := 0
		factory := func() *future.Future {
			calls++
			return future.New(fingerprint.Hash("fp"), nil)
		}

		Convey("the first GetOrInsert invokes the factory", func() {
			_, wasNew := g.GetOrInsert(fingerprint.Hash("fp"), factory)
			So(wasNew, ShouldBeTrue)
			So(calls, ShouldEqual, 1)
		})

		Convey("a second GetOrInsert for the same fingerprint reuses the future", func() {
			f1, _ := g.GetOrInsert(fingerprint.Hash("fp"), factory)
			f2, wasNew := g.GetOrInsert(fingerprint.Hash("fp"), factory)
			So(wasNew, ShouldBeFalse)
			So(calls, ShouldEqual, 1)
			So(f2, ShouldEqual, f1)
		})
	})
}

func TestReadyQueueFIFO(t *testing.T) {
	Convey("Given three futures inserted in order", t, func() {
		g := New()
		var fps []fingerprint.Hash
		for _, tag := range []string{"a", "b", "c"} {
			fp := fingerprint.Hash(tag)
			fps = append(fps, fp)
			g.GetOrInsert(fp, func() *future.Future { return future.New(fp, nil) })
		}

		Convey("PopReady drains them in insertion order", func() {
			So(g.PopReady().Fingerprint(), ShouldEqual, fps[0])
			So(g.PopReady().Fingerprint(), ShouldEqual, fps[1])
			So(g.PopReady().Fingerprint(), ShouldEqual, fps[2])
			So(g.PopReady(), ShouldBeNil)
		})
	})
}

func TestMarkRunningExcludesFromReady(t *testing.T) {
	Convey("Given a ready future that gets marked running", t, func() {
		g := New()
		fp := fingerprint.Hash("x")
		f, _ := g.GetOrInsert(fp, func() *future.Future { return future.New(fp, nil) })
		g.MarkRunning(f)

		Convey("PopReady does not return it again, but MarkDone allows re-enqueue", func() {
			So(g.PopReady(), ShouldBeNil)
			So(g.IsRunning(fp), ShouldBeTrue)
			g.MarkDone(f)
			So(g.IsRunning(fp), ShouldBeFalse)
			g.MarkReady(f)
			So(g.PopReady(), ShouldEqual, f)
		})
	})
}

func TestPendingFutureEnqueuesOnceReady(t *testing.T) {
	Convey("Given a future inserted while still pending on a child", t, func() {
		g := New()
		child := future.New(fingerprint.Hash("child"), nil)
		fp := fingerprint.Hash("parent")
		g.GetOrInsert(fp, func() *future.Future { return future.New(fp, []*future.Future{child}) })

		Convey("it is not ready until the child resolves", func() {
			So(g.PopReady(), ShouldBeNil)
			child.SetResult(nil)
			f := g.PopReady()
			So(f, ShouldNotBeNil)
			So(f.Fingerprint(), ShouldEqual, fp)
		})
	})
}
