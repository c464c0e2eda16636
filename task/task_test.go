package task

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/jhrmnn/mona/hashed"
)

func TestComputeFingerprintIdentity(t *testing.T) {
	Convey("Given the same rule and arguments", t, func() {
		rule := Rule{ID: "add@1"}
		args := []hashed.Value{hashed.Int(1), hashed.Int(2)}

		Convey("ComputeFingerprint is deterministic", func() {
			fp1, in1, err := ComputeFingerprint(rule, args)
			So(err, ShouldBeNil)
			fp2, in2, err := ComputeFingerprint(rule, args)
			So(err, ShouldBeNil)
			So(fp1, ShouldEqual, fp2)
			So(in1, ShouldEqual, in2)
		})

		Convey("a different rule identity changes the fingerprint but not the input hash", func() {
			fp1, in1, _ := ComputeFingerprint(rule, args)
			fp2, in2, _ := ComputeFingerprint(Rule{ID: "add@2"}, args)
			So(fp1, ShouldNotEqual, fp2)
			So(in1, ShouldEqual, in2)
		})

		Convey("different arguments change both", func() {
			fp1, in1, _ := ComputeFingerprint(rule, args)
			fp2, in2, _ := ComputeFingerprint(rule, []hashed.Value{hashed.Int(9), hashed.Int(9)})
			So(fp1, ShouldNotEqual, fp2)
			So(in1, ShouldNotEqual, in2)
		})
	})
}

func TestTaskValueOrDefault(t *testing.T) {
	Convey("Given a fresh task with no default and no result", t, func() {
		rule := Rule{ID: "r"}
		tk := New("fp1", rule, nil, nil, "r()")

		Convey("ValueOrDefault reports not-found", func() {
			_, ok := tk.ValueOrDefault()
			So(ok, ShouldBeFalse)
		})

		Convey("after SetDefault it returns the default", func() {
			tk.SetDefault(hashed.Int(7))
			v, ok := tk.ValueOrDefault()
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, hashed.Int(7))
		})

		Convey("once the task resolves, the real result wins over the default", func() {
			tk.SetDefault(hashed.Int(7))
			tk.SetResult(hashed.Int(99))
			v, ok := tk.ValueOrDefault()
			So(ok, ShouldBeTrue)
			So(v, ShouldEqual, hashed.Int(99))
		})
	})
}

func TestSideTasks(t *testing.T) {
	Convey("Given a running task", t, func() {
		parent := New("p", Rule{ID: "p"}, nil, nil, "p()")
		child := New("c", Rule{ID: "c"}, nil, nil, "c()")

		Convey("AddSideTask records it and HasRun/MarkRun track invocation", func() {
			So(parent.HasRun(), ShouldBeFalse)
			parent.MarkRun()
			So(parent.HasRun(), ShouldBeTrue)

			parent.AddSideTask(child)
			So(len(parent.SideTasks()), ShouldEqual, 1)
			So(parent.SideTasks()[0], ShouldEqual, child)
		})
	})
}
