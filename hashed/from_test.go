package hashed

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/jhrmnn/mona/fingerprint"
	"github.com/jhrmnn/mona/merrors"
)

type point struct {
	X, Y int
}

type withUnexported struct {
	X      int
	hidden string
}

type fakeFuture struct{ fp fingerprint.Hash }

func (f fakeFuture) Fingerprint() fingerprint.Hash { return f.fp }

func TestFromScalarsAndStructs(t *testing.T) {
	Convey("From converts native Go values into hashed leaves", t, func() {
		v, err := From(42)
		So(err, ShouldBeNil)
		So(v, ShouldEqual, Int(42))

		v, err = From("hi")
		So(err, ShouldBeNil)
		So(v, ShouldEqual, String("hi"))

		v, err = From(nil)
		So(err, ShouldBeNil)
		So(v, ShouldEqual, Null)
	})

	Convey("From reflects over a plain struct's exported fields", t, func() {
		v, err := From(point{X: 1, Y: 2})
		So(err, ShouldBeNil)
		obj, ok := v.(objectValue)
		So(ok, ShouldBeTrue)
		So(len(obj.fields), ShouldEqual, 2)
	})

	Convey("From skips unexported struct fields entirely", t, func() {
		v, err := From(withUnexported{X: 1, hidden: "secret"})
		So(err, ShouldBeNil)
		obj := v.(objectValue)
		So(len(obj.fields), ShouldEqual, 1)
	})

	Convey("From wraps a FutureHandle as a FutureRef leaf", t, func() {
		v, err := From(fakeFuture{fp: fingerprint.Hash("xyz")})
		So(err, ShouldBeNil)
		ref, ok := v.(FutureRef)
		So(ok, ShouldBeTrue)
		So(ref.FP, ShouldEqual, fingerprint.Hash("xyz"))
	})

	Convey("From rejects a self-referential slice", t, func() {
		cyclic := make([]interface{}, 1)
		cyclic[0] = cyclic
		_, err := From(cyclic)
		So(err, ShouldNotBeNil)
		So(merrors.Is(err, merrors.CycleInValue), ShouldBeTrue)
	})

	Convey("From requires string-keyed maps", t, func() {
		_, err := From(map[int]string{1: "a"})
		So(err, ShouldNotBeNil)
		So(merrors.Is(err, merrors.UnsupportedValue), ShouldBeTrue)
	})

	Convey("From sorts map keys deterministically", t, func() {
		v1, err := From(map[string]int{"b": 2, "a": 1})
		So(err, ShouldBeNil)
		v2, err := From(map[string]int{"a": 1, "b": 2})
		So(err, ShouldBeNil)
		b1, _ := v1.CanonicalBytes()
		b2, _ := v2.CanonicalBytes()
		So(b1, ShouldResemble, b2)
	})
}
