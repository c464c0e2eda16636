package hashed

import (
	"math"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/jhrmnn/mona/fingerprint"
)

func TestCanonicalBytesStability(t *testing.T) {
	Convey("Given a mapping built with keys inserted in different orders", t, func() {
		m1 := Mapping{"a": Int(1), "b": String("x")}
		m2 := Mapping{"b": String("x"), "a": Int(1)}

		Convey("their canonical bytes are identical", func() {
			b1, err := m1.CanonicalBytes()
			So(err, ShouldBeNil)
			b2, err := m2.CanonicalBytes()
			So(err, ShouldBeNil)
			So(b1, ShouldResemble, b2)
		})
	})

	Convey("Given a sequence", t, func() {
		s := Sequence{Int(1), String("two"), Bool(true)}

		Convey("its fingerprint is stable across repeated computation", func() {
			f1, err := fingerprint.Of(s)
			So(err, ShouldBeNil)
			f2, err := fingerprint.Of(s)
			So(err, ShouldBeNil)
			So(f1, ShouldEqual, f2)
		})

		Convey("reordering elements changes the fingerprint", func() {
			s2 := Sequence{String("two"), Int(1), Bool(true)}
			f1, _ := fingerprint.Of(s)
			f2, _ := fingerprint.Of(s2)
			So(f1, ShouldNotEqual, f2)
		})
	})

	Convey("Float canonicalisation normalises -0.0 and spells out special values", t, func() {
		zero, err := Float(0).CanonicalBytes()
		So(err, ShouldBeNil)
		negZero, err := Float(negZeroValue()).CanonicalBytes()
		So(err, ShouldBeNil)
		So(zero, ShouldResemble, negZero)

		nan, err := Float(math.NaN()).CanonicalBytes()
		So(err, ShouldBeNil)
		So(nan, ShouldResemble, append([]byte{tagFloat}, "nan"...))
		negInf, err := Float(math.Inf(-1)).CanonicalBytes()
		So(err, ShouldBeNil)
		So(negInf, ShouldResemble, append([]byte{tagFloat}, "-inf"...))
	})
}

func negZeroValue() float64 {
	var z float64
	return -z
}

func TestFutureRefDoesNotEmbedValue(t *testing.T) {
	Convey("A FutureRef's canonical bytes depend only on the referenced fingerprint", t, func() {
		ref := FutureRef{FP: fingerprint.Hash("deadbeef")}
		b, err := ref.CanonicalBytes()
		So(err, ShouldBeNil)
		So(len(b), ShouldEqual, 1+len("deadbeef"))
	})
}

func TestSubstitute(t *testing.T) {
	Convey("Given a sequence embedding a future reference", t, func() {
		fp := fingerprint.Hash("abc123")
		s := Sequence{Int(1), FutureRef{FP: fp}}

		Convey("Substitute replaces the reference with the resolved value", func() {
			resolved := map[fingerprint.Hash]Value{fp: String("resolved")}
			out, err := s.Substitute(resolved)
			So(err, ShouldBeNil)
			seq, ok := out.(Sequence)
			So(ok, ShouldBeTrue)
			So(seq[1], ShouldEqual, String("resolved"))
		})

		Convey("Substitute leaves unresolved references untouched", func() {
			out, err := s.Substitute(map[fingerprint.Hash]Value{})
			So(err, ShouldBeNil)
			seq := out.(Sequence)
			ref, ok := seq[1].(FutureRef)
			So(ok, ShouldBeTrue)
			So(ref.FP, ShouldEqual, fp)
		})

		Convey("a bare top-level FutureRef substitutes via the package-level helper", func() {
			out, err := Substitute(FutureRef{FP: fp}, map[fingerprint.Hash]Value{fp: Int(42)})
			So(err, ShouldBeNil)
			So(out, ShouldEqual, Int(42))
		})
	})
}

func TestCollectFutures(t *testing.T) {
	Convey("Given nested composites embedding the same future twice", t, func() {
		fp := fingerprint.Hash("shared")
		v := Sequence{
			Mapping{"x": FutureRef{FP: fp}},
			FutureRef{FP: fp},
		}

		Convey("CollectFutures deduplicates", func() {
			found := CollectFutures(v)
			So(len(found), ShouldEqual, 1)
			So(found[0], ShouldEqual, fp)
		})
	})
}
