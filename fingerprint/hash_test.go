package fingerprint

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

type fakeCanonical struct{ b []byte }

func (f fakeCanonical) CanonicalBytes() ([]byte, error) { return f.b, nil }

func TestOf(t *testing.T) {
	Convey("Given two structurally equal canonical values", t, func() {
		a := fakeCanonical{[]byte("hello")}
		b := fakeCanonical{[]byte("hello")}

		Convey("their fingerprints are equal", func() {
			fa, err := Of(a)
			So(err, ShouldBeNil)
			fb, err := Of(b)
			So(err, ShouldBeNil)
			So(fa, ShouldEqual, fb)
		})

		Convey("a differing byte form fingerprints differently", func() {
			c := fakeCanonical{[]byte("world")}
			fa, _ := Of(a)
			fc, _ := Of(c)
			So(fa, ShouldNotEqual, fc)
		})
	})
}

func TestCombine(t *testing.T) {
	Convey("Given a discriminator and a set of parts", t, func() {
		h1 := OfBytes([]byte("one"))
		h2 := OfBytes([]byte("two"))

		Convey("Combine is deterministic", func() {
			So(Combine("rule-a", h1, h2), ShouldEqual, Combine("rule-a", h1, h2))
		})

		Convey("changing the discriminator changes the result", func() {
			So(Combine("rule-a", h1, h2), ShouldNotEqual, Combine("rule-b", h1, h2))
		})

		Convey("changing part order changes the result", func() {
			So(Combine("rule-a", h1, h2), ShouldNotEqual, Combine("rule-a", h2, h1))
		})
	})
}

func TestShort(t *testing.T) {
	Convey("Short truncates to a display-friendly prefix", t, func() {
		h := OfBytes([]byte("anything"))
		So(len(h.Short()), ShouldEqual, 8)
		So(Nil.Short(), ShouldEqual, string(Nil))
	})
}
