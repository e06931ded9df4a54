package evr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/urpmd/urpmd/pkg/types"
)

func TestRpmvercmp(t *testing.T) {
	// Table cases drawn from RPM's own vercmp test corpus plus the
	// numeric-vs-alpha tiebreak cases.
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "2.0", -1},
		{"2.0", "1.0", 1},
		{"2.0.1", "2.0.1", 0},
		{"2.0", "2.0.1", -1},
		{"2.0.1", "2.0", 1},
		{"2.0.1a", "2.0.1a", 0},
		{"2.0.2a", "2.0.2b", -1},
		{"2.0.2a", "2.0.2", 1},
		{"2.0.2", "2.0.2a", -1},
		{"5.5p1", "5.5p1", 0},
		{"5.5p1", "5.5p2", -1},
		{"5.5p10", "5.5p1", 1},
		{"5.5p1", "5.5p10", -1},
		{"10xyz", "10.1xyz", -1},
		{"xyz10", "xyz10", 0},
		{"xyz10", "xyz10.1", -1},
		{"xyz.4", "xyz.4", 0},
		{"xyz.4", "8", -1},
		{"8", "xyz.4", 1},
		{"1_0", "1_0", 0},
		{"1_0", "1_1", -1},
		{"1_1", "1_0", 1},
		{"1.0", "1_0", 0},
		{"", "", 0},
		{"1", "", 1},
		{"", "1", -1},
	}

	for _, tc := range cases {
		got := rpmvercmp(tc.a, tc.b)
		assert.Equalf(t, tc.want, got, "rpmvercmp(%q, %q)", tc.a, tc.b)

		// rpmvercmp must be antisymmetric.
		reverse := rpmvercmp(tc.b, tc.a)
		assert.Equal(t, -tc.want, reverse, "rpmvercmp(%q, %q) not antisymmetric", tc.b, tc.a)
	}
}

func TestCompare_EpochDominates(t *testing.T) {
	older := types.EVR{Epoch: 0, Version: "9.9", Release: "9"}
	newer := types.EVR{Epoch: 1, Version: "1.0", Release: "1"}

	assert.True(t, Less(older, newer))
	assert.Equal(t, 1, Compare(newer, older))
}

func TestCompare_VersionThenRelease(t *testing.T) {
	a := types.EVR{Version: "1.2", Release: "3"}
	b := types.EVR{Version: "1.2", Release: "4"}
	c := types.EVR{Version: "1.3", Release: "1"}

	assert.True(t, Less(a, b))
	assert.True(t, Less(b, c))
	assert.False(t, Equal(a, b))
}

func TestEqual_SameEVR(t *testing.T) {
	a := types.EVR{Epoch: 2, Version: "1.0", Release: "1"}
	b := types.EVR{Epoch: 2, Version: "1.0", Release: "1"}
	assert.True(t, Equal(a, b))
}

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want types.EVR
	}{
		{"1.0", types.EVR{Version: "1.0"}},
		{"1.0-2", types.EVR{Version: "1.0", Release: "2"}},
		{"3:1.0-2", types.EVR{Epoch: 3, Version: "1.0", Release: "2"}},
		{"3:1.0", types.EVR{Epoch: 3, Version: "1.0"}},
		{"1.0-2.mga9", types.EVR{Version: "1.0", Release: "2.mga9"}},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, Parse(tc.in), "Parse(%q)", tc.in)
	}
}
