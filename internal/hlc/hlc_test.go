package hlc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFixedNow(t *testing.T, ms uint64) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() uint64 { return ms }
	t.Cleanup(func() { nowFunc = prev })
}

func TestAdvanceBumpsCounterWithinSameMillisecond(t *testing.T) {
	withFixedNow(t, 1000)
	c := New()
	ti, co := c.Advance()
	require.Equal(t, uint64(1000), ti)
	require.Equal(t, uint32(1), co)

	ti, co = c.Advance()
	assert.Equal(t, uint64(1000), ti)
	assert.Equal(t, uint32(2), co)
}

func TestAdvanceResetsCounterOnWallClockJump(t *testing.T) {
	withFixedNow(t, 1000)
	c := New()
	c.Advance()
	c.Advance()

	withFixedNow(t, 1001)
	ti, co := c.Advance()
	assert.Equal(t, uint64(1001), ti)
	assert.Equal(t, uint32(0), co)
}

func TestUpdateAheadOfWallClockAdoptsRemote(t *testing.T) {
	withFixedNow(t, 1000)
	c := New() // (1000, 0)
	c.Update(5000, 7)
	ti, co := c.Time()
	assert.Equal(t, uint64(5000), ti)
	assert.Equal(t, uint32(8), co)
}

func TestUpdateSameInstantTakesMaxCounterPlusOne(t *testing.T) {
	withFixedNow(t, 1000)
	c := New()
	c.Advance() // (1000, 1)
	c.Advance() // (1000, 2)
	c.Update(1000, 5)
	ti, co := c.Time()
	assert.Equal(t, uint64(1000), ti)
	assert.Equal(t, uint32(6), co)
}

func TestUpdatePostconditionExceedsBoth(t *testing.T) {
	withFixedNow(t, 1000)
	c := New()
	before := [2]uint64{1000, 0}
	c.Update(999, 42)
	after1, after2 := c.Time()
	assert.Equal(t, 1, Compare(after1, after2, "x", before[0], 0, "x"))
	assert.Equal(t, 1, Compare(after1, after2, "x", 999, 42, "x"))
}

func TestCompareTotalOrder(t *testing.T) {
	assert.Equal(t, -1, Compare(1, 0, "a", 2, 0, "a"))
	assert.Equal(t, 1, Compare(2, 0, "a", 1, 5, "z"))
	assert.Equal(t, -1, Compare(5, 1, "a", 5, 2, "a"))
	assert.Equal(t, -1, Compare(5, 1, "a", 5, 1, "b"))
	assert.Equal(t, 1, Compare(5, 1, "b", 5, 1, "a"))
	assert.Equal(t, 0, Compare(5, 1, "a", 5, 1, "a"))
}

func TestCompareDeterministicAcrossIndependentSorts(t *testing.T) {
	type stamp struct {
		t uint64
		c uint32
		p string
	}
	in := []stamp{
		{5, 1, "b"}, {5, 1, "a"}, {3, 9, "z"}, {5, 2, "a"}, {1, 0, "q"},
	}
	sortOnce := func(xs []stamp) []stamp {
		out := append([]stamp(nil), xs...)
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && Compare(out[j].t, out[j].c, out[j].p, out[j-1].t, out[j-1].c, out[j-1].p) < 0; j-- {
				out[j], out[j-1] = out[j-1], out[j]
			}
		}
		return out
	}
	a := sortOnce(in)
	b := sortOnce(in)
	assert.Equal(t, a, b)
}
