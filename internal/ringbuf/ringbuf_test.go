package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendBelowCapacity(t *testing.T) {
	b := New[int](4, 0, nil)
	b.Append(1)
	b.Append(2)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 4, b.Cap())
	assert.Equal(t, uint64(0), b.Dropped())
	assert.Equal(t, []int{1, 2}, b.ToSlice())
}

func TestDropOldestKeepsLastN(t *testing.T) {
	for _, tc := range []struct{ n, m int }{{1, 5}, {3, 3}, {3, 4}, {3, 7}, {5, 100}} {
		b := New[int](tc.n, 0, nil)
		for i := 0; i < tc.m; i++ {
			b.Append(i)
		}
		want := make([]int, 0, tc.n)
		start := tc.m - tc.n
		if start < 0 {
			start = 0
		}
		for i := start; i < tc.m; i++ {
			want = append(want, i)
		}
		assert.Equal(t, len(want), b.Len(), "n=%d m=%d", tc.n, tc.m)
		assert.Equal(t, want, b.ToSlice(), "n=%d m=%d", tc.n, tc.m)
		wantDropped := uint64(0)
		if tc.m > tc.n {
			wantDropped = uint64(tc.m - tc.n)
		}
		assert.Equal(t, wantDropped, b.Dropped(), "n=%d m=%d", tc.n, tc.m)
	}
}

func TestZeroCapacityClampsToOne(t *testing.T) {
	b := New[string](0, 0, nil)
	b.Append("a")
	b.Append("b")
	assert.Equal(t, []string{"b"}, b.ToSlice())
	assert.Equal(t, uint64(1), b.Dropped())
}

func TestEstimatedBytesIsAdvisory(t *testing.T) {
	b := New[string](10, 4, func(s string) int { return len(s) })
	b.Append("hello")
	b.Append("world")
	// over the byte guidance, yet nothing is evicted
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, int64(10), b.EstimatedBytes())
	assert.Equal(t, int64(4), b.MaxBytes())

	nb := New[string](2, 0, nil)
	nb.Append("x")
	assert.Equal(t, int64(0), nb.EstimatedBytes())
}

func TestReset(t *testing.T) {
	b := New[int](2, 0, nil)
	b.Append(1)
	b.Append(2)
	b.Append(3)
	b.Reset()
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, uint64(0), b.Dropped())
	assert.Empty(t, b.ToSlice())
	b.Append(9)
	assert.Equal(t, []int{9}, b.ToSlice())
}

func TestCapacityFor(t *testing.T) {
	assert.Equal(t, 10240, CapacityFor(10<<20, 1024))
	assert.Equal(t, 1, CapacityFor(10, 1024))
	assert.Equal(t, 1, CapacityFor(0, 10))
	assert.Equal(t, 1, CapacityFor(10, 0))
}
