package stats

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, limit uint64) *Stats {
	t.Helper()

	s, err := New(limit)
	require.NoError(t, err)

	return s
}

func record(t *testing.T, s *Stats, values ...uint64) {
	t.Helper()

	for _, v := range values {
		require.NoError(t, s.Record(v))
	}
}

func TestNewRejectsBadLimits(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrAllocation)

	_, err = New(MaxLimit + 1)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestEmptyHistogram(t *testing.T) {
	s := mustNew(t, 100)

	assert.Zero(t, s.Count())
	assert.Zero(t, s.Min())
	assert.Zero(t, s.Max())
	assert.Zero(t, s.Mean())
	assert.Zero(t, s.Stdev(0))
	assert.Zero(t, s.WithinStdev(0, 0, 1))
	assert.Zero(t, s.Percentile(99))
	assert.Zero(t, s.Popcount())

	_, _, ok := s.ValueAt(0)
	assert.False(t, ok)
}

func TestRecordRandomSequences(t *testing.T) {
	const limit = 5000
	rnd := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		s := mustNew(t, limit)
		n := 1 + rnd.Intn(500)

		var lo, hi uint64 = math.MaxUint64, 0
		for i := 0; i < n; i++ {
			v := uint64(rnd.Intn(limit))
			require.NoError(t, s.Record(v))
			lo = min(lo, v)
			hi = max(hi, v)
		}

		assert.Equal(t, uint64(n), s.Count())
		assert.Equal(t, lo, s.Min())
		assert.Equal(t, hi, s.Max())
		assert.Equal(t, hi, s.Percentile(100))
	}
}

func TestRecordOutOfRange(t *testing.T) {
	s := mustNew(t, 10)
	record(t, s, 3)

	for _, v := range []uint64{10, 11, 1 << 40} {
		assert.ErrorIs(t, s.Record(v), ErrOutOfRange)
	}

	assert.Equal(t, uint64(1), s.Count())
	assert.Equal(t, uint64(3), s.Max())
}

func TestMeanStdev(t *testing.T) {
	s := mustNew(t, 100)
	record(t, s, 2, 4, 4, 4, 5, 5, 7, 9)

	mean := s.Mean()
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.0, s.Stdev(mean), 1e-9)

	// 2 and 9 are more than one stdev away from 5.
	assert.InDelta(t, 6.0/8.0, s.WithinStdev(mean, 2.0, 1), 1e-9)
	assert.InDelta(t, 1.0, s.WithinStdev(mean, 2.0, 2), 1e-9)
}

func TestPercentileLowerBiased(t *testing.T) {
	s := mustNew(t, 1000)
	for v := uint64(1); v <= 100; v++ {
		record(t, s, v)
	}

	assert.Equal(t, uint64(1), s.Percentile(0))
	assert.Equal(t, uint64(50), s.Percentile(50))
	assert.Equal(t, uint64(90), s.Percentile(90))
	assert.Equal(t, uint64(99), s.Percentile(99))
	assert.Equal(t, uint64(100), s.Percentile(100))
}

func TestPopcount(t *testing.T) {
	s := mustNew(t, 100)
	record(t, s, 5, 5, 5, 9)

	assert.Equal(t, uint64(2), s.Popcount())
}

func TestValueAt(t *testing.T) {
	s := mustNew(t, 100)
	record(t, s, 7, 3, 7, 50)

	expected := []struct{ value, count uint64 }{{3, 1}, {7, 2}, {50, 1}}
	for i, e := range expected {
		v, c, ok := s.ValueAt(uint64(i))
		require.True(t, ok)
		assert.Equal(t, e.value, v)
		assert.Equal(t, e.count, c)
	}

	_, _, ok := s.ValueAt(3)
	assert.False(t, ok)
}

func TestMergeBuckets(t *testing.T) {
	a := mustNew(t, 10)
	b := mustNew(t, 10)
	record(t, a, 1, 1, 2)
	record(t, b, 2, 3)

	m, err := Merge(a, b)
	require.NoError(t, err)

	assert.Equal(t, uint64(5), m.Count())
	assert.Equal(t, uint64(3), m.Percentile(100))

	var buckets = map[uint64]uint64{}
	m.Each(func(v, c uint64) { buckets[v] = c })
	assert.Equal(t, map[uint64]uint64{1: 2, 2: 2, 3: 1}, buckets)
}

func TestMergeCommutes(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	a := mustNew(t, 2000)
	b := mustNew(t, 3000)
	for i := 0; i < 1000; i++ {
		record(t, a, uint64(rnd.Intn(2000)))
		record(t, b, uint64(rnd.Intn(3000)))
	}

	ab, err := Merge(a, b)
	require.NoError(t, err)
	ba, err := Merge(b, a)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
	assert.Equal(t, uint64(3000), ab.Limit())
}

func TestMergeLimitMismatch(t *testing.T) {
	small := mustNew(t, 10)
	large := mustNew(t, 100)
	record(t, large, 50)

	assert.ErrorIs(t, small.Merge(large), ErrLimitMismatch)

	// A larger histogram whose values still fit is accepted.
	fits := mustNew(t, 100)
	record(t, fits, 9)
	assert.NoError(t, small.Merge(fits))
}

func TestCorrectRaisesHighPercentiles(t *testing.T) {
	s := mustNew(t, 100000)
	for i := 0; i < 1000; i++ {
		record(t, s, 100)
	}
	record(t, s, 50000)

	before := s.Percentile(99)
	beforeCount := s.Count()

	s.Correct(1000)

	assert.GreaterOrEqual(t, s.Percentile(99), before)
	assert.Greater(t, s.Percentile(99), uint64(100))
	// 49000, 48000, ..., 2000 plus the stall weighted once
	assert.Equal(t, beforeCount+48+1, s.Count())
	assert.Equal(t, uint64(50000), s.Max())
	assert.Equal(t, uint64(100), s.Min())
}

func TestCorrectKeepsSingleStallAtTop(t *testing.T) {
	s := mustNew(t, 20000)
	for i := 0; i < 90; i++ {
		record(t, s, 1)
	}
	record(t, s, 10000)
	require.Equal(t, uint64(10000), s.Percentile(99))

	s.Correct(100)

	assert.Equal(t, uint64(10000), s.Percentile(99))
	assert.Greater(t, s.Count(), uint64(91))
}

func TestCorrectWithoutStallIsNoop(t *testing.T) {
	s := mustNew(t, 1000)
	record(t, s, 10, 20, 30)

	s.Correct(100)

	assert.Equal(t, uint64(3), s.Count())
	assert.Equal(t, uint64(30), s.Percentile(99))
}

func TestCorrectStaysAboveMin(t *testing.T) {
	s := mustNew(t, 1000)
	record(t, s, 150, 500)

	s.Correct(100)

	// 400, 300, 200 and the stall weighted three times
	assert.Equal(t, uint64(8), s.Count())
	assert.Equal(t, uint64(150), s.Min())
	assert.Equal(t, uint64(500), s.Percentile(99))
	assert.Equal(t, uint64(400), s.Percentile(50))
}

func TestCorrectSingleSampleIsNoop(t *testing.T) {
	s := mustNew(t, 1000)
	record(t, s, 500)

	s.Correct(100)

	assert.Equal(t, uint64(1), s.Count())
	assert.Equal(t, uint64(500), s.Min())
}

func TestCorrectNeverLowersPercentiles(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	quantiles := []float64{50, 75, 90, 99, 100}

	for i := 0; i < 300; i++ {
		s := mustNew(t, 100000)
		n := 1 + rnd.Intn(400)
		for j := 0; j < n; j++ {
			v := uint64(1 + rnd.Intn(200))
			switch rnd.Intn(20) {
			case 0:
				v = uint64(1 + rnd.Intn(99999))
			case 1:
				v = uint64(1000 + rnd.Intn(5000))
			}
			record(t, s, v)
		}

		before := make([]uint64, len(quantiles))
		for k, p := range quantiles {
			before[k] = s.Percentile(p)
		}
		count, lo, hi := s.Count(), s.Min(), s.Max()

		expected := uint64(s.Mean() * (0.5 + rnd.Float64()))
		if expected == 0 {
			expected = 1
		}
		s.Correct(expected)

		for k, p := range quantiles {
			assert.GreaterOrEqual(t, s.Percentile(p), before[k], "run %d p%v expected %d", i, p, expected)
		}
		assert.GreaterOrEqual(t, s.Count(), count)
		assert.Equal(t, lo, s.Min())
		assert.Equal(t, hi, s.Max())
	}
}

func TestErrorsAdd(t *testing.T) {
	var total Errors
	total.Add(Errors{Connect: 1, Read: 2, Write: 3, Status: 4, Timeout: 5})
	total.Add(Errors{Connect: 1, Timeout: 1})

	assert.Equal(t, Errors{Connect: 2, Read: 2, Write: 3, Status: 4, Timeout: 6}, total)
	assert.Equal(t, uint64(13), total.Socket())
	assert.Equal(t, uint64(17), total.Total())
}
