// Package stats implements the fixed-capacity latency histogram each worker
// thread records into, and the error counters reported next to it.
//
// A Stats has one bucket per discrete value (one microsecond for latency), so
// recording is a single increment and never allocates. It has no internal
// synchronization: a histogram is written by one thread during the run and
// read or merged only after that thread has stopped.
package stats

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
)

// MaxLimit bounds the number of buckets a single histogram may hold.
const MaxLimit = 1 << 30

var (
	ErrOutOfRange    = errors.New("stats: value exceeds histogram limit")
	ErrAllocation    = errors.New("stats: cannot allocate histogram")
	ErrLimitMismatch = errors.New("stats: histogram limits are incompatible")
)

type Stats struct {
	count uint64
	limit uint64
	min   uint64
	max   uint64
	data  []uint64
}

// New allocates a histogram accepting values in [0, limit).
func New(limit uint64) (s *Stats, err error) {
	if limit == 0 || limit > MaxLimit {
		err = fmt.Errorf("%w: limit %d not in [1, %d]", ErrAllocation, limit, uint64(MaxLimit))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()

	s = &Stats{
		limit: limit,
		min:   math.MaxUint64,
		data:  make([]uint64, limit),
	}

	return
}

// Record adds one sample. Values at or above the limit are rejected with
// ErrOutOfRange and leave the histogram untouched.
func (s *Stats) Record(v uint64) error {
	if v >= s.limit {
		return ErrOutOfRange
	}

	s.data[v]++
	s.count++
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}

	return nil
}

// maxStallWeight bounds the factor Correct scales stalled buckets by.
const maxStallWeight = 1 << 20

// Correct compensates for coordinated omission. A sample of latency v means
// the requests that should have gone out every expected units during the
// stall were never sent; they are synthesized at v-expected, v-2*expected
// and so on, above expected and not below the smallest recorded value, with
// the count of the stalled bucket.
//
// Every stalled bucket is then scaled by one common weight, the smallest
// that keeps the cumulative share of the added samples at or below that of
// the recorded ones at every value. Hence no percentile decreases. When no
// weight in range satisfies that, the histogram is left unchanged.
func (s *Stats) Correct(expected uint64) {
	if expected == 0 || s.count == 0 {
		return
	}

	lo := expected + 1
	if s.min > lo {
		lo = s.min
	}
	first := lo + expected
	if s.max < first {
		return
	}

	synthetic := make([]uint64, s.max)
	var added, stalled uint64
	for v := first; v <= s.max; v++ {
		n := s.data[v]
		if n == 0 {
			continue
		}

		stalled += n
		for m := v - expected; m >= lo; m -= expected {
			synthetic[m] += n
			added += n
		}
	}

	w, ok := s.stallWeight(synthetic, first, added, stalled)
	if !ok {
		return
	}
	hi, extra := bits.Mul64(w, stalled)
	if hi != 0 || extra > math.MaxUint64-added-s.count {
		return
	}

	for v := first; v <= s.max; v++ {
		s.data[v] += w * s.data[v]
	}
	for m, n := range synthetic {
		s.data[m] += n
	}
	s.count += added + extra
}

// stallWeight finds the smallest w such that, at every value x,
//
//	(S(x) + w*T(x)) / (added + w*stalled) <= C(x) / count
//
// where C counts recorded samples up to x, S synthetic ones and T recorded
// samples in stalled buckets.
func (s *Stats) stallWeight(synthetic []uint64, first, added, stalled uint64) (w uint64, ok bool) {
	var c, sy, st uint64
	for x := s.min; x <= s.max; x++ {
		n := s.data[x]
		var d uint64
		if x < uint64(len(synthetic)) {
			d = synthetic[x]
		}
		if n == 0 && d == 0 {
			continue
		}

		c += n
		sy += d
		if x >= first {
			st += n
		}

		// w*(c*stalled - st*count) >= sy*count - c*added
		num, positive := sub128(mul128(sy, s.count), mul128(c, added))
		if !positive {
			continue
		}
		den, positive := sub128(mul128(c, stalled), mul128(st, s.count))
		if !positive {
			return 0, false
		}

		need, fits := ceilDiv128(num, den)
		if !fits || need > maxStallWeight {
			return 0, false
		}
		if need > w {
			w = need
		}
	}

	return w, true
}

type uint128 struct{ hi, lo uint64 }

func mul128(a, b uint64) uint128 {
	hi, lo := bits.Mul64(a, b)
	return uint128{hi, lo}
}

// sub128 returns a-b and whether a > b.
func sub128(a, b uint128) (uint128, bool) {
	lo, borrow := bits.Sub64(a.lo, b.lo, 0)
	hi, borrow := bits.Sub64(a.hi, b.hi, borrow)
	if borrow != 0 || (hi == 0 && lo == 0) {
		return uint128{}, false
	}
	return uint128{hi, lo}, true
}

// ceilDiv128 returns ceil(a/b) when it fits in 64 bits. b must be non-zero.
func ceilDiv128(a, b uint128) (uint64, bool) {
	if a.hi == 0 && b.hi == 0 {
		return a.lo/b.lo + min(a.lo%b.lo, 1), true
	}

	f := (float64(a.hi)*0x1p64 + float64(a.lo)) / (float64(b.hi)*0x1p64 + float64(b.lo))
	f = math.Ceil(f * (1 + 1e-9))
	if f >= 0x1p63 {
		return 0, false
	}

	return uint64(f), true
}

func (s *Stats) Count() uint64 {
	return s.count
}

func (s *Stats) Limit() uint64 {
	return s.limit
}

// Min returns the smallest recorded value, or 0 when empty.
func (s *Stats) Min() uint64 {
	if s.count == 0 {
		return 0
	}
	return s.min
}

func (s *Stats) Max() uint64 {
	return s.max
}

// Mean returns the weighted average of all samples, 0 for an empty histogram.
func (s *Stats) Mean() float64 {
	if s.count == 0 {
		return 0
	}

	var sum float64
	for v := s.min; v <= s.max; v++ {
		if s.data[v] != 0 {
			sum += float64(v) * float64(s.data[v])
		}
	}

	return sum / float64(s.count)
}

// Stdev returns the population standard deviation around mean.
func (s *Stats) Stdev(mean float64) float64 {
	if s.count == 0 {
		return 0
	}

	var sum float64
	for v := s.min; v <= s.max; v++ {
		if s.data[v] == 0 {
			continue
		}
		d := float64(v) - mean
		sum += d * d * float64(s.data[v])
	}

	return math.Sqrt(sum / float64(s.count))
}

// WithinStdev returns the fraction of samples lying within n standard
// deviations of mean.
func (s *Stats) WithinStdev(mean, stdev float64, n uint64) float64 {
	if s.count == 0 {
		return 0
	}

	upper := mean + stdev*float64(n)
	lower := mean - stdev*float64(n)

	var sum uint64
	for v := s.min; v <= s.max; v++ {
		if f := float64(v); f >= lower && f <= upper {
			sum += s.data[v]
		}
	}

	return float64(sum) / float64(s.count)
}

// Percentile returns the smallest value whose cumulative count reaches p
// percent of all samples.
func (s *Stats) Percentile(p float64) uint64 {
	if s.count == 0 {
		return 0
	}

	rank := uint64(math.Ceil(p * float64(s.count) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > s.count {
		rank = s.count
	}

	var total uint64
	for v := s.min; v <= s.max; v++ {
		total += s.data[v]
		if total >= rank {
			return v
		}
	}

	return s.max
}

// Popcount returns the number of distinct recorded values.
func (s *Stats) Popcount() (n uint64) {
	if s.count == 0 {
		return
	}

	for v := s.min; v <= s.max; v++ {
		if s.data[v] != 0 {
			n++
		}
	}

	return
}

// ValueAt returns the index-th populated bucket in ascending order.
func (s *Stats) ValueAt(index uint64) (value, count uint64, ok bool) {
	if s.count == 0 {
		return
	}

	for v := s.min; v <= s.max; v++ {
		if s.data[v] == 0 {
			continue
		}
		if index == 0 {
			return v, s.data[v], true
		}
		index--
	}

	return
}

// Each calls fn for every populated bucket in ascending order.
func (s *Stats) Each(fn func(value, count uint64)) {
	if s.count == 0 {
		return
	}

	for v := s.min; v <= s.max; v++ {
		if s.data[v] != 0 {
			fn(v, s.data[v])
		}
	}
}

// Merge adds every bucket of o into s.
func (s *Stats) Merge(o *Stats) error {
	if o.count == 0 {
		return nil
	}
	if o.max >= s.limit {
		return fmt.Errorf("%w: value %d does not fit limit %d", ErrLimitMismatch, o.max, s.limit)
	}

	for v := o.min; v <= o.max; v++ {
		s.data[v] += o.data[v]
	}
	s.count += o.count
	if o.min < s.min {
		s.min = o.min
	}
	if o.max > s.max {
		s.max = o.max
	}

	return nil
}

// Merge returns a new histogram, sized to the largest input limit, holding
// the samples of all inputs.
func Merge(all ...*Stats) (*Stats, error) {
	var limit uint64 = 1
	for _, s := range all {
		if s.limit > limit {
			limit = s.limit
		}
	}

	merged, err := New(limit)
	if err != nil {
		return nil, err
	}

	for _, s := range all {
		if err = merged.Merge(s); err != nil {
			return nil, err
		}
	}

	return merged, nil
}
