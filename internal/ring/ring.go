// Package ring implements a growable FIFO ring buffer.
package ring

const initialSize = 16

// Ring is a FIFO queue backed by a circular slice. The zero value is ready
// to use. It is not safe for concurrent use.
type Ring[T any] struct {
	buf  []T
	head int
	size int
}

// New returns a ring with room for n elements before it needs to grow.
func New[T any](n int) *Ring[T] {
	if n < 1 {
		n = initialSize
	}
	return &Ring[T]{buf: make([]T, n)}
}

// Get removes and returns the oldest element.
func (r *Ring[T]) Get() (val T, ok bool) {
	if r.size > 0 {
		var zero T
		val = r.buf[r.head]
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		ok = true
	}

	return
}

// Peek returns the oldest element without removing it.
func (r *Ring[T]) Peek() (val T, ok bool) {
	if r.size > 0 {
		val = r.buf[r.head]
		ok = true
	}

	return
}

// Put appends val, growing the ring by 50% when it is full.
func (r *Ring[T]) Put(val T) {
	if len(r.buf) == 0 {
		// First call to Put on a zero value.
		r.buf = make([]T, initialSize)
	}

	if r.size == len(r.buf) {
		n := int(float64(len(r.buf)) * 1.5)
		if n <= len(r.buf) {
			n = len(r.buf) + 1
		}
		newBuf := make([]T, n)

		// Copy from old ring buffer to new, oldest first.
		cur := r.head
		for i := 0; i < r.size; i++ {
			newBuf[i] = r.buf[cur]
			cur = (cur + 1) % len(r.buf)
		}
		r.buf = newBuf
		r.head = 0
	}

	r.buf[(r.head+r.size)%len(r.buf)] = val
	r.size++
}

func (r *Ring[T]) Len() int {
	return r.size
}

// Reset drops all elements but keeps the backing slice.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.buf {
		r.buf[i] = zero
	}
	r.head = 0
	r.size = 0
}
