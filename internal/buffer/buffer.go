// Package buffer holds partially sent requests and partially received
// response data for a single connection.
package buffer

// Buffer is a growable byte region with a read cursor. Bytes before the
// cursor have been consumed. The backing array is kept across Reset so a
// warmed-up connection does not allocate on the hot path.
type Buffer struct {
	buf    []byte
	cursor int
}

// Append adds p after the unconsumed bytes.
func (b *Buffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

func (b *Buffer) AppendByte(c byte) {
	b.buf = append(b.buf, c)
}

// Bytes returns the unconsumed bytes. The slice is only valid until the
// next call that modifies the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.cursor:]
}

// Len returns the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.cursor
}

// Advance moves the cursor n bytes forward. Once everything is consumed the
// buffer rewinds to the start of its backing array.
func (b *Buffer) Advance(n int) {
	b.cursor += n
	if b.cursor > len(b.buf) {
		b.cursor = len(b.buf)
	}

	if b.cursor == len(b.buf) {
		b.Reset()
	}
}

// Reset empties the buffer without releasing its memory.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.cursor = 0
}
