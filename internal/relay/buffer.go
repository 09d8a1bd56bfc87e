package relay

import "io"

// DefaultBufferSize is the per-direction buffer capacity used when none is configured.
const DefaultBufferSize = 32 * 1024

// Buffer is a bounded FIFO byte ring. It never grows past the capacity it
// was created with.
type Buffer struct {
	data  []byte
	start int
	size  int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{data: make([]byte, capacity)}
}

func (b *Buffer) Len() int    { return b.size }
func (b *Buffer) Cap() int    { return len(b.data) }
func (b *Buffer) Free() int   { return len(b.data) - b.size }
func (b *Buffer) Empty() bool { return b.size == 0 }
func (b *Buffer) Full() bool  { return b.size == len(b.data) }

// Reset drops all buffered bytes.
func (b *Buffer) Reset() {
	b.start = 0
	b.size = 0
}

// Write copies as much of p as fits. It returns io.ErrShortWrite when p did
// not fit entirely.
func (b *Buffer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		span := b.writable()
		if len(span) == 0 {
			return total, io.ErrShortWrite
		}
		n := copy(span, p)
		b.size += n
		p = p[n:]
		total += n
	}
	return total, nil
}

// Read copies buffered bytes into p in FIFO order.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.size == 0 {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	total := 0
	for len(p) > 0 {
		span := b.readable()
		if len(span) == 0 {
			break
		}
		n := copy(p, span)
		b.consume(n)
		p = p[n:]
		total += n
	}
	return total, nil
}

// fill runs one read into the contiguous free region. Nothing is committed
// when read fails.
func (b *Buffer) fill(read func([]byte) (int, error)) (int, error) {
	span := b.writable()
	if len(span) == 0 {
		return 0, nil
	}
	n, err := read(span)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.size += n
	}
	return n, nil
}

// drain runs one write from the contiguous head of the buffer and keeps the
// unsent remainder.
func (b *Buffer) drain(write func([]byte) (int, error)) (int, error) {
	span := b.readable()
	if len(span) == 0 {
		return 0, nil
	}
	n, err := write(span)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.consume(n)
	}
	return n, nil
}

func (b *Buffer) writable() []byte {
	if b.size == len(b.data) {
		return nil
	}
	end := (b.start + b.size) % len(b.data)
	if end >= b.start {
		return b.data[end:]
	}
	return b.data[end:b.start]
}

func (b *Buffer) readable() []byte {
	if b.size == 0 {
		return nil
	}
	if b.start+b.size <= len(b.data) {
		return b.data[b.start : b.start+b.size]
	}
	return b.data[b.start:]
}

func (b *Buffer) consume(n int) {
	b.start = (b.start + n) % len(b.data)
	b.size -= n
	if b.size == 0 {
		b.start = 0
	}
}
