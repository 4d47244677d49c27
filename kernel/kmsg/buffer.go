// Package kmsg implements the kernel message buffer: a fixed-size ring that
// collects kernel output when this kernel instance does not own the serial
// port or the display, and that buffers early output before any device exists.
package kmsg

import (
	"io"

	"github.com/Kaperstone/hermitgo/kernel/sync"
)

// BufferSize defines the capacity of a Buffer in bytes. It must always be a
// power of 2.
const BufferSize = 4096

// Buffer is a ring buffer of BufferSize bytes. When the buffer is full, new
// writes overwrite the oldest unread bytes. A Buffer may be written to by
// several cores at once; the zero value is ready to use.
type Buffer struct {
	lock           sync.Spinlock
	data           [BufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.lock.Acquire()
	for _, ch := range p {
		b.put(ch)
	}
	b.lock.Release()

	return len(p), nil
}

// WriteByte appends a single byte to the buffer.
func (b *Buffer) WriteByte(ch byte) error {
	b.lock.Acquire()
	b.put(ch)
	b.lock.Release()
	return nil
}

// Read reads up to len(p) unread bytes into p. It returns io.EOF once all
// buffered bytes have been consumed.
func (b *Buffer) Read(p []byte) (n int, err error) {
	b.lock.Acquire()
	defer b.lock.Release()

	switch {
	case b.rIndex < b.wIndex:
		// read up to min(wIndex - rIndex, len(p)) bytes
		n = copy(p, b.data[b.rIndex:b.wIndex])
		b.rIndex += n
	case b.rIndex > b.wIndex:
		// read up to the end of the ring; the next Read wraps around
		n = copy(p, b.data[b.rIndex:])
		b.rIndex = (b.rIndex + n) & (BufferSize - 1)
	default:
		return 0, io.EOF
	}

	return n, nil
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	b.lock.Acquire()
	defer b.lock.Release()
	return (b.wIndex - b.rIndex) & (BufferSize - 1)
}

// Reset discards all unread bytes.
func (b *Buffer) Reset() {
	b.lock.Acquire()
	b.rIndex, b.wIndex = 0, 0
	b.lock.Release()
}

func (b *Buffer) put(ch byte) {
	b.data[b.wIndex] = ch
	b.wIndex = (b.wIndex + 1) & (BufferSize - 1)
	if b.rIndex == b.wIndex {
		b.rIndex = (b.rIndex + 1) & (BufferSize - 1)
	}
}
