package vboot

import (
	"errors"

	"github.com/dsoprea/go-logging"
)

const (
	// WorkBufferAlign is the alignment that every allocation is rounded up
	// to. Digest state and unpacked key material are both stored in the work
	// buffer, and hardware crypto engines on some platforms require 16-byte
	// aligned scratch.
	WorkBufferAlign = 16
)

var (
	// ErrWorkBufferTooSmall indicates that the backing region cannot hold
	// even one aligned allocation.
	ErrWorkBufferTooSmall = errors.New("work buffer too small")

	// ErrWorkBufferExhausted indicates that an allocation did not fit in
	// the remaining space.
	ErrWorkBufferExhausted = errors.New("work buffer exhausted")
)

// WorkBuffer is a bump allocator over an externally-provided byte region. It
// has no internal headers and no free list: frees rewind the top of the
// buffer and must occur in strict LIFO order. That discipline is the
// caller's responsibility, the same way it is for the boot-scoped scratch
// region the firmware hands us.
type WorkBuffer struct {
	buf []byte
	top int
}

// NewWorkBuffer wraps the given region. The region is owned by the caller
// and must outlive the buffer.
func NewWorkBuffer(buf []byte) (wb *WorkBuffer, err error) {
	if len(buf) < WorkBufferAlign {
		return nil, ErrWorkBufferTooSmall
	}

	wb = &WorkBuffer{
		buf: buf,
	}

	return wb, nil
}

func roundUpAlign(n int) int {
	return (n + WorkBufferAlign - 1) &^ (WorkBufferAlign - 1)
}

// Alloc returns a slice of exactly size bytes at the current top and
// advances the top by the aligned size.
func (wb *WorkBuffer) Alloc(size int) (buf []byte, err error) {
	if size < 0 {
		log.Panicf("allocation size can not be negative: (%d)", size)
	}

	rounded := roundUpAlign(size)
	if rounded < size || wb.top+rounded < wb.top || wb.top+rounded > len(wb.buf) {
		return nil, ErrWorkBufferExhausted
	}

	buf = wb.buf[wb.top : wb.top+size]
	wb.top += rounded

	return buf, nil
}

// Free rewinds the most recent allocation of size bytes. Frees must mirror
// allocations in reverse order.
func (wb *WorkBuffer) Free(size int) {
	if size < 0 {
		log.Panicf("free size can not be negative: (%d)", size)
	}

	rounded := roundUpAlign(size)
	if rounded > wb.top {
		log.Panicf("free of (%d) bytes exceeds allocated (%d)", size, wb.top)
	}

	wb.top -= rounded
}

// Realloc frees the most recent allocation of oldSize bytes and allocates
// newSize bytes in its place. On success the returned slice starts at the
// same position as the old one.
func (wb *WorkBuffer) Realloc(oldSize, newSize int) (buf []byte, err error) {
	wb.Free(oldSize)

	buf, err = wb.Alloc(newSize)
	if err != nil {
		// Restore the original allocation so the caller's LIFO accounting
		// still balances.
		_, allocErr := wb.Alloc(oldSize)
		if allocErr != nil {
			log.Panicf("could not restore allocation after failed realloc")
		}

		return nil, err
	}

	return buf, nil
}

// Used returns the number of bytes currently allocated (including alignment
// padding).
func (wb *WorkBuffer) Used() int {
	return wb.top
}

// Available returns the number of bytes still allocatable.
func (wb *WorkBuffer) Available() int {
	return len(wb.buf) - wb.top
}
