package iobuf

import "github.com/newsky/colossus/api"

var (
	_ api.OutBuffer = (*FixedOutBuffer)(nil)
	_ api.OutBuffer = (*DynamicOutBuffer)(nil)
)

// FixedOutBuffer is a write sink over externally owned memory — a
// connection's socket-backed write scratch area.
type FixedOutBuffer struct {
	buf []byte
	pos int
}

// NewFixedOutBuffer wraps buf (typically reused across flushes) as a
// write sink. Reset must be called between uses.
func NewFixedOutBuffer(buf []byte) *FixedOutBuffer {
	return &FixedOutBuffer{buf: buf}
}

// Reset repositions the sink at the start of buf (or a replacement).
func (f *FixedOutBuffer) Reset(buf []byte) {
	f.buf = buf
	f.pos = 0
}

// Available reports remaining capacity.
func (f *FixedOutBuffer) Available() int64 { return int64(len(f.buf) - f.pos) }

// Written returns the slice of bytes placed so far, for flushing to the
// socket.
func (f *FixedOutBuffer) Written() []byte { return f.buf[:f.pos] }

// WritePartial copies min(len(p), Available()) bytes and returns the count.
func (f *FixedOutBuffer) WritePartial(p []byte) int {
	room := len(f.buf) - f.pos
	n := len(p)
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	copy(f.buf[f.pos:], p[:n])
	f.pos += n
	return n
}

// Write places all of p or raises ErrShortWrite; it never partially writes.
func (f *FixedOutBuffer) Write(p []byte) error {
	if len(p) > len(f.buf)-f.pos {
		return ErrShortWrite
	}
	copy(f.buf[f.pos:], p)
	f.pos += len(p)
	return nil
}

// DynamicOutBuffer is a growable heap-backed write sink used only as
// overflow when a sized frame does not fit the connection's fixed
// scratch area.
type DynamicOutBuffer struct {
	buf []byte
}

// NewDynamicOutBuffer allocates a heap buffer pre-sized to size.
func NewDynamicOutBuffer(size int) *DynamicOutBuffer {
	return &DynamicOutBuffer{buf: make([]byte, 0, size)}
}

// Available is unbounded for a dynamic buffer (it grows on demand), but
// reports a large sentinel so size comparisons against it never treat it
// as the limiting factor.
func (d *DynamicOutBuffer) Available() int64 { return 1 << 62 }

// WritePartial always writes all of p; a dynamic buffer never runs out
// of room.
func (d *DynamicOutBuffer) WritePartial(p []byte) int {
	d.buf = append(d.buf, p...)
	return len(p)
}

// Write appends p, growing the backing array as needed.
func (d *DynamicOutBuffer) Write(p []byte) error {
	d.buf = append(d.buf, p...)
	return nil
}

// Bytes returns everything written so far.
func (d *DynamicOutBuffer) Bytes() []byte { return d.buf }
