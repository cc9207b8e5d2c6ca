package iobuf

import "github.com/newsky/colossus/api"

var (
	_ api.Encoder = (*BlockEncoder)(nil)
	_ api.Encoder = (*SizedProcEncoder)(nil)
	_ api.Encoder = (*MultiEncoder)(nil)
)

// BlockEncoder streams a DataBuffer's remaining bytes verbatim. It
// reports Complete once the source is exhausted; calling WriteInto again
// after that is a programming error, per the Encoder contract.
type BlockEncoder struct {
	src *DataBuffer
}

// NewBlockEncoder wraps buf for streaming.
func NewBlockEncoder(buf []byte) *BlockEncoder {
	return &BlockEncoder{src: NewDataBuffer(buf)}
}

func newBlockEncoderFromDataBuffer(d *DataBuffer) *BlockEncoder {
	return &BlockEncoder{src: d}
}

// WriteInto copies as many bytes as fit into out.
func (b *BlockEncoder) WriteInto(out api.OutBuffer) bool {
	for b.src.Remaining() > 0 {
		n := out.WritePartial(b.src.Bytes())
		if n == 0 {
			return false
		}
		b.src.Advance(n)
	}
	return true
}

// SizedWriter produces exactly size bytes into the OutBuffer it is given.
type SizedWriter func(out api.OutBuffer)

// SizedProcEncoder is used when the producer knows its frame size ahead
// of encoding. If the destination has enough room, the writer function
// runs exactly once directly against it. Otherwise a dynamic buffer is
// materialised, the writer runs exactly once against that, and every
// subsequent WriteInto call delegates to the resulting BlockEncoder —
// the writer itself never runs a second time.
type SizedProcEncoder struct {
	size     int64
	write    SizedWriter
	overflow *BlockEncoder // non-nil once the writer has run against a dynamic buffer
}

// NewSizedProcEncoder constructs an encoder that knows it will emit
// exactly size bytes via write.
func NewSizedProcEncoder(size int64, write SizedWriter) *SizedProcEncoder {
	return &SizedProcEncoder{size: size, write: write}
}

// WriteInto implements the fast-path/overflow contract described above.
func (s *SizedProcEncoder) WriteInto(out api.OutBuffer) bool {
	if s.overflow != nil {
		return s.overflow.WriteInto(out)
	}
	if out.Available() >= s.size {
		s.write(out)
		return true
	}
	dyn := NewDynamicOutBuffer(int(s.size))
	s.write(dyn)
	s.overflow = newBlockEncoderFromDataBuffer(NewDataBuffer(dyn.Bytes()))
	return s.overflow.WriteInto(out)
}

// MultiEncoder walks a sequence of encoders in order. On an Incomplete
// result it stops and preserves its cursor so the next call resumes on
// the same encoder; at the end of the sequence it reports Complete.
type MultiEncoder struct {
	seq []api.Encoder
	idx int
}

// NewMultiEncoder sequences the given encoders.
func NewMultiEncoder(seq ...api.Encoder) *MultiEncoder {
	return &MultiEncoder{seq: seq}
}

// WriteInto drains encoders in order, resuming from the cursor.
func (m *MultiEncoder) WriteInto(out api.OutBuffer) bool {
	for m.idx < len(m.seq) {
		if !m.seq[m.idx].WriteInto(out) {
			return false
		}
		m.idx++
	}
	return true
}
