// Package stream implements per-direction TCP stream buffers.
package stream

import (
	"container/list"
)

// segment is out-of-order data waiting for the gap before it to fill.
type segment struct {
	offset  uint64
	payload []byte
}

func (s *segment) end() uint64 {
	return s.offset + uint64(len(s.payload))
}

// Buffer holds one direction of a reassembled byte stream.
//
// Offsets are absolute from the first byte of the stream. Contiguous data
// starts at the base offset; bytes before it were pruned. Segments past a gap
// are kept sorted by offset and on overlap the earlier arrival wins.
// A Buffer is owned by one worker and is not safe for concurrent use.
type Buffer struct {
	base    uint64
	data    []byte
	pending list.List // of *segment, sorted by offset, all past the contiguous end
	eof     bool
}

// BaseOffset returns the oldest offset still held.
func (b *Buffer) BaseOffset() uint64 {
	return b.base
}

// Usable returns the offset just past the contiguous data. Data is handed
// out as soon as it is contiguous, so eof does not change the result.
func (b *Buffer) Usable(eof bool) uint64 {
	return b.base + uint64(len(b.data))
}

// EOF reports whether the stream was closed.
func (b *Buffer) EOF() bool {
	return b.eof
}

// SetEOF marks the stream closed.
func (b *Buffer) SetEOF() {
	b.eof = true
}

// Pending returns the number of out-of-order segments held.
func (b *Buffer) Pending() int {
	return b.pending.Len()
}

// Append adds in-order data at the contiguous end.
func (b *Buffer) Append(p []byte) {
	b.Insert(b.Usable(false), p)
}

// Insert adds data at an absolute offset. Bytes already held are kept and
// the overlapping part of p is dropped. p is copied.
func (b *Buffer) Insert(offset uint64, p []byte) {
	if len(p) == 0 || b.eof {
		return
	}
	end := b.Usable(false)
	pEnd := offset + uint64(len(p))
	if pEnd <= end {
		return // retransmission of held or pruned data
	}

	if offset > end {
		b.insertPending(&segment{offset: offset, payload: p})
		return
	}

	fill := p[end-offset:]
	if e := b.pending.Front(); e != nil {
		// held segments win over the part of p they overlap
		if off := e.Value.(*segment).offset; off < pEnd {
			b.insertPending(&segment{offset: off, payload: p[off-offset:]})
			fill = fill[:off-end]
		}
	}
	b.data = append(b.data, fill...)
	b.drain()
}

// insertPending stores an out-of-order segment, trimming it against its
// neighbours so that segments never overlap.
func (b *Buffer) insertPending(seg *segment) {
	for len(seg.payload) > 0 {
		// first element with offset >= seg.offset
		var next *list.Element
		for e := b.pending.Front(); e != nil; e = e.Next() {
			if e.Value.(*segment).offset >= seg.offset {
				next = e
				break
			}
		}

		startAt := seg.offset
		prev := b.pending.Back()
		if next != nil {
			prev = next.Prev()
		}
		if prev != nil {
			if prevEnd := prev.Value.(*segment).end(); prevEnd > startAt {
				startAt = prevEnd
			}
		}

		endAt := seg.end()
		if next != nil {
			if off := next.Value.(*segment).offset; off < endAt {
				endAt = off
			}
		}

		if startAt < endAt {
			trimmed := &segment{
				offset:  startAt,
				payload: append([]byte(nil), seg.payload[startAt-seg.offset:endAt-seg.offset]...),
			}
			if next != nil {
				b.pending.InsertBefore(trimmed, next)
			} else {
				b.pending.PushBack(trimmed)
			}
		}

		// the part past the next segment is inserted on the next round
		if next == nil {
			return
		}
		nextEnd := next.Value.(*segment).end()
		if seg.end() <= nextEnd {
			return
		}
		seg = &segment{offset: nextEnd, payload: seg.payload[nextEnd-seg.offset:]}
	}
}

// drain moves pending segments that became contiguous into data.
func (b *Buffer) drain() {
	for e := b.pending.Front(); e != nil; e = b.pending.Front() {
		seg := e.Value.(*segment)
		end := b.Usable(false)
		if seg.offset > end {
			return
		}
		if seg.end() > end {
			b.data = append(b.data, seg.payload[end-seg.offset:]...)
		}
		b.pending.Remove(e)
	}
}

// Reassemble calls fn with the contiguous data starting at offset. Offsets
// before the base or at the contiguous end yield no call.
func (b *Buffer) Reassemble(offset uint64, fn func(data []byte, offset uint64) bool) {
	if offset < b.base || offset >= b.Usable(false) {
		return
	}
	fn(b.data[offset-b.base:], offset)
}

// Prune releases contiguous data before offset.
func (b *Buffer) Prune(offset uint64) {
	if offset <= b.base {
		return
	}
	n := offset - b.base
	if n >= uint64(len(b.data)) {
		b.base += uint64(len(b.data))
		b.data = b.data[:0]
		return
	}
	// copy down so the released prefix can be collected
	remaining := copy(b.data, b.data[n:])
	b.data = b.data[:remaining]
	b.base += n
}

// SkipGap gives up on n missing bytes at the contiguous end. Held data is
// released and the stream continues after the gap.
func (b *Buffer) SkipGap(n uint64) {
	end := b.Usable(false)
	b.data = b.data[:0]
	b.base = end + n
	// segments entirely inside the gap are gone
	for e := b.pending.Front(); e != nil; e = b.pending.Front() {
		seg := e.Value.(*segment)
		if seg.end() > b.base {
			break
		}
		b.pending.Remove(e)
	}
	if e := b.pending.Front(); e != nil {
		if seg := e.Value.(*segment); seg.offset < b.base {
			seg.payload = seg.payload[b.base-seg.offset:]
			seg.offset = b.base
		}
	}
	b.drain()
}
