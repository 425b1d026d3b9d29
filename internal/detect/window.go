package detect

import (
	"log/slog"

	"firestige.xyz/vigil/internal/metrics"
)

// DefaultLookahead is the number of new stream bytes batched before a
// growing frame is inspected again.
const DefaultLookahead = 2500

// WindowExtractor cuts inspection windows for frames out of byte sources.
// It holds no references into source memory between calls.
type WindowExtractor struct {
	lookahead uint64
	buffers   *BufferStore
	lists     *Registry
}

// NewWindowExtractor creates an extractor filling buffers from store. lists
// resolves the transforms of a list and may be nil.
func NewWindowExtractor(lookahead int, store *BufferStore, lists *Registry) *WindowExtractor {
	if lookahead <= 0 {
		lookahead = DefaultLookahead
	}
	return &WindowExtractor{
		lookahead: uint64(lookahead),
		buffers:   store,
		lists:     lists,
	}
}

// Lookahead returns the batching threshold in bytes.
func (w *WindowExtractor) Lookahead() uint64 {
	return w.lookahead
}

// Extract returns the inspection window of frame for the given list instance.
// The boolean is false when no window is available yet.
//
// With first unset, a buffer already populated in this pass is returned as is.
func (w *WindowExtractor) Extract(frame *Frame, src ByteSource, list ListID, instance uint32, first bool) (*InspectionBuffer, bool) {
	buf := w.buffers.Get(list, instance)
	if !first && buf.populated {
		return buf, true
	}

	var transforms []Transform
	if w.lists != nil {
		transforms = w.lists.Transforms(list)
	}

	var ok bool
	switch s := src.(type) {
	case Stream:
		ok = w.fromStream(buf, frame, s, transforms)
	case Datagram:
		ok = w.fromDatagram(buf, frame, s.Payload, transforms)
	case *Datagram:
		ok = w.fromDatagram(buf, frame, s.Payload, transforms)
	}
	if !ok {
		return nil, false
	}
	metrics.WindowsTotal.WithLabelValues("produced").Inc()
	return buf, true
}

func (w *WindowExtractor) fromDatagram(buf *InspectionBuffer, frame *Frame, payload []byte, transforms []Transform) bool {
	plen := uint64(len(payload))
	if frame.Offset >= plen {
		metrics.WindowsTotal.WithLabelValues("empty").Inc()
		return false
	}

	flags := CIStart
	var flen uint64
	if frame.LenKnown() {
		flen = uint64(frame.Len)
	} else {
		flen = plen - frame.Offset
	}
	if frame.Offset+flen > plen {
		flen = plen - frame.Offset
	} else {
		flags |= CIEnd
	}

	buf.setup(payload[frame.Offset:frame.Offset+flen], transforms)
	buf.Flags = flags
	return true
}

func (w *WindowExtractor) fromStream(buf *InspectionBuffer, frame *Frame, s Stream, transforms []Transform) bool {
	eof := s.EOF()
	usable := s.Usable(eof)
	if usable <= frame.Offset || frame.Done() {
		metrics.WindowsTotal.WithLabelValues("empty").Inc()
		return false
	}

	// progress is frame relative, the stream offsets are absolute
	next := frame.Offset + frame.InspectProgress + w.lookahead
	var want uint64
	if end, known := frame.End(); known && end <= usable {
		want = end
	} else if !known && eof {
		want = usable
	} else {
		want = next
	}
	if usable < want {
		metrics.WindowsTotal.WithLabelValues("deferred").Inc()
		return false
	}

	base := s.BaseOffset()
	available := usable - base
	if !eof && available < w.lookahead && (!frame.LenKnown() || uint64(frame.Len) > available) {
		metrics.WindowsTotal.WithLabelValues("deferred").Inc()
		return false
	}

	offset := max(base, frame.Offset)
	produced := false
	s.Reassemble(offset, func(data []byte, off uint64) bool {
		produced = w.frameChunk(buf, frame, data, off, eof, usable, transforms)
		return false
	})
	if !produced {
		metrics.WindowsTotal.WithLabelValues("empty").Inc()
	}
	return produced
}

// frameChunk fills buf from the chunk at absolute offset off.
func (w *WindowExtractor) frameChunk(buf *InspectionBuffer, frame *Frame, input []byte, off uint64, eof bool, usable uint64, transforms []Transform) bool {
	inputEnd := off + uint64(len(input))
	var (
		flags      CIFlags
		inspectOff uint64
		data       []byte
	)

	if frame.Offset == 0 && off == 0 {
		// the stream still holds the whole frame: inspect it from its start
		data = input
		flags |= CIStart
		if frame.LenKnown() {
			if uint64(len(data)) >= uint64(frame.Len) {
				data = data[:frame.Len]
				flags |= CIEnd
			}
		} else if eof && inputEnd >= usable {
			flags |= CIEnd
		}
	} else {
		start := max(off, frame.Offset+frame.InspectProgress)
		if start >= inputEnd {
			return false
		}
		inspectOff = start - frame.Offset
		data = input[start-off:]

		if frame.LenKnown() {
			end := frame.Offset + uint64(frame.Len)
			if start >= end {
				return false
			}
			if inputEnd >= end {
				data = data[:end-start]
				flags |= CIEnd
			}
		} else if eof && inputEnd >= usable {
			flags |= CIEnd
		}
		if inspectOff == 0 {
			flags |= CIStart
		}
	}

	buf.setup(data, transforms)
	buf.InspectOffset = inspectOff
	buf.Flags = flags

	progress := inspectOff + uint64(len(data))
	if progress > frame.InspectProgress {
		frame.InspectProgress = progress
	}

	slog.Debug("frame window",
		"frame_id", frame.ID,
		"frame_offset", frame.Offset,
		"frame_len", frame.Len,
		"inspect_offset", inspectOff,
		"len", len(data),
		"flags", flags,
		"progress", frame.InspectProgress)
	return true
}
