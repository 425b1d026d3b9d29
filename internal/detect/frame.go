package detect

// FrameLenUnknown is the length of a frame whose end has not been seen yet.
const FrameLenUnknown int64 = -1

// TxUnknown is the transaction id of a frame opened before its message
// has become a transaction.
const TxUnknown = ^uint64(0)

// FrameType tags a frame with the protocol unit it describes.
type FrameType uint16

// Frame is a protocol unit drawn over a byte source.
//
// Offset is absolute in the source's coordinate space. InspectProgress is
// relative to Offset and only ever grows.
type Frame struct {
	ID     int64
	Type   FrameType
	Offset uint64
	Len    int64
	TxID   uint64

	InspectProgress uint64

	alerted []SigNum
}

// LenKnown reports whether the frame's length has been set.
func (f *Frame) LenKnown() bool {
	return f.Len >= 0
}

// SetLen sets the final length of a growing frame.
func (f *Frame) SetLen(n int64) {
	if n < 0 {
		n = FrameLenUnknown
	}
	f.Len = n
}

// End returns the absolute offset just past the frame when the length is known.
func (f *Frame) End() (uint64, bool) {
	if !f.LenKnown() {
		return 0, false
	}
	return f.Offset + uint64(f.Len), true
}

// Done reports whether every byte of a known-length frame was inspected.
func (f *Frame) Done() bool {
	return f.LenKnown() && f.InspectProgress >= uint64(f.Len)
}

func (f *Frame) hasAlerted(n SigNum) bool {
	for _, s := range f.alerted {
		if s == n {
			return true
		}
	}
	return false
}

func (f *Frame) markAlerted(n SigNum) {
	f.alerted = append(f.alerted, n)
}

// Frames holds the open frames of one flow direction in creation order.
type Frames struct {
	frames []*Frame
	nextID int64
}

// New opens a frame at offset. Use FrameLenUnknown when the length is not known yet.
func (fs *Frames) New(typ FrameType, offset uint64, length int64, txID uint64) *Frame {
	fs.nextID++
	f := &Frame{
		ID:     fs.nextID,
		Type:   typ,
		Offset: offset,
		Len:    length,
		TxID:   txID,
	}
	if length < 0 {
		f.Len = FrameLenUnknown
	}
	fs.frames = append(fs.frames, f)
	return f
}

// Len returns the number of open frames.
func (fs *Frames) Len() int {
	return len(fs.frames)
}

// At returns the i-th open frame.
func (fs *Frames) At(i int) *Frame {
	return fs.frames[i]
}

// Get returns the open frame with the given id.
func (fs *Frames) Get(id int64) *Frame {
	for _, f := range fs.frames {
		if f.ID == id {
			return f
		}
	}
	return nil
}

// Last returns the most recently opened frame of type typ.
func (fs *Frames) Last(typ FrameType) *Frame {
	for i := len(fs.frames) - 1; i >= 0; i-- {
		if fs.frames[i].Type == typ {
			return fs.frames[i]
		}
	}
	return nil
}

// Prune drops frames that are fully inspected or whose bytes the source no
// longer holds. It returns the number of frames removed.
func (fs *Frames) Prune(base uint64) int {
	kept := fs.frames[:0]
	for _, f := range fs.frames {
		if f.Done() {
			continue
		}
		if end, ok := f.End(); ok && end <= base {
			continue
		}
		kept = append(kept, f)
	}
	n := len(fs.frames) - len(kept)
	for i := len(kept); i < len(fs.frames); i++ {
		fs.frames[i] = nil
	}
	fs.frames = kept
	return n
}

// Clear drops every frame.
func (fs *Frames) Clear() {
	for i := range fs.frames {
		fs.frames[i] = nil
	}
	fs.frames = fs.frames[:0]
}
