package detect

// CIFlags anchor an inspection buffer relative to the data it was cut from.
type CIFlags uint8

const (
	// CIStart is set when the buffer begins at the first byte of its unit.
	CIStart CIFlags = 1 << iota
	// CIEnd is set when the buffer ends at the last byte of its unit.
	CIEnd
)

// ListID identifies an inspection buffer list (a buffer type plus its transforms).
type ListID int

// InspectionBuffer is the view handed to content inspection.
//
// Inspect borrows either the source bytes or the buffer's own transform
// scratch space. It is only valid until the next evaluation pass.
type InspectionBuffer struct {
	Inspect []byte
	// InspectOffset is the position of Inspect[0] within its frame or value.
	InspectOffset uint64
	Flags         CIFlags

	orig      []byte
	scratch   [2][]byte
	populated bool
}

// Len returns the number of bytes to inspect.
func (b *InspectionBuffer) Len() int {
	return len(b.Inspect)
}

// OrigLen returns the number of source bytes before transforms ran.
func (b *InspectionBuffer) OrigLen() int {
	return len(b.orig)
}

// Populated reports whether the buffer was filled during the current pass.
func (b *InspectionBuffer) Populated() bool {
	return b.populated
}

func (b *InspectionBuffer) setup(data []byte, transforms []Transform) {
	b.orig = data
	b.Inspect = data
	for i, t := range transforms {
		out := t.Apply(b.scratch[i&1][:0], b.Inspect)
		b.scratch[i&1] = out
		b.Inspect = out
	}
	b.InspectOffset = 0
	b.Flags = 0
	b.populated = true
}

func (b *InspectionBuffer) reset() {
	b.Inspect = nil
	b.orig = nil
	b.InspectOffset = 0
	b.Flags = 0
	b.populated = false
}

type bufferKey struct {
	list     ListID
	instance uint32
}

// BufferStore holds the inspection buffers of one worker keyed by list and instance.
type BufferStore struct {
	buffers map[bufferKey]*InspectionBuffer
	used    []*InspectionBuffer
}

// NewBufferStore creates an empty buffer store.
func NewBufferStore() *BufferStore {
	return &BufferStore{
		buffers: make(map[bufferKey]*InspectionBuffer),
	}
}

// Get returns the buffer for a list instance, allocating it on first use.
func (s *BufferStore) Get(list ListID, instance uint32) *InspectionBuffer {
	key := bufferKey{list: list, instance: instance}
	b, ok := s.buffers[key]
	if !ok {
		b = &InspectionBuffer{}
		s.buffers[key] = b
	}
	if !b.populated {
		s.used = append(s.used, b)
	}
	return b
}

// Reset starts a new evaluation pass: every buffer must be recomputed.
func (s *BufferStore) Reset() {
	for _, b := range s.used {
		b.reset()
	}
	s.used = s.used[:0]
}
