package detect

// ByteSource is what a frame's bytes are read from: a Datagram or a Stream.
type ByteSource interface {
	// EOF reports whether no more data will arrive.
	EOF() bool
}

// Datagram is a single bounded payload.
type Datagram struct {
	Payload []byte
}

// EOF always holds for a datagram.
func (Datagram) EOF() bool { return true }

// Stream is one direction of a reassembled byte stream. Offsets are absolute
// from the first byte of the stream.
type Stream interface {
	ByteSource
	// BaseOffset is the oldest offset still held. Bytes before it are gone.
	BaseOffset() uint64
	// Usable is the absolute offset just past the contiguous data. With
	// eof set, data not yet acknowledged is included.
	Usable(eof bool) uint64
	// Reassemble calls fn with contiguous chunks starting at offset until
	// fn returns false or the contiguous data ends.
	Reassemble(offset uint64, fn func(data []byte, offset uint64) bool)
}
