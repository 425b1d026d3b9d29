package stream

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/vigil/internal/metrics"
)

// Sink is told about changes to a stream buffer.
type Sink interface {
	// StreamData is called after new contiguous bytes were added.
	StreamData()
	// StreamClosed is called once the stream ended.
	StreamClosed()
}

// Handler binds one direction of a TCP connection to the buffer it fills.
type Handler interface {
	Open(netFlow, tcpFlow gopacket.Flow) (*Buffer, Sink)
}

// Factory is a tcpassembly.StreamFactory writing into Buffers.
type Factory struct {
	handler Handler
}

// NewFactory creates a stream factory.
func NewFactory(h Handler) *Factory {
	return &Factory{handler: h}
}

// New implements tcpassembly.StreamFactory.
func (f *Factory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	buf, sink := f.handler.Open(netFlow, tcpFlow)
	return &tcpStream{buf: buf, sink: sink}
}

// tcpStream adapts tcpassembly callbacks to a Buffer.
type tcpStream struct {
	buf  *Buffer
	sink Sink
}

func (s *tcpStream) Reassembled(reassembly []tcpassembly.Reassembly) {
	added := false
	for _, r := range reassembly {
		// Skip is -1 when the start of the stream was never seen
		if r.Skip > 0 {
			s.buf.SkipGap(uint64(r.Skip))
			metrics.StreamGapsTotal.Inc()
		}
		if len(r.Bytes) > 0 {
			s.buf.Append(r.Bytes)
			added = true
		}
	}
	if added && s.sink != nil {
		s.sink.StreamData()
	}
}

func (s *tcpStream) ReassemblyComplete() {
	s.buf.SetEOF()
	if s.sink != nil {
		s.sink.StreamClosed()
	}
}
