package sip

import (
	"bytes"
	"fmt"
	"log/slog"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/ghettovoice/gosip/sip/parser"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/detect"
	"firestige.xyz/vigil/internal/flow"
	"firestige.xyz/vigil/internal/metrics"
)

// DefaultMaxHeaderBytes bounds the header block of a message on a stream.
const DefaultMaxHeaderBytes = 64 * 1024

// Tx is one SIP message. A response is linked to the request it answers
// when that request is still held by the flow.
type Tx struct {
	flow.TxBase
	Dir      core.Direction
	Request  *Message
	Response *Message

	// PairID is the id of the matching request or last response.
	PairID uint64
	Paired bool
	// RequestMethod is the method of the request a response answers.
	RequestMethod string
}

// Message returns the request or response carried by the transaction.
func (t *Tx) Message() *Message {
	if t.Request != nil {
		return t.Request
	}
	return t.Response
}

// From returns the URI of the From header.
func (t *Tx) From() string {
	v, _ := t.Message().Header("from")
	return extractURI(v)
}

// To returns the URI of the To header.
func (t *Tx) To() string {
	v, _ := t.Message().Header("to")
	return extractURI(v)
}

// State is the SIP state of a flow.
type State struct {
	dirs [2]dirState
	// requests awaiting a final response, by Call-ID and CSeq
	requests map[string]requestRef
}

type requestRef struct {
	id     uint64
	method string
}

// maxPendingRequests bounds the requests a flow remembers for pairing.
const maxPendingRequests = 128

type dirState struct {
	offset uint64 // stream offset of the next message
	pdu    int64  // id of the frame of an incomplete message, 0 if none
}

// Protocol implements flow.AppState.
func (*State) Protocol() string { return "sip" }

// Attach marks f as carrying SIP and returns its state.
func Attach(f *flow.Flow) *State {
	return stateOf(f)
}

func stateOf(f *flow.Flow) *State {
	if st, ok := f.App.(*State); ok {
		return st
	}
	st := &State{}
	f.App = st
	return st
}

// Parser turns SIP traffic of a flow into frames and transactions. One
// parser may serve every flow of a worker.
type Parser struct {
	delegate       *parser.PacketParser
	types          FrameTypes
	MaxHeaderBytes int
}

// NewParser creates a parser opening frames of the given types.
func NewParser(types FrameTypes, logger gosiplog.Logger) *Parser {
	return &Parser{
		delegate:       parser.NewPacketParser(logger),
		types:          types,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
	}
}

// ParseDatagram parses a single message carried by a datagram. Frame
// offsets are relative to payload.
func (p *Parser) ParseDatagram(f *flow.Flow, dir core.Direction, payload []byte) (*Tx, error) {
	skip := leadingLineEnds(payload)
	data := payload[skip:]
	if len(data) == 0 {
		return nil, nil // keepalive
	}
	lay, _ := scan(data, true)
	return p.handle(f, dir, data[:lay.total], uint64(skip), lay, 0)
}

// ParseStream parses the complete messages buffered on the stream of dir.
// An incomplete message gets a PDU frame that grows with the stream. It
// returns the transactions created.
func (p *Parser) ParseStream(f *flow.Flow, dir core.Direction) ([]*Tx, error) {
	buf := f.Stream(dir)
	if buf == nil {
		return nil, fmt.Errorf("sip stream parse on %s: %w", f.Key, core.ErrUnsupportedProto)
	}
	st := &stateOf(f).dirs[dir.Index()]

	var (
		txs     []*Tx
		lastErr error
	)
	for {
		start := st.offset
		if base := buf.BaseOffset(); start < base {
			// the rest of the message was lost
			start = base
			st.pdu = 0
		}
		var data []byte
		buf.Reassemble(start, func(b []byte, _ uint64) bool {
			data = b
			return false
		})
		if len(data) == 0 {
			st.offset = start
			return txs, lastErr
		}
		if skip := leadingLineEnds(data); skip > 0 {
			st.offset = start + uint64(skip)
			continue
		}

		lay, ok := scan(data, false)
		if !ok {
			if len(data) > p.MaxHeaderBytes {
				metrics.ParseErrorsTotal.WithLabelValues("sip").Inc()
				st.offset = start + uint64(len(data))
				st.pdu = 0
				return txs, fmt.Errorf("sip header block exceeds %d bytes", p.MaxHeaderBytes)
			}
			p.openPDU(f, dir, st, start, detect.FrameLenUnknown)
			st.offset = start
			return txs, lastErr
		}
		if len(data) < lay.total {
			p.openPDU(f, dir, st, start, int64(lay.total))
			st.offset = start
			return txs, lastErr
		}

		tx, err := p.handle(f, dir, data[:lay.total], start, lay, st.pdu)
		st.pdu = 0
		st.offset = start + uint64(lay.total)
		if err != nil {
			lastErr = err
			continue
		}
		txs = append(txs, tx)
	}
}

// Consumed returns the stream offset up to which dir was parsed.
func Consumed(f *flow.Flow, dir core.Direction) uint64 {
	return stateOf(f).dirs[dir.Index()].offset
}

func (p *Parser) openPDU(f *flow.Flow, dir core.Direction, st *dirState, start uint64, length int64) {
	frames := f.FramesOf(dir)
	if st.pdu != 0 {
		if fr := frames.Get(st.pdu); fr != nil {
			if length != detect.FrameLenUnknown && !fr.LenKnown() {
				fr.SetLen(length)
			}
			return
		}
	}
	// the id is assigned once the message is complete: the other direction
	// may add transactions first
	fr := frames.New(p.types.PDU, start, length, detect.TxUnknown)
	st.pdu = fr.ID
}

// handle opens the frames of a complete message at offset off and adds its
// transaction. raw may be reused by the caller after return.
func (p *Parser) handle(f *flow.Flow, dir core.Direction, raw []byte, off uint64, lay layout, pduID int64) (*Tx, error) {
	frames := f.FramesOf(dir)
	txID := f.NextTxID()

	if fr := frames.Get(pduID); pduID != 0 && fr != nil {
		if !fr.LenKnown() {
			fr.SetLen(int64(len(raw)))
		}
		fr.TxID = txID
	} else {
		frames.New(p.types.PDU, off, int64(len(raw)), txID)
	}

	startLine := string(raw[:lay.lineLen])
	lineType := p.types.ResponseLine
	if isRequest(startLine) {
		lineType = p.types.RequestLine
	}
	frames.New(lineType, off, int64(lay.lineLen), txID)
	if n := lay.headerEnd - lay.lineEnd; n > 0 {
		frames.New(p.types.Headers, off+uint64(lay.lineEnd), int64(n), txID)
	}
	if lay.bodyLen > 0 {
		frames.New(p.types.Data, off+uint64(lay.bodyOff), int64(lay.bodyLen), txID)
	}

	msg, err := p.delegate.ParseMessage(raw)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("sip").Inc()
		slog.Debug("sip message rejected", "flow", f.Key.String(), "direction", dir.String(), "error", err)
		return nil, fmt.Errorf("parse sip message: %w", err)
	}

	var body []byte
	if lay.bodyLen > 0 {
		body = bytes.Clone(raw[lay.bodyOff : lay.bodyOff+lay.bodyLen])
	}
	m := newMessage(msg, startLine, body)

	tx := &Tx{Dir: dir}
	if m.Request {
		tx.Request = m
	} else {
		tx.Response = m
		p.pair(f, tx)
	}
	f.AddTx(tx)
	if m.Request {
		remember(f, tx)
	}

	// a message is complete when parsed and nothing flows the other way
	tx.SetComplete(dir)
	tx.SetComplete(dir.Reverse())
	tx.SetInspected(dir.Reverse())

	if len(body) > 0 {
		files := f.FilesOf(dir)
		name, _ := m.Header("content-type")
		file := files.Open(tx.TxID(), name)
		files.Append(file, body)
		files.Close(file)
	}
	return tx, nil
}

// pair links a response to the most recent request with the same Call-ID
// and CSeq. The request may already have been released by the flow.
func (p *Parser) pair(f *flow.Flow, resp *Tx) {
	m := resp.Response
	st := stateOf(f)
	key := pairKey(m)
	ref, ok := st.requests[key]
	if key == "" || !ok {
		return
	}
	resp.PairID, resp.Paired = ref.id, true
	resp.RequestMethod = ref.method
	if req, ok := f.Tx(ref.id).(*Tx); ok {
		// resp has its id only once added: the flow assigns ids in order
		req.PairID, req.Paired = f.NextTxID(), true
	}
	if m.StatusCode >= 200 {
		delete(st.requests, key)
	}
}

func remember(f *flow.Flow, req *Tx) {
	key := pairKey(req.Request)
	if key == "" {
		return
	}
	st := stateOf(f)
	if st.requests == nil {
		st.requests = make(map[string]requestRef)
	}
	if len(st.requests) >= maxPendingRequests {
		for k := range st.requests {
			delete(st.requests, k)
			break
		}
	}
	st.requests[key] = requestRef{id: req.TxID(), method: req.Request.Method}
}

func pairKey(m *Message) string {
	if m.CallID == "" || m.CSeq == "" {
		return ""
	}
	return m.CallID + "\x00" + m.CSeq
}

// leadingLineEnds counts CR and LF bytes before a message (keepalives).
func leadingLineEnds(data []byte) int {
	n := 0
	for n < len(data) && (data[n] == '\r' || data[n] == '\n') {
		n++
	}
	return n
}
