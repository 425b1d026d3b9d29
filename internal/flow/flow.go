// Package flow tracks bidirectional flows and the transactions parsed from them.
package flow

import (
	"fmt"
	"net/netip"
	"time"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/detect"
	"firestige.xyz/vigil/internal/filestore"
	"firestige.xyz/vigil/internal/stream"
)

// Key identifies a flow. Client is the side that sent the first packet.
type Key struct {
	Client netip.AddrPort
	Server netip.AddrPort
	Proto  uint8
}

// KeyFor returns the key of the flow p would start.
func KeyFor(p *core.Packet) Key {
	return Key{
		Client: netip.AddrPortFrom(p.IP.SrcIP, p.Transport.SrcPort),
		Server: netip.AddrPortFrom(p.IP.DstIP, p.Transport.DstPort),
		Proto:  p.IP.Protocol,
	}
}

// canonical is the same for both directions of a flow.
func (k Key) canonical() string {
	lo, hi := k.Client, k.Server
	if lo.Compare(hi) > 0 {
		lo, hi = hi, lo
	}
	return fmt.Sprintf("%d|%s|%s", k.Proto, lo, hi)
}

func (k Key) String() string {
	return fmt.Sprintf("%d %s -> %s", k.Proto, k.Client, k.Server)
}

// AppState is the application layer state attached to a flow.
type AppState interface {
	Protocol() string
}

// Tx is a transaction owned by a flow.
type Tx interface {
	detect.Transaction
	Complete(dir core.Direction) bool
	Inspected(dir core.Direction) bool
	SetInspected(dir core.Direction)
	base() *TxBase
}

// TxBase carries the flow-managed part of a transaction. Parsers embed it.
type TxBase struct {
	id        uint64
	state     *detect.TxState
	complete  [2]bool
	inspected [2]bool
}

func (t *TxBase) base() *TxBase { return t }

// TxID implements detect.Transaction.
func (t *TxBase) TxID() uint64 { return t.id }

// DetectState implements detect.Transaction.
func (t *TxBase) DetectState() *detect.TxState { return t.state }

// SetDetectState implements detect.Transaction.
func (t *TxBase) SetDetectState(s *detect.TxState) { t.state = s }

// Complete reports whether the parser is done with dir.
func (t *TxBase) Complete(dir core.Direction) bool { return t.complete[dir.Index()] }

// SetComplete marks dir done.
func (t *TxBase) SetComplete(dir core.Direction) { t.complete[dir.Index()] = true }

// Inspected reports whether detection is done with dir.
func (t *TxBase) Inspected(dir core.Direction) bool { return t.inspected[dir.Index()] }

// SetInspected marks detection done with dir.
func (t *TxBase) SetInspected(dir core.Direction) { t.inspected[dir.Index()] = true }

// Flow is the state of one bidirectional flow. A flow is owned by a single
// worker and is not safe for concurrent use.
type Flow struct {
	Key      Key
	Start    time.Time
	LastSeen time.Time

	// Streams is nil per direction for datagram flows.
	Streams [2]*stream.Buffer
	Frames  [2]detect.Frames
	Files   [2]*filestore.Container
	App     AppState

	txs       []Tx
	nextTxID  uint64
	inspectID [2]uint64
	counters  detect.StateCounters
}

// New creates a flow. maxFileSize caps the bytes buffered per file.
func New(key Key, ts time.Time, maxFileSize int64) *Flow {
	f := &Flow{Key: key, Start: ts, LastSeen: ts}
	for i := range f.Files {
		f.Files[i] = filestore.NewContainer(maxFileSize)
	}
	if key.Proto == core.ProtoTCP {
		f.Streams[0] = &stream.Buffer{}
		f.Streams[1] = &stream.Buffer{}
	}
	return f
}

// Direction returns the direction p travels in.
func (f *Flow) Direction(p *core.Packet) core.Direction {
	if p.IP.SrcIP == f.Key.Client.Addr() && p.Transport.SrcPort == f.Key.Client.Port() {
		return core.ToServer
	}
	return core.ToClient
}

// Stream returns the stream buffer of dir, nil for datagram flows.
func (f *Flow) Stream(dir core.Direction) *stream.Buffer {
	return f.Streams[dir.Index()]
}

// FramesOf returns the frame container of dir.
func (f *Flow) FramesOf(dir core.Direction) *detect.Frames {
	return &f.Frames[dir.Index()]
}

// FilesOf returns the file container of dir.
func (f *Flow) FilesOf(dir core.Direction) *filestore.Container {
	return f.Files[dir.Index()]
}

// StateCounters implements detect.Flow.
func (f *Flow) StateCounters() *detect.StateCounters {
	return &f.counters
}

// DisableStoringForTransaction implements detect.Flow.
func (f *Flow) DisableStoringForTransaction(dir core.Direction, txID uint64) {
	f.Files[dir.Index()].DisableStoringForTransaction(txID)
}

// InspectID implements detect.Flow.
func (f *Flow) InspectID(dir core.Direction) uint64 {
	return f.inspectID[dir.Index()]
}

// RangeTransactions implements detect.Flow.
func (f *Flow) RangeTransactions(from uint64, fn func(tx detect.Transaction) bool) {
	for _, tx := range f.txs {
		if tx.TxID() < from {
			continue
		}
		if !fn(tx) {
			return
		}
	}
}

// NextTxID returns the id the next added transaction gets.
func (f *Flow) NextTxID() uint64 {
	return f.nextTxID
}

// AddTx assigns tx the next id and appends it.
func (f *Flow) AddTx(tx Tx) uint64 {
	b := tx.base()
	b.id = f.nextTxID
	f.nextTxID++
	f.txs = append(f.txs, tx)
	return b.id
}

// Tx returns the live transaction with id, or nil.
func (f *Flow) Tx(id uint64) Tx {
	for _, tx := range f.txs {
		if tx.TxID() == id {
			return tx
		}
	}
	return nil
}

// Transactions returns the live transactions in id order.
func (f *Flow) Transactions() []Tx {
	return f.txs
}

// UpdateInspectID moves the inspect id of dir past transactions detection
// is done with.
func (f *Flow) UpdateInspectID(dir core.Direction) {
	i := dir.Index()
	for _, tx := range f.txs {
		if tx.TxID() < f.inspectID[i] {
			continue
		}
		if !tx.Inspected(dir) {
			return
		}
		f.inspectID[i] = tx.TxID() + 1
	}
}

// PruneTransactions removes transactions both directions are done with,
// calling release for each. It returns the number removed.
func (f *Flow) PruneTransactions(release func(Tx)) int {
	low := min(f.inspectID[0], f.inspectID[1])
	n := 0
	for n < len(f.txs) && f.txs[n].TxID() < low {
		if release != nil {
			release(f.txs[n])
		}
		n++
	}
	if n == 0 {
		return 0
	}
	f.txs = append(f.txs[:0], f.txs[n:]...)
	return n
}

// Release removes every transaction, calling release for each.
func (f *Flow) Release(release func(Tx)) {
	for _, tx := range f.txs {
		if release != nil {
			release(tx)
		}
	}
	f.txs = nil
}
