package detect

import "firestige.xyz/vigil/internal/core"

type testTx struct {
	id    uint64
	state *TxState
}

func (t *testTx) TxID() uint64              { return t.id }
func (t *testTx) DetectState() *TxState     { return t.state }
func (t *testTx) SetDetectState(s *TxState) { t.state = s }

type disableCall struct {
	dir  core.Direction
	txID uint64
}

type testFlow struct {
	counters  StateCounters
	disabled  []disableCall
	txs       []*testTx
	inspectID [2]uint64
}

func (f *testFlow) StateCounters() *StateCounters { return &f.counters }

func (f *testFlow) DisableStoringForTransaction(dir core.Direction, txID uint64) {
	f.disabled = append(f.disabled, disableCall{dir: dir, txID: txID})
}

func (f *testFlow) InspectID(dir core.Direction) uint64 { return f.inspectID[dir.Index()] }

func (f *testFlow) RangeTransactions(from uint64, fn func(tx Transaction) bool) {
	for _, tx := range f.txs {
		if tx.id < from {
			continue
		}
		if !fn(tx) {
			return
		}
	}
}

// memStream is an in-memory Stream. data holds the bytes from base onward.
type memStream struct {
	base uint64
	data []byte
	eof  bool
}

func (s *memStream) EOF() bool          { return s.eof }
func (s *memStream) BaseOffset() uint64 { return s.base }
func (s *memStream) Usable(bool) uint64 { return s.base + uint64(len(s.data)) }

func (s *memStream) Reassemble(offset uint64, fn func(data []byte, offset uint64) bool) {
	if offset < s.base || offset >= s.Usable(s.eof) {
		return
	}
	fn(s.data[offset-s.base:], offset)
}

func (s *memStream) write(b []byte) {
	s.data = append(s.data, b...)
}

// prune drops bytes before offset.
func (s *memStream) prune(offset uint64) {
	if offset <= s.base {
		return
	}
	n := offset - s.base
	if n > uint64(len(s.data)) {
		n = uint64(len(s.data))
	}
	s.data = s.data[n:]
	s.base += n
}

// countingTransform counts Apply calls.
type countingTransform struct {
	calls int
}

func (c *countingTransform) Name() string { return "counting" }

func (c *countingTransform) Apply(dst, src []byte) []byte {
	c.calls++
	return append(dst, src...)
}

func sigsWithNums(n int, filestore int) []*Signature {
	sigs := make([]*Signature, n)
	for i := range sigs {
		sigs[i] = &Signature{ID: uint32(i + 1), AnyDir: true, FileStore: i < filestore}
	}
	return sigs
}
