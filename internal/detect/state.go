package detect

import "firestige.xyz/vigil/internal/core"

// StateChunkSize is the number of entries held by one state chunk.
const StateChunkSize = 15

// InspectFlags record what is known about a signature for one transaction direction.
type InspectFlags uint32

const (
	// FlagFullInspect marks a signature whose inspection completed (match or not).
	FlagFullInspect InspectFlags = 1 << iota
	// FlagSigCantMatch marks a signature that can no longer match this transaction.
	FlagSigCantMatch
)

// engineFlagShift is the first bit used for per-buffer partial match progress.
const engineFlagShift = 2

// MaxEngineFlags is the number of buffers a signature can track partial progress for.
const MaxEngineFlags = 32 - engineFlagShift

// EngineFlag returns the partial-match bit for the i-th buffer of a signature.
func EngineFlag(i int) InspectFlags {
	return 1 << (engineFlagShift + i)
}

// Final reports whether no further evaluation is needed.
func (f InspectFlags) Final() bool {
	return f&(FlagFullInspect|FlagSigCantMatch) != 0
}

// DirFlags is the coarse per-direction flag word.
type DirFlags uint8

const (
	// DirFileStoreDisabled latches once no file-store signature can match.
	DirFileStoreDisabled DirFlags = 1 << iota
)

// SigNum is the dense ordinal of a signature inside a loaded rule set.
type SigNum uint32

// StateEntry is one recorded signature verdict.
type StateEntry struct {
	Sig   SigNum
	Flags InspectFlags
}

type stateChunk struct {
	items [StateChunkSize]StateEntry
	next  *stateChunk
}

// DirState is the append-only store of one transaction direction.
//
// Entries live in fixed-size chunks linked in arrival order. A reset keeps
// the chunks allocated so re-evaluation after a rule reload reuses them.
type DirState struct {
	head   *stateChunk
	tail   *stateChunk
	chunks uint32
	cnt    uint32

	ruledOut uint32 // file-store capable signatures that can no longer match
	flags    DirFlags
}

// Len returns the number of recorded entries.
func (ds *DirState) Len() int {
	return int(ds.cnt)
}

// RuledOut returns the number of file-store signatures ruled out.
func (ds *DirState) RuledOut() uint32 {
	return ds.ruledOut
}

// Flags returns the direction's flag word.
func (ds *DirState) Flags() DirFlags {
	return ds.flags
}

// chunkFor returns the chunk that holds slot cnt, allocating when needed.
func (ds *DirState) chunkFor() *stateChunk {
	jump := ds.cnt / StateChunkSize

	switch {
	case ds.head == nil:
		c := &stateChunk{}
		ds.head, ds.tail = c, c
		ds.chunks = 1
		return c
	case jump+1 == ds.chunks:
		return ds.tail
	case jump == ds.chunks:
		c := &stateChunk{}
		ds.tail.next = c
		ds.tail = c
		ds.chunks++
		return c
	}

	// slot inside a retained chunk after a reset
	c := ds.head
	for i := uint32(0); i < jump; i++ {
		c = c.next
	}
	return c
}

func (ds *DirState) append(sig SigNum, flags InspectFlags) {
	c := ds.chunkFor()
	c.items[ds.cnt%StateChunkSize] = StateEntry{Sig: sig, Flags: flags}
	ds.cnt++
}

// Range calls fn for each entry in insertion order until fn returns false.
func (ds *DirState) Range(fn func(e StateEntry) bool) {
	seen := uint32(0)
	for c := ds.head; c != nil && seen < ds.cnt; c = c.next {
		for i := 0; i < StateChunkSize && seen < ds.cnt; i++ {
			if !fn(c.items[i]) {
				return
			}
			seen++
		}
	}
}

// find returns a pointer to the entry for sig, or nil.
func (ds *DirState) find(sig SigNum) *StateEntry {
	seen := uint32(0)
	for c := ds.head; c != nil && seen < ds.cnt; c = c.next {
		for i := 0; i < StateChunkSize && seen < ds.cnt; i++ {
			if c.items[i].Sig == sig {
				return &c.items[i]
			}
			seen++
		}
	}
	return nil
}

func (ds *DirState) reset() {
	ds.cnt = 0
	ds.ruledOut = 0
	ds.flags = 0
}

// TxState is the per-transaction detection state: one DirState per direction.
type TxState struct {
	dirs  [2]DirState
	owner *StateCounters
}

// StateCounters are flow-level counters that transaction states contribute to.
type StateCounters struct {
	Live              int // allocated transaction states
	FileStorePrunedTx int // transaction directions with file storage disabled
}

func newTxState(owner *StateCounters) *TxState {
	if owner != nil {
		owner.Live++
	}
	return &TxState{owner: owner}
}

// Dir returns the sub-state for one direction.
func (s *TxState) Dir(d core.Direction) *DirState {
	return &s.dirs[d.Index()]
}

// release drops all chunks and returns the state's counter contributions
// to its owner. Calling it twice is harmless.
func (s *TxState) release() {
	if s.owner != nil {
		s.owner.Live--
		for i := range s.dirs {
			if s.dirs[i].flags&DirFileStoreDisabled != 0 {
				s.owner.FileStorePrunedTx--
			}
		}
		s.owner = nil
	}
	for i := range s.dirs {
		s.dirs[i] = DirState{}
	}
}

// reset zeroes both directions for re-evaluation, keeping the chunks.
func (s *TxState) reset() {
	for i := range s.dirs {
		if s.owner != nil && s.dirs[i].flags&DirFileStoreDisabled != 0 {
			s.owner.FileStorePrunedTx--
		}
		s.dirs[i].reset()
	}
}
