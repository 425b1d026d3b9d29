package detect

import (
	"fmt"
	"log/slog"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/metrics"
)

// Transaction is the parser-owned unit detection state is attached to.
type Transaction interface {
	TxID() uint64
	DetectState() *TxState
	SetDetectState(s *TxState)
}

// Flow is the view of a flow the state store needs.
type Flow interface {
	StateCounters() *StateCounters
	// DisableStoringForTransaction stops buffering files of a transaction direction.
	DisableStoringForTransaction(dir core.Direction, txID uint64)
	// InspectID returns the lowest transaction id not yet fully inspected in dir.
	InspectID(dir core.Direction) uint64
	// RangeTransactions calls fn for each live transaction with id >= from.
	RangeTransactions(from uint64, fn func(tx Transaction) bool)
}

// StateConfig configures a StateStore.
type StateConfig struct {
	// Validate rejects duplicate signature entries with ErrDuplicateSignature.
	Validate bool
	// MaxEntries caps the entries of one transaction direction. 0 is unlimited.
	MaxEntries int
}

// StateStore records per transaction which signatures have a verdict.
type StateStore struct {
	cfg StateConfig
}

// NewStateStore creates a state store.
func NewStateStore(cfg StateConfig) *StateStore {
	return &StateStore{cfg: cfg}
}

// Append records flags for signature s on tx in dir, creating the
// transaction's state on first use. A signature already recorded is left
// untouched.
func (st *StateStore) Append(f Flow, g *SigGroup, tx Transaction, dir core.Direction, s *Signature, flags InspectFlags) error {
	state := tx.DetectState()
	if state == nil {
		var counters *StateCounters
		if f != nil {
			counters = f.StateCounters()
		}
		state = newTxState(counters)
		tx.SetDetectState(state)
	}

	ds := state.Dir(dir)
	if ds.find(s.Num) != nil {
		metrics.StateRejectedTotal.WithLabelValues("duplicate").Inc()
		if st.cfg.Validate {
			return fmt.Errorf("sid %d on tx %d %s: %w", s.ID, tx.TxID(), dir, core.ErrDuplicateSignature)
		}
		return nil
	}
	if st.cfg.MaxEntries > 0 && ds.Len() >= st.cfg.MaxEntries {
		metrics.StateRejectedTotal.WithLabelValues("memcap").Inc()
		return fmt.Errorf("sid %d on tx %d %s: %w", s.ID, tx.TxID(), dir, core.ErrStateMemcap)
	}

	ds.append(s.Num, flags)
	metrics.StateEntriesTotal.WithLabelValues(dir.String()).Inc()

	if s.FileStore && flags&FlagSigCantMatch != 0 {
		ds.ruledOut++
	}
	st.checkFileStore(f, g, state, tx, dir)
	return nil
}

// Refine ORs flags into the entry of s. It returns false when s has no entry.
func (st *StateStore) Refine(f Flow, g *SigGroup, tx Transaction, dir core.Direction, s *Signature, flags InspectFlags) bool {
	state := tx.DetectState()
	if state == nil {
		return false
	}
	ds := state.Dir(dir)
	e := ds.find(s.Num)
	if e == nil {
		return false
	}

	added := flags &^ e.Flags
	e.Flags |= flags
	if s.FileStore && added&FlagSigCantMatch != 0 {
		ds.ruledOut++
		st.checkFileStore(f, g, state, tx, dir)
	}
	return true
}

func (st *StateStore) checkFileStore(f Flow, g *SigGroup, state *TxState, tx Transaction, dir core.Direction) {
	ds := state.Dir(dir)
	if g == nil || ds.flags&DirFileStoreDisabled != 0 || ds.ruledOut < g.FileStoreCount(dir) {
		return
	}

	ds.flags |= DirFileStoreDisabled
	if state.owner != nil {
		state.owner.FileStorePrunedTx++
	}
	if f != nil {
		f.DisableStoringForTransaction(dir, tx.TxID())
	}
	metrics.FileStorePrunedTotal.WithLabelValues(dir.String()).Inc()
	slog.Debug("file storage disabled for transaction",
		"tx_id", tx.TxID(),
		"direction", dir.String(),
		"ruled_out", ds.ruledOut,
		"filestore_sigs", g.FileStoreCount(dir))
}

// Lookup returns the flags recorded for signature n.
func (st *StateStore) Lookup(tx Transaction, dir core.Direction, n SigNum) (InspectFlags, bool) {
	state := tx.DetectState()
	if state == nil {
		return 0, false
	}
	if e := state.Dir(dir).find(n); e != nil {
		return e.Flags, true
	}
	return 0, false
}

// LookupAll returns the entries of tx in dir in insertion order.
func (st *StateStore) LookupAll(tx Transaction, dir core.Direction) []StateEntry {
	state := tx.DetectState()
	if state == nil {
		return nil
	}
	ds := state.Dir(dir)
	out := make([]StateEntry, 0, ds.Len())
	ds.Range(func(e StateEntry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// CanDisableFileStore reports whether no signature of g could still request
// storage of files of tx in dir.
func (st *StateStore) CanDisableFileStore(g *SigGroup, tx Transaction, dir core.Direction) bool {
	state := tx.DetectState()
	if state == nil {
		return g.FileStoreCount(dir) == 0
	}
	ds := state.Dir(dir)
	return ds.flags&DirFileStoreDisabled != 0 || ds.ruledOut >= g.FileStoreCount(dir)
}

// ResetActive clears the state of every transaction not yet fully inspected
// so the next pass re-evaluates it. It returns the number of states reset.
func (st *StateStore) ResetActive(f Flow) int {
	from := min(f.InspectID(core.ToServer), f.InspectID(core.ToClient))
	n := 0
	f.RangeTransactions(from, func(tx Transaction) bool {
		if state := tx.DetectState(); state != nil {
			state.reset()
			n++
		}
		return true
	})
	return n
}

// Free releases the state of tx. Calling it again is a no-op.
func (st *StateStore) Free(tx Transaction) {
	state := tx.DetectState()
	if state == nil {
		return
	}
	state.release()
	tx.SetDetectState(nil)
}
