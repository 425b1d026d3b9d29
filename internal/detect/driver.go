package detect

import (
	"context"
	"errors"
	"log/slog"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/metrics"
)

// Config configures an Inspector.
type Config struct {
	Lookahead    int
	MaxInstances int
	State        StateConfig
}

// Alert is a signature match.
type Alert struct {
	Sig     *Signature
	Dir     core.Direction
	TxID    uint64 // TxUnknown for frames not yet tied to a transaction
	FrameID int64  // 0 for transaction matches
}

// Inspector runs signatures against transactions and frames. Each worker
// owns one; it is not safe for concurrent use.
type Inspector struct {
	lists        *Registry
	buffers      *BufferStore
	extractor    *WindowExtractor
	state        *StateStore
	maxInstances int
}

// NewInspector creates an inspector over the lists of r.
func NewInspector(r *Registry, cfg Config) *Inspector {
	store := NewBufferStore()
	if cfg.MaxInstances < 0 {
		cfg.MaxInstances = DefaultMaxInstances
	}
	return &Inspector{
		lists:        r,
		buffers:      store,
		extractor:    NewWindowExtractor(cfg.Lookahead, store, r),
		state:        NewStateStore(cfg.State),
		maxInstances: cfg.MaxInstances,
	}
}

// State returns the inspector's state store.
func (in *Inspector) State() *StateStore {
	return in.state
}

// Extractor returns the inspector's window extractor.
func (in *Inspector) Extractor() *WindowExtractor {
	return in.extractor
}

// InspectTx evaluates the transaction signatures of g for tx in dir. complete
// is set once the parser will not add more data to tx in dir.
func (in *Inspector) InspectTx(f Flow, g *SigGroup, tx Transaction, dir core.Direction, complete bool) []Alert {
	in.buffers.Reset()

	var alerts []Alert
	for _, s := range g.TxSigs(dir) {
		prev, seen := in.state.Lookup(tx, dir, s.Num)
		if seen && prev.Final() {
			continue
		}

		flags, matched := in.evalTx(s, tx, dir, prev, complete)
		if matched {
			alerts = append(alerts, Alert{Sig: s, Dir: dir, TxID: tx.TxID()})
		}
		if flags == prev && seen {
			continue
		}
		if flags == 0 {
			continue
		}

		if seen {
			in.state.Refine(f, g, tx, dir, s, flags)
			continue
		}
		if err := in.state.Append(f, g, tx, dir, s, flags); err != nil {
			lvl := slog.LevelDebug
			if errors.Is(err, core.ErrDuplicateSignature) {
				lvl = slog.LevelError
			}
			slog.Log(context.Background(), lvl, "detect state append failed", "error", err)
		}
	}
	return alerts
}

// evalTx returns the updated flags of s and whether s matched.
func (in *Inspector) evalTx(s *Signature, tx Transaction, dir core.Direction, prev InspectFlags, complete bool) (InspectFlags, bool) {
	flags := prev
	pending := false
	for i := range s.Buffers {
		bit := EngineFlag(i)
		if i < MaxEngineFlags && flags&bit != 0 {
			continue
		}

		bm := &s.Buffers[i]
		produced := false
		hit := false
		in.RangeInstances(bm.List, tx, dir, func(buf *InspectionBuffer) bool {
			produced = true
			hit = bm.Match(buf)
			return !hit
		})

		switch {
		case hit:
			if i < MaxEngineFlags {
				flags |= bit
			}
		case produced:
			// buffers are only produced once final: a miss is definitive
			return flags | FlagSigCantMatch, false
		default:
			pending = true
		}
	}

	if !pending {
		return flags | FlagFullInspect, true
	}
	if complete {
		return flags | FlagSigCantMatch, false
	}
	return flags, false
}

// InspectFrames evaluates the frame signatures of g against the open frames
// of one direction. src provides the frames' bytes.
func (in *Inspector) InspectFrames(g *SigGroup, frames *Frames, src ByteSource, dir core.Direction) []Alert {
	in.buffers.Reset()

	var alerts []Alert
	for idx := 0; idx < frames.Len(); idx++ {
		fr := frames.At(idx)
		sigs := g.FrameSigs(dir, fr.Type)
		if len(sigs) == 0 {
			continue
		}

		base := in.lists.FrameList(fr.Type)
		if base == nil {
			continue
		}
		window, ok := in.extractor.Extract(fr, src, base.ID, uint32(idx), true)
		if !ok {
			continue
		}

		for _, s := range sigs {
			if fr.hasAlerted(s.Num) {
				continue
			}
			buf := in.derive(s.FrameMatch.List, uint32(idx), window)
			if s.FrameMatch.Match(buf) {
				fr.markAlerted(s.Num)
				alerts = append(alerts, Alert{Sig: s, Dir: dir, TxID: fr.TxID, FrameID: fr.ID})
			}
		}
	}
	if len(alerts) > 0 {
		metrics.FrameAlertsTotal.Add(float64(len(alerts)))
	}
	return alerts
}

// derive returns the buffer of a transformed frame list, built from the
// window already cut for the frame in this pass.
func (in *Inspector) derive(l *List, instance uint32, window *InspectionBuffer) *InspectionBuffer {
	if l.ID == l.Base().ID {
		return window
	}
	buf := in.buffers.Get(l.ID, instance)
	if buf.populated {
		return buf
	}
	buf.setup(window.orig, l.Transforms)
	buf.InspectOffset = window.InspectOffset
	buf.Flags = window.Flags
	return buf
}
