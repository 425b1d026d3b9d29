package detect

import (
	"sort"

	"firestige.xyz/vigil/internal/core"
)

// Content is one pattern test against an inspection buffer.
type Content struct {
	Pattern    []byte
	Nocase     bool
	StartsWith bool
	EndsWith   bool
	Negate     bool
}

// BufferMatch is the set of contents a signature requires in one list.
// All contents must hold.
type BufferMatch struct {
	List     *List
	Contents []Content
}

// Signature is a compiled rule.
type Signature struct {
	Num SigNum
	ID  uint32
	Rev uint32
	Msg string

	Dir    core.Direction
	AnyDir bool

	// FileStore marks a signature that requests file storage when it matches.
	FileStore bool

	// Frame signatures inspect one frame type; transaction signatures
	// inspect Buffers, which are combined with a logical AND.
	FrameMatch *BufferMatch
	Buffers    []BufferMatch
}

// IsFrame reports whether s inspects frames instead of transaction buffers.
func (s *Signature) IsFrame() bool {
	return s.FrameMatch != nil
}

// Applies reports whether s inspects direction dir.
func (s *Signature) Applies(dir core.Direction) bool {
	return s.AnyDir || s.Dir == dir
}

// SigGroup is the set of signatures applied to a flow.
type SigGroup struct {
	sigs      []*Signature
	txSigs    [2][]*Signature
	frameSigs [2]map[FrameType][]*Signature
	fileStore [2]uint32
}

// NewSigGroup assigns ordinals and indexes sigs by direction and kind.
func NewSigGroup(sigs []*Signature) *SigGroup {
	sorted := make([]*Signature, len(sigs))
	copy(sorted, sigs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := &SigGroup{sigs: sorted}
	for d := range g.frameSigs {
		g.frameSigs[d] = make(map[FrameType][]*Signature)
	}
	for i, s := range sorted {
		s.Num = SigNum(i)
		for _, dir := range []core.Direction{core.ToServer, core.ToClient} {
			if !s.Applies(dir) {
				continue
			}
			d := dir.Index()
			if s.FileStore {
				g.fileStore[d]++
			}
			if s.IsFrame() {
				t := s.FrameMatch.List.FrameType
				g.frameSigs[d][t] = append(g.frameSigs[d][t], s)
			} else {
				g.txSigs[d] = append(g.txSigs[d], s)
			}
		}
	}
	return g
}

// Len returns the number of signatures.
func (g *SigGroup) Len() int {
	return len(g.sigs)
}

// Sigs returns every signature ordered by ordinal.
func (g *SigGroup) Sigs() []*Signature {
	return g.sigs
}

// Sig returns the signature with ordinal n.
func (g *SigGroup) Sig(n SigNum) *Signature {
	if int(n) < len(g.sigs) {
		return g.sigs[n]
	}
	return nil
}

// TxSigs returns the transaction signatures for dir.
func (g *SigGroup) TxSigs(dir core.Direction) []*Signature {
	return g.txSigs[dir.Index()]
}

// FrameSigs returns the frame signatures of type t for dir.
func (g *SigGroup) FrameSigs(dir core.Direction, t FrameType) []*Signature {
	return g.frameSigs[dir.Index()][t]
}

// FileStoreCount returns how many signatures for dir can request file storage.
func (g *SigGroup) FileStoreCount(dir core.Direction) uint32 {
	return g.fileStore[dir.Index()]
}
