package detect

import (
	"fmt"

	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/core"
)

// Build compiles a rule set against the lists registered in r.
func Build(rs *config.RuleSet, r *Registry) (*SigGroup, error) {
	sigs := make([]*Signature, 0, len(rs.Rules))
	for i := range rs.Rules {
		s, err := buildSignature(&rs.Rules[i], r)
		if err != nil {
			return nil, fmt.Errorf("rule sid %d: %w", rs.Rules[i].SID, err)
		}
		sigs = append(sigs, s)
	}
	return NewSigGroup(sigs), nil
}

func buildSignature(rule *config.Rule, r *Registry) (*Signature, error) {
	s := &Signature{
		ID:        rule.SID,
		Rev:       rule.Rev,
		Msg:       rule.Msg,
		FileStore: rule.FileStore,
	}
	switch rule.Direction {
	case "", "any":
		s.AnyDir = true
	default:
		dir, ok := core.ParseDirection(rule.Direction)
		if !ok {
			return nil, fmt.Errorf("invalid direction %q: %w", rule.Direction, core.ErrRulesInvalid)
		}
		s.Dir = dir
	}

	if rule.Frame != nil {
		base, err := r.LookupFrame(rule.Frame.Name)
		if err != nil {
			return nil, err
		}
		bm, err := buildMatch(rule.Frame, base, r)
		if err != nil {
			return nil, err
		}
		s.FrameMatch = &bm
		return s, nil
	}

	if len(rule.Buffers) > MaxEngineFlags {
		return nil, fmt.Errorf("%d buffers exceed the limit of %d: %w", len(rule.Buffers), MaxEngineFlags, core.ErrRulesInvalid)
	}
	for i := range rule.Buffers {
		spec := &rule.Buffers[i]
		base, err := r.Lookup(spec.Name)
		if err != nil {
			if _, ferr := r.FrameType(spec.Name); ferr == nil {
				return nil, fmt.Errorf("%s is a frame type, use frame: %w", spec.Name, core.ErrRulesInvalid)
			}
			return nil, err
		}
		bm, err := buildMatch(spec, base, r)
		if err != nil {
			return nil, err
		}
		s.Buffers = append(s.Buffers, bm)
	}
	return s, nil
}

func buildMatch(spec *config.BufferSpec, base *List, r *Registry) (BufferMatch, error) {
	var ts []Transform
	for _, t := range spec.Transforms {
		tr, err := NewTransform(t.Name, t.Options)
		if err != nil {
			return BufferMatch{}, err
		}
		ts = append(ts, tr)
	}

	bm := BufferMatch{List: r.WithTransforms(base, ts)}
	for i := range spec.Contents {
		c := &spec.Contents[i]
		p, err := c.Bytes()
		if err != nil {
			return BufferMatch{}, fmt.Errorf("%v: %w", err, core.ErrRulesInvalid)
		}
		bm.Contents = append(bm.Contents, Content{
			Pattern:    p,
			Nocase:     c.Nocase,
			StartsWith: c.StartsWith,
			EndsWith:   c.EndsWith,
			Negate:     c.Negate,
		})
	}
	return bm, nil
}
