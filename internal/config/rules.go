package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"firestige.xyz/vigil/internal/core"
)

// RuleSet is a rule file: a flat list of rules.
type RuleSet struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Rule describes one signature.
type Rule struct {
	SID       uint32       `json:"sid" yaml:"sid"`
	Rev       uint32       `json:"rev" yaml:"rev"`
	Msg       string       `json:"msg" yaml:"msg"`
	Direction string       `json:"direction" yaml:"direction"` // to_server / to_client / any
	FileStore bool         `json:"filestore" yaml:"filestore"`
	Frame     *BufferSpec  `json:"frame,omitempty" yaml:"frame,omitempty"`
	Buffers   []BufferSpec `json:"buffers,omitempty" yaml:"buffers,omitempty"`
}

// BufferSpec selects a buffer (or frame type) and the contents matched in it.
type BufferSpec struct {
	Name       string          `json:"name" yaml:"name"`
	Transforms []TransformSpec `json:"transforms,omitempty" yaml:"transforms,omitempty"`
	Contents   []ContentSpec   `json:"contents" yaml:"contents"`
}

// TransformSpec names a transform. Options are transform specific.
type TransformSpec struct {
	Name    string         `json:"name" yaml:"name"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// ContentSpec is a content match. Either Pattern or Hex is set.
type ContentSpec struct {
	Pattern    string `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Hex        string `json:"hex,omitempty" yaml:"hex,omitempty"`
	Nocase     bool   `json:"nocase,omitempty" yaml:"nocase,omitempty"`
	StartsWith bool   `json:"startswith,omitempty" yaml:"startswith,omitempty"`
	EndsWith   bool   `json:"endswith,omitempty" yaml:"endswith,omitempty"`
	Negate     bool   `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// Bytes returns the pattern bytes.
func (c *ContentSpec) Bytes() ([]byte, error) {
	if c.Hex != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(c.Hex, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid hex pattern %q: %w", c.Hex, err)
		}
		return b, nil
	}
	return []byte(c.Pattern), nil
}

// LoadRules reads a rule file. The format follows the extension:
// .json is JSON, anything else YAML.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".json") {
		format = "json"
	}
	rs, err := ParseRules(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

// ParseRules decodes and validates a rule set in the given format.
func ParseRules(data []byte, format string) (*RuleSet, error) {
	var rs RuleSet
	switch format {
	case "json":
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("failed to parse JSON rules: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules format %q: %w", format, core.ErrRulesInvalid)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks that every rule is well formed.
func (rs *RuleSet) Validate() error {
	seen := make(map[uint32]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.SID == 0 {
			return fmt.Errorf("rule %d: sid is required: %w", i, core.ErrRulesInvalid)
		}
		if seen[r.SID] {
			return fmt.Errorf("rule sid %d: duplicate sid: %w", r.SID, core.ErrRulesInvalid)
		}
		seen[r.SID] = true

		switch r.Direction {
		case "", "any":
		default:
			if _, ok := core.ParseDirection(r.Direction); !ok {
				return fmt.Errorf("rule sid %d: invalid direction %q: %w", r.SID, r.Direction, core.ErrRulesInvalid)
			}
		}

		if r.Frame == nil && len(r.Buffers) == 0 {
			return fmt.Errorf("rule sid %d: needs a frame or at least one buffer: %w", r.SID, core.ErrRulesInvalid)
		}
		if r.Frame != nil && len(r.Buffers) > 0 {
			return fmt.Errorf("rule sid %d: frame and buffers are exclusive: %w", r.SID, core.ErrRulesInvalid)
		}

		specs := r.Buffers
		if r.Frame != nil {
			specs = []BufferSpec{*r.Frame}
		}
		for _, b := range specs {
			if err := b.validate(); err != nil {
				return fmt.Errorf("rule sid %d: %w", r.SID, err)
			}
		}
	}
	return nil
}

func (b *BufferSpec) validate() error {
	if b.Name == "" {
		return fmt.Errorf("buffer name is required: %w", core.ErrRulesInvalid)
	}
	if len(b.Contents) == 0 {
		return fmt.Errorf("buffer %s: at least one content is required: %w", b.Name, core.ErrRulesInvalid)
	}
	for _, t := range b.Transforms {
		if t.Name == "" {
			return fmt.Errorf("buffer %s: transform name is required: %w", b.Name, core.ErrRulesInvalid)
		}
	}
	for _, c := range b.Contents {
		p, err := c.Bytes()
		if err != nil {
			return fmt.Errorf("buffer %s: %v: %w", b.Name, err, core.ErrRulesInvalid)
		}
		if len(p) == 0 {
			return fmt.Errorf("buffer %s: empty content pattern: %w", b.Name, core.ErrRulesInvalid)
		}
	}
	return nil
}
