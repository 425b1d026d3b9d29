package engine

import (
	"fmt"

	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/detect"
	"firestige.xyz/vigil/internal/sip"
)

// Ruleset is a compiled rule set together with the registry it was built
// against. A Ruleset is immutable once compiled and shared by all workers.
type Ruleset struct {
	Registry *detect.Registry
	Group    *detect.SigGroup
	Frames   sip.FrameTypes
	Rules    int
}

// CompileRules builds rs against a fresh registry. Building adds the
// transformed lists a rule set needs, so registries are never shared between
// compilations.
func CompileRules(rs *config.RuleSet) (*Ruleset, error) {
	r := detect.NewRegistry()
	types, err := sip.Register(r)
	if err != nil {
		return nil, err
	}
	g, err := detect.Build(rs, r)
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	return &Ruleset{
		Registry: r,
		Group:    g,
		Frames:   types,
		Rules:    len(rs.Rules),
	}, nil
}

// LoadRules reads and compiles the rule file at path.
func LoadRules(path string) (*Ruleset, error) {
	rs, err := config.LoadRules(path)
	if err != nil {
		return nil, err
	}
	return CompileRules(rs)
}
