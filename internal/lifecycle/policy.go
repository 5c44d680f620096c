package lifecycle

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
)

// PolicyAction is what a matched rule does to a memory.
type PolicyAction string

const (
	PolicyKeep      PolicyAction = "keep"
	PolicyDeprecate PolicyAction = "deprecate"
	PolicyExpire    PolicyAction = "expire"
	PolicyProtect   PolicyAction = "protect"
)

// PolicyRule is one declarative retention rule. Rules are evaluated in
// priority order, highest first; the first match wins.
type PolicyRule struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`

	// Predicates; zero values mean "any".
	MemoryType      string  `yaml:"memory_type,omitempty"`
	ScopeKind       string  `yaml:"scope_kind,omitempty"`
	ImportanceBelow float64 `yaml:"importance_below,omitempty"`
	ImportanceAbove float64 `yaml:"importance_above,omitempty"`
	IdleDaysOver    int     `yaml:"idle_days_over,omitempty"`
	AgeDaysOver     int     `yaml:"age_days_over,omitempty"`

	Action PolicyAction `yaml:"action"`
}

// Policy is an ordered rule set loaded from YAML.
type Policy struct {
	rules []PolicyRule
}

// LoadPolicy reads rules from a YAML file. A missing path yields an empty
// policy, which matches nothing.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{}, nil
		}
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML rule list.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc struct {
		Rules []PolicyRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy yaml: %w", err)
	}
	for i, r := range doc.Rules {
		switch r.Action {
		case PolicyKeep, PolicyDeprecate, PolicyExpire, PolicyProtect:
		default:
			return nil, errs.Newf(errs.KindValidation, "policy rule %d (%s): unknown action %q", i, r.Name, r.Action)
		}
	}
	sort.SliceStable(doc.Rules, func(i, j int) bool {
		return doc.Rules[i].Priority > doc.Rules[j].Priority
	})
	return &Policy{rules: doc.Rules}, nil
}

// Len reports the number of loaded rules.
func (p *Policy) Len() int { return len(p.rules) }

// Evaluate returns the action of the highest-priority matching rule, or
// ("", false) when nothing matches and the default sweep logic applies.
func (p *Policy) Evaluate(m *model.Memory, now time.Time) (PolicyAction, bool) {
	for _, r := range p.rules {
		if r.matches(m, now) {
			return r.Action, true
		}
	}
	return "", false
}

func (r PolicyRule) matches(m *model.Memory, now time.Time) bool {
	if r.MemoryType != "" && string(m.Type) != r.MemoryType {
		return false
	}
	if r.ScopeKind != "" && string(m.Scope.Kind) != r.ScopeKind {
		return false
	}
	eff := m.EffectiveImportance(now)
	if r.ImportanceBelow > 0 && eff >= r.ImportanceBelow {
		return false
	}
	if r.ImportanceAbove > 0 && eff <= r.ImportanceAbove {
		return false
	}
	if r.IdleDaysOver > 0 {
		idle := now.Sub(m.LastAccessedAt).Hours() / 24
		if idle <= float64(r.IdleDaysOver) {
			return false
		}
	}
	if r.AgeDaysOver > 0 {
		age := now.Sub(m.CreatedAt).Hours() / 24
		if age <= float64(r.AgeDaysOver) {
			return false
		}
	}
	return true
}
