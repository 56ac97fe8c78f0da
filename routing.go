package xgate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Predicate decides whether a rule applies to a message.
type Predicate func(m *Message) bool

// RoutingRule sends messages matching Match to the Target application.
// Source, when set, limits the rule to messages arriving from that transport.
type RoutingRule struct {
	Name     string
	Source   string
	Match    Predicate
	Target   string
	Priority int
}

func (r RoutingRule) applies(m *Message) bool {
	if r.Source != "" && r.Source != m.Transport {
		return false
	}
	return r.Match == nil || r.Match(m)
}

// RuleSet is an ordered rule list: ascending priority, declaration order
// among equals. The first match wins.
type RuleSet struct {
	rules []RoutingRule
}

func NewRuleSet(rules ...RoutingRule) (*RuleSet, error) {
	sorted := append([]RoutingRule(nil), rules...)
	for i, r := range sorted {
		if r.Target == "" {
			return nil, fmt.Errorf("routing rule %d (%s): target required", i, r.Name)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &RuleSet{rules: sorted}, nil
}

// Match returns the first rule that applies.
func (rs *RuleSet) Match(m *Message) (RoutingRule, bool) {
	if rs == nil {
		return RoutingRule{}, false
	}
	for _, r := range rs.rules {
		if r.applies(m) {
			return r, true
		}
	}
	return RoutingRule{}, false
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []RoutingRule {
	if rs == nil {
		return nil
	}
	return append([]RoutingRule(nil), rs.rules...)
}

func ToPrefix(prefix string) Predicate {
	return func(m *Message) bool { return strings.HasPrefix(m.To, prefix) }
}

func FromPrefix(prefix string) Predicate {
	return func(m *Message) bool { return strings.HasPrefix(m.From, prefix) }
}

// Keyword matches the first word of the content, case-insensitively.
func Keyword(word string) Predicate {
	word = strings.ToLower(word)
	return func(m *Message) bool {
		fields := strings.Fields(m.Content)
		return len(fields) > 0 && strings.ToLower(fields[0]) == word
	}
}

func MetadataEquals(key, value string) Predicate {
	return func(m *Message) bool {
		v, ok := m.Metadata[key]
		return ok && v == value
	}
}

func TransportIs(name string) Predicate {
	return func(m *Message) bool { return m.Transport == name }
}

// All matches when every predicate does (and when there are none).
func All(ps ...Predicate) Predicate {
	return func(m *Message) bool {
		for _, p := range ps {
			if !p(m) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate does.
func Any(ps ...Predicate) Predicate {
	return func(m *Message) bool {
		for _, p := range ps {
			if p(m) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(m *Message) bool { return !p(m) }
}

// MatchConfig is the declarative form of a Predicate. Set fields are
// combined with All; All/Any/Not nest.
type MatchConfig struct {
	ToPrefix   string            `yaml:"to_prefix,omitempty" json:"to_prefix,omitempty"`
	FromPrefix string            `yaml:"from_prefix,omitempty" json:"from_prefix,omitempty"`
	Keyword    string            `yaml:"keyword,omitempty" json:"keyword,omitempty"`
	Transport  string            `yaml:"transport,omitempty" json:"transport,omitempty"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	All        []MatchConfig     `yaml:"all,omitempty" json:"all,omitempty"`
	Any        []MatchConfig     `yaml:"any,omitempty" json:"any,omitempty"`
	Not        *MatchConfig      `yaml:"not,omitempty" json:"not,omitempty"`
}

// Predicate compiles the configuration. An empty config matches everything.
func (c MatchConfig) Predicate() (Predicate, error) {
	var ps []Predicate
	if c.ToPrefix != "" {
		ps = append(ps, ToPrefix(c.ToPrefix))
	}
	if c.FromPrefix != "" {
		ps = append(ps, FromPrefix(c.FromPrefix))
	}
	if c.Keyword != "" {
		if strings.ContainsAny(c.Keyword, " \t\n") {
			return nil, fmt.Errorf("keyword %q must be a single word", c.Keyword)
		}
		ps = append(ps, Keyword(c.Keyword))
	}
	if c.Transport != "" {
		ps = append(ps, TransportIs(c.Transport))
	}
	keys := make([]string, 0, len(c.Metadata))
	for k := range c.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ps = append(ps, MetadataEquals(k, c.Metadata[k]))
	}
	if len(c.All) > 0 {
		sub, err := compileAll(c.All)
		if err != nil {
			return nil, err
		}
		ps = append(ps, All(sub...))
	}
	if len(c.Any) > 0 {
		sub, err := compileAll(c.Any)
		if err != nil {
			return nil, err
		}
		ps = append(ps, Any(sub...))
	}
	if c.Not != nil {
		p, err := c.Not.Predicate()
		if err != nil {
			return nil, err
		}
		ps = append(ps, Not(p))
	}
	if len(ps) == 1 {
		return ps[0], nil
	}
	return All(ps...), nil
}

func compileAll(cs []MatchConfig) ([]Predicate, error) {
	out := make([]Predicate, 0, len(cs))
	for _, c := range cs {
		p, err := c.Predicate()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// RuleConfig is the declarative form of a RoutingRule.
type RuleConfig struct {
	Name     string      `yaml:"name" json:"name"`
	Source   string      `yaml:"source,omitempty" json:"source,omitempty"`
	Match    MatchConfig `yaml:"match" json:"match"`
	Target   string      `yaml:"target" json:"target"`
	Priority int         `yaml:"priority" json:"priority"`
}

// Rule compiles the configuration.
func (c RuleConfig) Rule() (RoutingRule, error) {
	if c.Target == "" {
		return RoutingRule{}, errors.New("routing rule " + c.Name + ": target required")
	}
	p, err := c.Match.Predicate()
	if err != nil {
		return RoutingRule{}, fmt.Errorf("routing rule %s: %w", c.Name, err)
	}
	return RoutingRule{Name: c.Name, Source: c.Source, Match: p, Target: c.Target, Priority: c.Priority}, nil
}
