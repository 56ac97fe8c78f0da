package xgate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xgate"
)

func TestRuleSet_PriorityThenDeclarationOrder(t *testing.T) {
	rs, err := xgate.NewRuleSet(
		xgate.RoutingRule{Name: "catch-all", Target: "fallback-app", Priority: 100},
		xgate.RoutingRule{Name: "us-first", Match: xgate.ToPrefix("+1"), Target: "us-app", Priority: 10},
		xgate.RoutingRule{Name: "us-second", Match: xgate.ToPrefix("+1"), Target: "other-app", Priority: 10},
		xgate.RoutingRule{Name: "survey", Match: xgate.Keyword("survey"), Target: "survey-app", Priority: 0},
	)
	require.NoError(t, err)

	names := make([]string, 0, 4)
	for _, r := range rs.Rules() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"survey", "us-first", "us-second", "catch-all"}, names)

	r, ok := rs.Match(inbound(t, "+27", "+15550000", "hello"))
	require.True(t, ok)
	assert.Equal(t, "us-app", r.Target)

	r, ok = rs.Match(inbound(t, "+27", "+15550000", "SURVEY please"))
	require.True(t, ok)
	assert.Equal(t, "survey-app", r.Target)

	r, ok = rs.Match(inbound(t, "+27", "+44123", "hello"))
	require.True(t, ok)
	assert.Equal(t, "fallback-app", r.Target)
}

func TestRuleSet_SourceAndTarget(t *testing.T) {
	_, err := xgate.NewRuleSet(xgate.RoutingRule{Name: "bad"})
	assert.ErrorContains(t, err, "target required")

	rs, err := xgate.NewRuleSet(xgate.RoutingRule{Name: "ussd-only", Source: "ussd", Target: "menu"})
	require.NoError(t, err)
	_, ok := rs.Match(inbound(t, "+27", "*120#", "1"))
	assert.False(t, ok, "sms message must not match a ussd rule")

	var nilSet *xgate.RuleSet
	_, ok = nilSet.Match(inbound(t, "+27", "1", "x"))
	assert.False(t, ok)
}

func TestPredicates(t *testing.T) {
	m := inbound(t, "+27821234", "+15550000", "Balance now").WithMetadata("tier", "gold")

	assert.True(t, xgate.FromPrefix("+27")(m))
	assert.True(t, xgate.Keyword("balance")(m))
	assert.False(t, xgate.Keyword("bal")(m))
	assert.True(t, xgate.MetadataEquals("tier", "gold")(m))
	assert.False(t, xgate.MetadataEquals("tier", "silver")(m))
	assert.True(t, xgate.TransportIs("sms")(m))
	assert.True(t, xgate.All()(m))
	assert.False(t, xgate.Any()(m))
	assert.True(t, xgate.Any(xgate.ToPrefix("+44"), xgate.ToPrefix("+1"))(m))
	assert.False(t, xgate.Not(xgate.ToPrefix("+1"))(m))
}

func TestMatchConfig(t *testing.T) {
	cfg := xgate.MatchConfig{
		ToPrefix: "+1",
		Metadata: map[string]string{"tier": "gold"},
		Any: []xgate.MatchConfig{
			{Keyword: "balance"},
			{FromPrefix: "+27"},
		},
		Not: &xgate.MatchConfig{Transport: "ussd"},
	}
	p, err := cfg.Predicate()
	require.NoError(t, err)

	gold := inbound(t, "+44", "+15550000", "balance").WithMetadata("tier", "gold")
	assert.True(t, p(gold))
	assert.False(t, p(inbound(t, "+44", "+15550000", "balance")), "metadata missing")
	assert.False(t, p(inbound(t, "+44", "+15550000", "hi").WithMetadata("tier", "gold")), "no any branch matches")

	all, err := xgate.MatchConfig{}.Predicate()
	require.NoError(t, err)
	assert.True(t, all(gold), "empty config matches everything")

	_, err = xgate.MatchConfig{All: []xgate.MatchConfig{{Keyword: "two words"}}}.Predicate()
	assert.ErrorContains(t, err, "single word")
}

func TestRuleConfig(t *testing.T) {
	r, err := xgate.RuleConfig{Name: "us", Match: xgate.MatchConfig{ToPrefix: "+1"}, Target: "us-app", Priority: 3}.Rule()
	require.NoError(t, err)
	assert.Equal(t, "us-app", r.Target)
	assert.Equal(t, 3, r.Priority)
	assert.True(t, r.Match(inbound(t, "+27", "+1555", "x")))

	_, err = xgate.RuleConfig{Name: "x"}.Rule()
	assert.ErrorContains(t, err, "target required")
}
