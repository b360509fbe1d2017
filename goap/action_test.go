package goap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveforge/substrate/pattern"
)

func openDoorAction() pattern.Action {
	return pattern.Action{
		Name:          "open_door",
		Preconditions: `state.door == "closed"`,
		Effects:       `{"door": "open"}`,
		Cost:          1,
		Risk:          pattern.RiskLow,
	}
}

func TestNewDomain_CompilesActions(t *testing.T) {
	dom, err := NewDomain([]pattern.Action{openDoorAction()})
	require.NoError(t, err)
	require.Len(t, dom.actions, 1)
}

func TestNewDomain_RejectsBadExpression(t *testing.T) {
	bad := pattern.Action{Name: "broken", Preconditions: `state.door ===`, Effects: `{}`}
	_, err := NewDomain([]pattern.Action{bad})
	assert.Error(t, err)
}

func TestCompiledAction_ApplicableAndApply(t *testing.T) {
	dom, err := NewDomain([]pattern.Action{openDoorAction()})
	require.NoError(t, err)

	closed := pattern.WorldState{"door": "closed"}
	ok, err := dom.actions[0].Applicable(closed)
	require.NoError(t, err)
	assert.True(t, ok)

	open := pattern.WorldState{"door": "open"}
	ok, err = dom.actions[0].Applicable(open)
	require.NoError(t, err)
	assert.False(t, ok)

	next, err := dom.actions[0].Apply(closed)
	require.NoError(t, err)
	assert.Equal(t, "open", next["door"])
	assert.Equal(t, "closed", closed["door"], "Apply must not mutate its input")
}

func TestDomain_Expand(t *testing.T) {
	dom, err := NewDomain([]pattern.Action{openDoorAction()})
	require.NoError(t, err)

	applicable, err := dom.Expand(pattern.WorldState{"door": "closed"})
	require.NoError(t, err)
	assert.Len(t, applicable, 1)

	none, err := dom.Expand(pattern.WorldState{"door": "open"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRiskMultiplier(t *testing.T) {
	factors := map[string]float64{"low": 1, "high": 3}
	assert.Equal(t, 1.0, RiskMultiplier(pattern.RiskLow, factors))
	assert.Equal(t, 3.0, RiskMultiplier(pattern.RiskHigh, factors))
	assert.Equal(t, 1.0, RiskMultiplier(pattern.RiskCritical, factors), "unknown risk defaults to 1")
}
