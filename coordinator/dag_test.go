package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskGraph_LevelsRespectDependencies(t *testing.T) {
	g := newTaskGraph()
	g.add("a", nil)
	g.add("b", nil)
	g.add("c", []string{"a", "b"})
	g.add("d", []string{"c"})

	levels := g.levels()
	require.Len(t, levels, 3)
	assert.ElementsMatch(t, []string{"a", "b"}, levels[0])
	assert.Equal(t, []string{"c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestTaskGraph_ValidateDetectsCycle(t *testing.T) {
	g := newTaskGraph()
	g.add("a", []string{"b"})
	g.add("b", []string{"a"})
	assert.Error(t, g.validate())
}

func TestTaskGraph_ValidateDetectsMissingDependency(t *testing.T) {
	g := newTaskGraph()
	g.add("a", []string{"ghost"})
	assert.Error(t, g.validate())
}

func TestTaskGraph_ValidateAcceptsDAG(t *testing.T) {
	g := newTaskGraph()
	g.add("a", nil)
	g.add("b", []string{"a"})
	assert.NoError(t, g.validate())
}
