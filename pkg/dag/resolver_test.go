package dag

import (
	"testing"

	"github.com/fundpipe/fundpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stage(id string, deps ...string) models.StageDefinition {
	return models.StageDefinition{ID: id, Dependencies: deps}
}

func TestNewResolverValidation(t *testing.T) {
	_, err := NewResolver(nil)
	assert.Error(t, err)

	_, err = NewResolver([]models.StageDefinition{{ID: ""}})
	assert.Error(t, err)

	_, err = NewResolver([]models.StageDefinition{stage("A"), stage("B", "MISSING")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MISSING")

	_, err = NewResolver([]models.StageDefinition{stage("A"), stage("A")})
	assert.Error(t, err)
}

func TestExecutionOrderLinearChain(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{
		stage("C", "B"),
		stage("A"),
		stage("B", "A"),
	})
	require.NoError(t, err)

	order, err := resolver.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, order)
}

func TestExecutionOrderRespectsDependencies(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{
		stage("EXTRACT"),
		stage("VALIDATE", "EXTRACT"),
		stage("PROCESS_IPA", "VALIDATE"),
		stage("PROCESS_CAPM", "VALIDATE"),
		stage("PROCESS_DERIVATIVES", "VALIDATE"),
		stage("PROCESS_PNL", "PROCESS_IPA", "PROCESS_CAPM"),
		stage("CONSOLIDATE", "PROCESS_PNL", "PROCESS_DERIVATIVES"),
	})
	require.NoError(t, err)

	order, err := resolver.ExecutionOrder()
	require.NoError(t, err)
	require.Len(t, order, 7)

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	// Every stage strictly after all its dependencies.
	deps := map[string][]string{
		"VALIDATE":            {"EXTRACT"},
		"PROCESS_IPA":         {"VALIDATE"},
		"PROCESS_CAPM":        {"VALIDATE"},
		"PROCESS_DERIVATIVES": {"VALIDATE"},
		"PROCESS_PNL":         {"PROCESS_IPA", "PROCESS_CAPM"},
		"CONSOLIDATE":         {"PROCESS_PNL", "PROCESS_DERIVATIVES"},
	}
	for id, ds := range deps {
		for _, dep := range ds {
			assert.Greater(t, position[id], position[dep], "%s must run after %s", id, dep)
		}
	}
}

func TestExecutionOrderDetectsCycle(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{
		stage("A", "C"),
		stage("B", "A"),
		stage("C", "B"),
	})
	require.NoError(t, err)

	_, err = resolver.ExecutionOrder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic")
	// Names at least one stage in the cycle.
	assert.Contains(t, err.Error(), "A")
}

func TestExecutionOrderCached(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{stage("A"), stage("B", "A")})
	require.NoError(t, err)

	first, err := resolver.ExecutionOrder()
	require.NoError(t, err)

	second, err := resolver.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	resolver.InvalidateOrder()

	third, err := resolver.ExecutionOrder()
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestIsReady(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{
		stage("A"),
		stage("B", "A"),
		stage("C", "A", "B"),
	})
	require.NoError(t, err)

	assert.True(t, resolver.IsReady("A", map[string]bool{}))
	assert.False(t, resolver.IsReady("B", map[string]bool{}))
	assert.True(t, resolver.IsReady("B", map[string]bool{"A": true}))
	assert.False(t, resolver.IsReady("C", map[string]bool{"A": true}))
	assert.True(t, resolver.IsReady("C", map[string]bool{"A": true, "B": true}))
	assert.False(t, resolver.IsReady("UNKNOWN", map[string]bool{}))
}

func TestReadyStages(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{
		stage("A"),
		stage("B"),
		stage("C", "A"),
		stage("D", "A", "B"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, resolver.ReadyStages(map[string]bool{}, map[string]bool{}))

	ready := resolver.ReadyStages(map[string]bool{"A": true}, map[string]bool{"B": true})
	assert.Equal(t, []string{"C"}, ready)

	ready = resolver.ReadyStages(map[string]bool{"A": true, "B": true}, map[string]bool{})
	assert.Equal(t, []string{"C", "D"}, ready)
}

func TestTransitiveDependenciesAndDependents(t *testing.T) {
	resolver, err := NewResolver([]models.StageDefinition{
		stage("A"),
		stage("B", "A"),
		stage("C", "B"),
		stage("D", "A"),
	})
	require.NoError(t, err)

	all, err := resolver.TransitiveDependencies("C")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": true}, all)

	assert.Equal(t, []string{"B", "D"}, resolver.Dependents("A"))
	assert.Empty(t, resolver.Dependents("C"))

	_, err = resolver.TransitiveDependencies("UNKNOWN")
	assert.Error(t, err)
}
