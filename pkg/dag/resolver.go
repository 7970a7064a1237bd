// Package dag computes a valid execution order over declared stage
// dependencies. Each orchestrator run owns its own Resolver instance;
// the type holds no shared mutable state.
package dag

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fundpipe/fundpipe/pkg/models"
)

type node struct {
	deps []string
	def  *models.StageDefinition
}

// Resolver orders stages with Kahn's algorithm and answers readiness
// queries against a completed-set. Construction fails fast on missing
// ids, dangling dependency references, and (on first order computation)
// cycles.
type Resolver struct {
	mu    sync.Mutex
	graph map[string]*node
	ids   []string // declaration order, for deterministic output
	order []string // cached execution order
}

// NewResolver builds the dependency graph from a non-empty stage list.
func NewResolver(stages []models.StageDefinition) (*Resolver, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("dependency resolver requires a non-empty stage list")
	}

	graph := make(map[string]*node, len(stages))
	ids := make([]string, 0, len(stages))

	for i := range stages {
		stage := &stages[i]
		if stage.ID == "" {
			return nil, fmt.Errorf("stage without id in configuration")
		}

		if _, dup := graph[stage.ID]; dup {
			return nil, fmt.Errorf("duplicate stage id %q", stage.ID)
		}

		graph[stage.ID] = &node{deps: stage.Dependencies, def: stage}
		ids = append(ids, stage.ID)
	}

	for id, n := range graph {
		for _, dep := range n.deps {
			if _, ok := graph[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on %q which is not declared", id, dep)
			}
		}
	}

	return &Resolver{graph: graph, ids: ids}, nil
}

// ExecutionOrder returns a total order consistent with the declared
// partial order. Cycles are a fatal configuration error naming the
// unresolved stages. The result is cached after the first computation.
func (r *Resolver) ExecutionOrder() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order != nil {
		return append([]string(nil), r.order...), nil
	}

	inDegree := make(map[string]int, len(r.graph))
	queue := make([]string, 0, len(r.graph))

	for _, id := range r.ids {
		inDegree[id] = len(r.graph[id].deps)
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]string, 0, len(r.graph))

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, id := range r.ids {
			n := r.graph[id]
			for _, dep := range n.deps {
				if dep != current {
					continue
				}

				inDegree[id]--
				if inDegree[id] == 0 {
					queue = append(queue, id)
				}
			}
		}
	}

	if len(result) != len(r.graph) {
		unresolved := make([]string, 0)
		seen := make(map[string]bool, len(result))

		for _, id := range result {
			seen[id] = true
		}

		for _, id := range r.ids {
			if !seen[id] {
				unresolved = append(unresolved, id)
			}
		}

		sort.Strings(unresolved)

		return nil, fmt.Errorf("cyclic dependencies in pipeline configuration, unresolved stages: %s",
			strings.Join(unresolved, ", "))
	}

	r.order = result

	return append([]string(nil), result...), nil
}

// InvalidateOrder drops the cached order. Needed only if the
// configuration is mutated live.
func (r *Resolver) InvalidateOrder() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = nil
}

// Dependencies returns the direct dependencies of a stage.
func (r *Resolver) Dependencies(stageID string) ([]string, error) {
	n, ok := r.graph[stageID]
	if !ok {
		return nil, fmt.Errorf("stage %q not in dependency graph", stageID)
	}

	return append([]string(nil), n.deps...), nil
}

// Definition returns the declaration backing a graph node.
func (r *Resolver) Definition(stageID string) (*models.StageDefinition, error) {
	n, ok := r.graph[stageID]
	if !ok {
		return nil, fmt.Errorf("stage %q not in dependency graph", stageID)
	}

	return n.def, nil
}

// IsReady reports whether every direct dependency of the stage is in
// the completed set.
func (r *Resolver) IsReady(stageID string, completed map[string]bool) bool {
	n, ok := r.graph[stageID]
	if !ok {
		return false
	}

	for _, dep := range n.deps {
		if !completed[dep] {
			return false
		}
	}

	return true
}

// ReadyStages returns the executable frontier: stages neither completed
// nor running whose dependencies are all complete. Enables more
// concurrency than the strict linear order when stages are independent.
func (r *Resolver) ReadyStages(completed, running map[string]bool) []string {
	ready := make([]string, 0)

	for _, id := range r.ids {
		if completed[id] || running[id] {
			continue
		}

		if r.IsReady(id, completed) {
			ready = append(ready, id)
		}
	}

	return ready
}

// TransitiveDependencies returns everything a stage depends on,
// directly or indirectly.
func (r *Resolver) TransitiveDependencies(stageID string) (map[string]bool, error) {
	if _, ok := r.graph[stageID]; !ok {
		return nil, fmt.Errorf("stage %q not in dependency graph", stageID)
	}

	all := make(map[string]bool)
	visited := make(map[string]bool)

	var traverse func(id string)
	traverse = func(id string) {
		if visited[id] {
			return
		}

		visited[id] = true

		for _, dep := range r.graph[id].deps {
			all[dep] = true
			traverse(dep)
		}
	}

	traverse(stageID)

	return all, nil
}

// Dependents returns the stages that directly depend on the given one.
func (r *Resolver) Dependents(stageID string) []string {
	dependents := make([]string, 0)

	for _, id := range r.ids {
		for _, dep := range r.graph[id].deps {
			if dep == stageID {
				dependents = append(dependents, id)

				break
			}
		}
	}

	return dependents
}
