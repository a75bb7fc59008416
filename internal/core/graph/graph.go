// Package graph plans the materialization order of resource descriptors.
//
// All functions are pure: they take descriptors and return an order or an
// error, and never touch a platform. The same input always yields the same
// order, which keeps provisioning idempotent and its plans diff-able.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/stackpipe/internal/core/resource"
)

// =============================================================================
// Errors
// =============================================================================

// ErrDuplicateID is returned when two descriptors share an ID.
var ErrDuplicateID = errors.New("duplicate resource id")

// CycleError reports a dependency cycle. Cycle lists the IDs along the cycle
// with the first ID repeated at the end, e.g. [a b c a].
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// UnresolvedReferenceError reports a dependency on an ID that is not part of
// the descriptor set.
type UnresolvedReferenceError struct {
	ID        string // Descriptor holding the reference
	Reference string // Missing ID
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("resource %s depends on unknown resource %s", e.ID, e.Reference)
}

// =============================================================================
// Planning
// =============================================================================

// Plan orders descriptors so that each one appears after all of its
// dependencies, using Kahn's algorithm.
//
// Among descriptors that are ready at the same time, the smallest ID goes
// first. Example:
//
//	// vpc <- cluster <- svc, repo <- task <- svc
//	order, _ := Plan(descs)
//	// Result: [repo, task, vpc, cluster, svc]
func Plan(descriptors []resource.Descriptor) ([]resource.Descriptor, error) {
	g, err := build(descriptors)
	if err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(g.nodes))
	for id, deps := range g.deps {
		inDegree[id] = len(deps)
	}

	var ready []string
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]resource.Descriptor, 0, len(g.ids))
	for len(ready) > 0 {
		// ready is kept sorted, so the head is the smallest ready ID.
		id := ready[0]
		ready = ready[1:]
		result = append(result, g.nodes[id])

		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(result) < len(g.ids) {
		return nil, &CycleError{Cycle: g.findCycle(inDegree)}
	}
	return result, nil
}

// Teardown returns the reverse of Plan: dependents before their dependencies.
func Teardown(descriptors []resource.Descriptor) ([]resource.Descriptor, error) {
	order, err := Plan(descriptors)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}

// Layers groups descriptors into levels. Every descriptor in a level depends
// only on descriptors from earlier levels. IDs inside a level are sorted.
func Layers(descriptors []resource.Descriptor) ([][]string, error) {
	order, err := Plan(descriptors)
	if err != nil {
		return nil, err
	}
	g, _ := build(descriptors)

	level := make(map[string]int, len(order))
	var layers [][]string
	for _, d := range order {
		l := 0
		for _, dep := range g.deps[d.ID] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[d.ID] = l
		for len(layers) <= l {
			layers = append(layers, nil)
		}
		layers[l] = append(layers[l], d.ID)
	}
	for _, layer := range layers {
		sort.Strings(layer)
	}
	return layers, nil
}

// =============================================================================
// Internal Graph
// =============================================================================

type depGraph struct {
	ids        []string // sorted
	nodes      map[string]resource.Descriptor
	deps       map[string][]string // id -> sorted dependencies
	dependents map[string][]string // id -> sorted dependents
}

func build(descriptors []resource.Descriptor) (*depGraph, error) {
	g := &depGraph{
		nodes:      make(map[string]resource.Descriptor, len(descriptors)),
		deps:       make(map[string][]string, len(descriptors)),
		dependents: make(map[string][]string, len(descriptors)),
	}

	for _, d := range descriptors {
		if _, exists := g.nodes[d.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, d.ID)
		}
		g.nodes[d.ID] = d
		g.ids = append(g.ids, d.ID)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		deps, err := g.nodes[id].Dependencies()
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if dep == id {
				return nil, &CycleError{Cycle: []string{id, id}}
			}
			if _, ok := g.nodes[dep]; !ok {
				return nil, &UnresolvedReferenceError{ID: id, Reference: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
		g.deps[id] = deps
	}
	// Dependents were appended while walking sorted IDs, so they are sorted.

	return g, nil
}

// findCycle walks the descriptors Kahn's algorithm could not place and
// returns the first cycle reachable from the smallest stuck ID.
func (g *depGraph) findCycle(inDegree map[string]int) []string {
	var start string
	for _, id := range g.ids {
		if inDegree[id] > 0 {
			start = id
			break
		}
	}

	// Every stuck node has at least one stuck dependency, so following
	// stuck dependencies must revisit a node.
	var path []string
	position := make(map[string]int)
	current := start
	for {
		if i, seen := position[current]; seen {
			cycle := append([]string(nil), path[i:]...)
			// Report the cycle in dependency direction: a depends on b ...
			return append(cycle, current)
		}
		position[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range g.deps[current] {
			if inDegree[dep] > 0 {
				next = dep
				break
			}
		}
		if next == "" {
			// Unreachable for a well-formed graph; return what we have.
			return path
		}
		current = next
	}
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}
