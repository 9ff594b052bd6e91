// Package dag validates and analyses step dependency graphs. Nodes are
// addressed by name; the slice order is the declaration order.
package dag

import (
	"fmt"
	"strings"

	"github.com/example/workflow-orchestrator/internal/models"
)

type Node struct {
	Name string
	Deps []string
}

func FromSpecs(specs []models.StepSpec) []Node {
	out := make([]Node, len(specs))
	for i, s := range specs {
		out[i] = Node{Name: s.Name, Deps: s.Dependencies}
	}
	return out
}

func FromSteps(steps []*models.Step) []Node {
	out := make([]Node, len(steps))
	for i, s := range steps {
		out[i] = Node{Name: s.Name, Deps: s.Dependencies}
	}
	return out
}

// Validate rejects empty or duplicate names, self references, dangling
// dependencies and cycles. All errors wrap models.ErrValidation.
func Validate(nodes []Node) error {
	if len(nodes) == 0 {
		return fmt.Errorf("%w: at least one step is required", models.ErrValidation)
	}
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if strings.TrimSpace(n.Name) == "" {
			return fmt.Errorf("%w: step[%d]: name is required", models.ErrValidation, i)
		}
		if _, dup := index[n.Name]; dup {
			return fmt.Errorf("%w: duplicate step name %q", models.ErrValidation, n.Name)
		}
		index[n.Name] = i
	}
	for _, n := range nodes {
		seen := map[string]bool{}
		for _, dep := range n.Deps {
			if dep == n.Name {
				return fmt.Errorf("%w: step %q depends on itself", models.ErrValidation, n.Name)
			}
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", models.ErrValidation, n.Name, dep)
			}
			if seen[dep] {
				return fmt.Errorf("%w: step %q lists dependency %q twice", models.ErrValidation, n.Name, dep)
			}
			seen[dep] = true
		}
	}
	return validateAcyclic(nodes, index)
}

func validateAcyclic(nodes []Node, index map[string]int) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(nodes))
	var path []string
	var dfs func(i int) error
	dfs = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			start := 0
			for k, name := range path {
				if name == nodes[i].Name {
					start = k
					break
				}
			}
			cycle := append(append([]string{}, path[start:]...), nodes[i].Name)
			return fmt.Errorf("%w: dependency cycle %s", models.ErrValidation, strings.Join(cycle, " -> "))
		}
		state[i] = visiting
		path = append(path, nodes[i].Name)
		for _, dep := range nodes[i].Deps {
			if err := dfs(index[dep]); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[i] = done
		return nil
	}
	for i := range nodes {
		if state[i] == unvisited {
			if err := dfs(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stages groups nodes into execution layers: every node sits one layer after
// its deepest dependency. Within a layer, declaration order is kept.
// The graph must already be valid.
func Stages(nodes []Node) [][]string {
	depth := make(map[string]int, len(nodes))
	var level func(n Node) int
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	level = func(n Node) int {
		if d, ok := depth[n.Name]; ok {
			return d
		}
		d := 0
		for _, dep := range n.Deps {
			if l := level(byName[dep]) + 1; l > d {
				d = l
			}
		}
		depth[n.Name] = d
		return d
	}
	var stages [][]string
	for _, n := range nodes {
		d := level(n)
		for len(stages) <= d {
			stages = append(stages, nil)
		}
		stages[d] = append(stages[d], n.Name)
	}
	return stages
}

// Ancestors returns, for every node, the set of nodes it transitively depends on.
func Ancestors(nodes []Node) map[string]map[string]bool {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	out := make(map[string]map[string]bool, len(nodes))
	var walk func(name string) map[string]bool
	walk = func(name string) map[string]bool {
		if set, ok := out[name]; ok {
			return set
		}
		set := map[string]bool{}
		out[name] = set
		for _, dep := range byName[name].Deps {
			set[dep] = true
			for a := range walk(dep) {
				set[a] = true
			}
		}
		return set
	}
	for _, n := range nodes {
		walk(n.Name)
	}
	return out
}

// DependentCounts returns how many nodes transitively depend on each node.
func DependentCounts(nodes []Node) map[string]int {
	counts := make(map[string]int, len(nodes))
	for _, n := range nodes {
		counts[n.Name] += 0
	}
	for _, set := range Ancestors(nodes) {
		for a := range set {
			counts[a]++
		}
	}
	return counts
}

// Sinks returns the nodes nothing depends on, in declaration order.
func Sinks(nodes []Node) []string {
	hasDependents := map[string]bool{}
	for _, n := range nodes {
		for _, dep := range n.Deps {
			hasDependents[dep] = true
		}
	}
	var out []string
	for _, n := range nodes {
		if !hasDependents[n.Name] {
			out = append(out, n.Name)
		}
	}
	return out
}

// ValidateParallelGroups checks that groups name existing steps, do not
// overlap, and never require a step of an earlier group to wait for a step
// listed in a later group.
func ValidateParallelGroups(nodes []Node, groups [][]string) error {
	if len(groups) == 0 {
		return nil
	}
	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		known[n.Name] = true
	}
	groupOf := map[string]int{}
	for gi, g := range groups {
		if len(g) == 0 {
			return fmt.Errorf("%w: parallel group %d is empty", models.ErrValidation, gi)
		}
		for _, name := range g {
			if !known[name] {
				return fmt.Errorf("%w: parallel group %d names unknown step %q", models.ErrValidation, gi, name)
			}
			if prev, dup := groupOf[name]; dup {
				return fmt.Errorf("%w: step %q listed in parallel groups %d and %d", models.ErrValidation, name, prev, gi)
			}
			groupOf[name] = gi
		}
	}
	for name, deps := range Ancestors(nodes) {
		gi, grouped := groupOf[name]
		if !grouped {
			continue
		}
		for dep := range deps {
			if gj, ok := groupOf[dep]; ok && gj > gi {
				return fmt.Errorf("%w: step %q in parallel group %d depends on %q from later group %d",
					models.ErrValidation, name, gi, dep, gj)
			}
		}
	}
	return nil
}
