// Package registry holds the static, priority-ordered list of node
// descriptors and the precomputed prune-jump table. A registry is built
// once at startup and never mutated afterwards.
package registry

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/node"
)

// Dependency names one declared dependency of a node. The list replaces
// runtime field scanning: it is fixed at registration time and resolved
// per dispatch into the node context.
type Dependency struct {
	Name string
	Decl di.Declaration
}

// NodeSpec describes one handler class. Specs are immutable after
// registration; the only per-dispatch mutation is the block flag on the
// running instance's context.
type NodeSpec struct {
	// Name uniquely identifies the node; it keys the state store and is
	// the jump_to target.
	Name string

	// Priority orders the chain: lower runs first, ties broken by
	// registration order.
	Priority int

	// Parent names the node this one nests under. Pruning the parent
	// skips to just past its last descendant. Empty means root.
	Parent string

	// Block stops propagation after this node handles the event.
	Block bool

	// Sandbox marks this node as expected to misbehave: panics from its
	// methods are still recovered and isolated like any other node's, but
	// they are logged at debug instead of error.
	Sandbox bool

	// EventTypes is the set of event type tags this node accepts.
	// Empty accepts every type.
	EventTypes []string

	// ConfigKey names the configuration section this node decodes via
	// Context.Config. Empty defaults to Name; setting it lets several
	// nodes share one section.
	ConfigKey string

	// Permission gates node eligibility; see gate.Gate. Nil is vacuous.
	Permission *gate.Gate

	// Rule is the descriptor-level rule gate, checked together with the
	// permission before the instance is built. Nil is vacuous.
	Rule *gate.Gate

	// Dependencies are resolved per dispatch and exposed through
	// Context.Dependency.
	Dependencies []Dependency

	// InitState produces the node's initial state value, invoked once on
	// the node's first dispatch.
	InitState func() any

	// New constructs the per-dispatch instance. Required.
	New func() node.Node
}

// MatchesType reports whether the spec accepts the given event type tag.
func (s *NodeSpec) MatchesType(eventType string) bool {
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, t := range s.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Registry is the built, ordered node chain plus its jump table.
type Registry struct {
	nodes []*NodeSpec
	jump  []int
	index map[string]int
}

// Build orders the registered specs and computes the prune-jump table.
//
// Ordering is a depth-first walk of the parent/child forest: roots by
// (priority, registration order), each node's children likewise, children
// laid out immediately after their parent. This keeps every subtree
// contiguous, which is what makes the jump table a single index.
//
// A spec naming an unknown parent is demoted to a root with a warning.
// A duplicate name logs a warning and the later registration wins.
func Build(specs []*NodeSpec, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}

	byName := make(map[string]*NodeSpec, len(specs))
	order := make(map[*NodeSpec]int, len(specs))
	superseded := make(map[*NodeSpec]bool)
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("registry: node at position %d has no name", i)
		}
		if s.New == nil {
			return nil, fmt.Errorf("registry: node %q has no constructor", s.Name)
		}
		if prev, dup := byName[s.Name]; dup {
			log.Warn("duplicate node name; later registration wins", "node", s.Name)
			superseded[prev] = true
		}
		byName[s.Name] = s
		order[s] = i
	}

	children := make(map[*NodeSpec][]*NodeSpec)
	var roots []*NodeSpec
	for _, s := range specs {
		if superseded[s] {
			continue
		}
		if s.Parent == "" {
			roots = append(roots, s)
			continue
		}
		parent, ok := byName[s.Parent]
		if !ok {
			log.Warn("parent node not found; treating node as root",
				"node", s.Name, "parent", s.Parent)
			roots = append(roots, s)
			continue
		}
		if parent == s {
			return nil, fmt.Errorf("registry: node %q is its own parent", s.Name)
		}
		children[parent] = append(children[parent], s)
	}

	byPriority := func(list []*NodeSpec) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return order[list[i]] < order[list[j]]
		})
	}
	byPriority(roots)
	for _, kids := range children {
		byPriority(kids)
	}

	r := &Registry{index: make(map[string]int, len(specs))}
	var walk func(s *NodeSpec) error
	visiting := make(map[*NodeSpec]bool)
	walk = func(s *NodeSpec) error {
		if visiting[s] {
			return fmt.Errorf("registry: parent cycle through node %q", s.Name)
		}
		visiting[s] = true
		r.index[s.Name] = len(r.nodes)
		r.nodes = append(r.nodes, s)
		for _, kid := range children[s] {
			if err := walk(kid); err != nil {
				return err
			}
		}
		return nil
	}
	for _, root := range roots {
		if err := walk(root); err != nil {
			return nil, err
		}
	}
	want := len(specs) - len(superseded)
	if len(r.nodes) != want {
		return nil, fmt.Errorf("registry: %d of %d nodes unreachable (parent cycle)",
			want-len(r.nodes), want)
	}

	r.jump = buildJumpTable(r.nodes, children)
	return r, nil
}

// buildJumpTable computes, for each index, the index one past the node's
// last transitive descendant, or -1 when pruning should just fall through
// to the next sequential index.
func buildJumpTable(nodes []*NodeSpec, children map[*NodeSpec][]*NodeSpec) []int {
	jump := make([]int, len(nodes))

	var subtreeSize func(s *NodeSpec) int
	subtreeSize = func(s *NodeSpec) int {
		size := 1
		for _, kid := range children[s] {
			size += subtreeSize(kid)
		}
		return size
	}

	for i, s := range nodes {
		end := i + subtreeSize(s)
		if end == i+1 || end >= len(nodes) {
			// No descendants, or the subtree runs to the end of the
			// chain: pruning falls through sequentially.
			jump[i] = -1
			continue
		}
		jump[i] = end
	}
	return jump
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int { return len(r.nodes) }

// At returns the spec and prune-jump target at index i. A target of -1
// means "no target": pruning falls through to i+1.
func (r *Registry) At(i int) (*NodeSpec, int) {
	return r.nodes[i], r.jump[i]
}

// IndexOf returns the chain index of a node name.
func (r *Registry) IndexOf(name string) (int, bool) {
	i, ok := r.index[name]
	return i, ok
}

// Names returns the node names in chain order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.nodes))
	for i, s := range r.nodes {
		names[i] = s.Name
	}
	return names
}
