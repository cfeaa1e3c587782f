package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/config"
)

// Roots of the default lifecycle ordering. The composition root
// publishes these topics on the event bus; plugin targets hang off
// them.
const (
	TargetStartup  = "satop.startup"
	TargetShutdown = "satop.shutdown"
)

// defaultTargets anchor every plugin's startup and shutdown after the
// platform roots. Declared targets are merged over these with the
// layered-config merge semantics, so a plugin can add edges without
// restating the defaults.
var defaultTargets = map[string]any{
	"startup":  map[string]any{"after": []any{TargetStartup}},
	"shutdown": map[string]any{"after": []any{TargetShutdown}},
}

// targetNode is one runnable node of the target graph.
type targetNode struct {
	name string // <plugin>.<target>
	fn   func(ctx context.Context) error
}

// targetGraph is the merged lifecycle ordering of all loaded plugins:
// per root, a precomputed topological sequence of plugin targets.
type targetGraph struct {
	sequences map[string][]targetNode // root topic -> ordered nodes
}

// mergedTargets returns the plugin's target specs with the defaults
// folded in.
func mergedTargets(d *Descriptor) (map[string]TargetSpec, error) {
	declared := make(map[string]any, len(d.Targets))
	for name, spec := range d.Targets {
		entry := map[string]any{}
		if len(spec.Before) > 0 {
			entry["before"] = toAnySlice(spec.Before)
		}
		if len(spec.After) > 0 {
			entry["after"] = toAnySlice(spec.After)
		}
		if spec.Function != "" {
			entry["function"] = spec.Function
		}
		declared[name] = entry
	}

	merged := config.MergeMaps(defaultTargets, declared)

	specs := make(map[string]TargetSpec, len(merged))
	for name, raw := range merged {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("plugin %s: target %s is not a mapping", d.Name, name)
		}
		function, _ := entry["function"].(string)
		specs[name] = TargetSpec{
			Before:   toStringSlice(entry["before"]),
			After:    toStringSlice(entry["after"]),
			Function: function,
		}
	}
	return specs, nil
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func toStringSlice(raw any) []string {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		out = append(out, fmt.Sprintf("%v", item))
	}
	return out
}

// BuildTargets assembles the lifecycle graph of every loaded plugin and
// subscribes each root's topological sequence to the root's topic on
// the event bus. Unknown edge endpoints, cycles, rootless components
// and multi-root components are fatal.
func (e *Engine) BuildTargets() error {
	nodes := make(map[string]targetNode)
	roots := map[string]bool{TargetStartup: true, TargetShutdown: true}
	edges := make(map[string][]string) // from -> to
	var names []string

	e.mu.RLock()
	order := append([]string(nil), e.order...)
	e.mu.RUnlock()

	for _, pluginName := range order {
		p, _ := e.plugin(pluginName)
		specs, err := mergedTargets(p.descriptor)
		if err != nil {
			return err
		}

		targetNames := make([]string, 0, len(specs))
		for target := range specs {
			targetNames = append(targetNames, target)
		}
		sort.Strings(targetNames)

		for _, target := range targetNames {
			node := pluginName + "." + target
			fn, err := e.targetFunc(p, target, specs[target].Function)
			if err != nil {
				return err
			}
			nodes[node] = targetNode{name: node, fn: fn}
			names = append(names, node)

			for _, after := range specs[target].After {
				edges[after] = append(edges[after], node)
			}
			for _, before := range specs[target].Before {
				edges[node] = append(edges[node], before)
			}
		}
	}

	known := func(name string) bool {
		_, ok := nodes[name]
		return ok || roots[name]
	}
	for from, tos := range edges {
		if !known(from) {
			return fmt.Errorf("target edge references unknown target %s", from)
		}
		for _, to := range tos {
			if !known(to) {
				return fmt.Errorf("target edge references unknown target %s", to)
			}
		}
	}

	indegree := make(map[string]int)
	for _, tos := range edges {
		for _, to := range tos {
			indegree[to]++
		}
	}

	components := weaklyConnected(nodes, roots, edges)

	sequences := make(map[string][]targetNode)
	for _, component := range components {
		// A component with no lifecycle nodes is just an unused root.
		if len(component) == 1 && roots[component[0]] {
			continue
		}

		var componentRoots, sources []string
		for _, name := range component {
			if roots[name] {
				componentRoots = append(componentRoots, name)
			}
			if indegree[name] == 0 {
				sources = append(sources, name)
			}
		}
		if len(componentRoots) == 0 {
			return fmt.Errorf("targets %s are not reachable from any root", strings.Join(component, ", "))
		}
		if len(componentRoots) > 1 {
			return fmt.Errorf("targets span multiple roots %s", strings.Join(componentRoots, ", "))
		}

		// Exactly one node may have no incoming edges, and it must be the
		// root itself: a stray in-degree-zero target would run unordered,
		// and a root with incoming edges no longer anchors its component.
		root := componentRoots[0]
		if len(sources) == 0 {
			return fmt.Errorf("targets under root %s form a cycle through the root", root)
		}
		if len(sources) != 1 || sources[0] != root {
			return fmt.Errorf("root %s must be the only entry node of its component, found %s", root, strings.Join(sources, ", "))
		}
		sequence, err := topoSequence(root, component, nodes, edges)
		if err != nil {
			return err
		}
		sequences[root] = sequence
	}

	graph := &targetGraph{sequences: sequences}
	for root, sequence := range sequences {
		root, sequence := root, sequence
		e.bus.Subscribe(root, func(msg any) {
			runSequence(root, sequence)
		})
		log.Debug().Str("root", root).Int("targets", len(sequence)).Msg("lifecycle sequence wired")
	}
	e.graph = graph
	return nil
}

// targetFunc maps a target to the plugin function it runs: startup and
// shutdown go to the lifecycle methods, any other name to the exported
// method named by the target's function field, defaulting to the target
// name itself.
func (e *Engine) targetFunc(p *loadedPlugin, target, function string) (func(ctx context.Context) error, error) {
	if function == "" {
		function = target
	}
	switch function {
	case "startup":
		return p.instance.Startup, nil
	case "shutdown":
		return p.instance.Shutdown, nil
	}
	method, ok := p.instance.Exports()[function]
	if !ok {
		return nil, fmt.Errorf("plugin %s declares target %s without exported method %s", p.descriptor.Name, target, function)
	}
	return func(ctx context.Context) error {
		_, err := method(ctx)
		return err
	}, nil
}

// weaklyConnected partitions the node set (roots included) into
// weakly-connected components, edges treated as undirected.
func weaklyConnected(nodes map[string]targetNode, roots map[string]bool, edges map[string][]string) [][]string {
	adjacent := make(map[string][]string)
	addBoth := func(a, b string) {
		adjacent[a] = append(adjacent[a], b)
		adjacent[b] = append(adjacent[b], a)
	}
	for from, tos := range edges {
		for _, to := range tos {
			addBoth(from, to)
		}
	}

	all := make([]string, 0, len(nodes)+len(roots))
	for name := range nodes {
		all = append(all, name)
	}
	for name := range roots {
		all = append(all, name)
	}
	sort.Strings(all)

	seen := make(map[string]bool)
	var components [][]string
	for _, start := range all {
		if seen[start] {
			continue
		}
		var component []string
		stack := []string{start}
		seen[start] = true
		for len(stack) > 0 {
			name := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, name)
			for _, next := range adjacent[name] {
				if !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Strings(component)
		components = append(components, component)
	}
	return components
}

// topoSequence orders the component's runnable nodes so every edge
// points forward. The root itself is not runnable and is excluded.
func topoSequence(root string, component []string, nodes map[string]targetNode, edges map[string][]string) ([]targetNode, error) {
	inComponent := make(map[string]bool, len(component))
	for _, name := range component {
		inComponent[name] = true
	}

	indegree := make(map[string]int, len(component))
	for _, name := range component {
		indegree[name] += 0
	}
	for from, tos := range edges {
		if !inComponent[from] {
			continue
		}
		for _, to := range tos {
			if inComponent[to] {
				indegree[to]++
			}
		}
	}

	var queue []string
	for _, name := range component {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var sequence []targetNode
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		if node, ok := nodes[name]; ok {
			sequence = append(sequence, node)
		}
		next := append([]string(nil), edges[name]...)
		sort.Strings(next)
		for _, to := range next {
			if !inComponent[to] {
				continue
			}
			if indegree[to]--; indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if visited != len(component) {
		return nil, fmt.Errorf("target cycle under root %s", root)
	}
	return sequence, nil
}

// runSequence executes one root's targets in order. A failing target is
// logged; later targets still run.
func runSequence(root string, sequence []targetNode) {
	ctx := context.Background()
	for _, node := range sequence {
		log.Debug().Str("root", root).Str("target", node.name).Msg("running lifecycle target")
		if err := node.fn(ctx); err != nil {
			log.Error().Err(err).Str("target", node.name).Msg("lifecycle target failed")
		}
	}
}
