// Package plugin is the engine that discovers, orders and loads the
// compiled-in platform plugins, wires their capabilities and drives
// their lifecycle targets off the event bus.
//
// Plugins are ordinary Go packages registered under the package name
// their descriptor declares; the descriptor (config.yaml in the plugin
// directory) carries dependencies, capabilities and target edges.
package plugin

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// TargetSpec orders one lifecycle target of a plugin relative to other
// targets in the graph. Function names the exported method the target
// runs; it defaults to the target name.
type TargetSpec struct {
	Before   []string `yaml:"before"`
	After    []string `yaml:"after"`
	Function string   `yaml:"function"`
}

// Descriptor is the parsed plugin config.yaml.
type Descriptor struct {
	Name         string                `yaml:"name"`
	Package      string                `yaml:"package"`
	Capabilities []string              `yaml:"capabilities"`
	Dependencies []string              `yaml:"dependencies"`
	ProviderKey  string                `yaml:"provider_key"`
	IdentityHint string                `yaml:"identity_hint"`
	Targets      map[string]TargetSpec `yaml:"targets"`

	// Requirements is the external package list of the original plugin
	// format. Installation is a collaborator concern; the engine only
	// logs them.
	Requirements []string `yaml:"requirements"`

	// Config is the plugin-private configuration subtree.
	Config map[string]any `yaml:"-"`

	// Dir is the directory the descriptor was read from.
	Dir string `yaml:"-"`
}

func (d *Descriptor) hasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

type descriptorFile struct {
	Plugin Descriptor     `yaml:"plugin"`
	Config map[string]any `yaml:"config"`
}

func readDescriptor(dir string) (*Descriptor, error) {
	path := filepath.Join(dir, "config.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin descriptor: %w", err)
	}

	var file descriptorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	d := file.Plugin
	d.Config = file.Config
	d.Dir = dir
	if d.Name == "" {
		d.Name = filepath.Base(dir)
	}
	if d.Package == "" {
		return nil, fmt.Errorf("plugin %s: descriptor missing package", d.Name)
	}
	return &d, nil
}

// readDisabled parses <dir>/disabled.txt: one plugin name per line,
// '#' starts a comment. A missing file disables nothing.
func readDisabled(dir string) (map[string]bool, error) {
	f, err := os.Open(filepath.Join(dir, "disabled.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read disabled list: %w", err)
	}
	defer f.Close()

	disabled := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line, _, _ := strings.Cut(scanner.Text(), "#")
		if line = strings.TrimSpace(line); line != "" {
			disabled[line] = true
		}
	}
	return disabled, scanner.Err()
}

// Discover scans each dir for subdirectories holding a config.yaml and
// returns their descriptors, minus the names listed in the data root's
// disabled.txt. Later dirs shadow earlier ones by plugin name.
func Discover(dataRoot string, dirs ...string) ([]*Descriptor, error) {
	userDir := filepath.Join(dataRoot, "plugins")
	disabled, err := readDisabled(userDir)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Descriptor)
	var order []string

	for _, dir := range append(dirs, userDir) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan plugin dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			sub := filepath.Join(dir, entry.Name())
			if _, err := os.Stat(filepath.Join(sub, "config.yaml")); err != nil {
				continue
			}
			d, err := readDescriptor(sub)
			if err != nil {
				log.Error().Err(err).Str("dir", sub).Msg("skipping unreadable plugin descriptor")
				continue
			}
			if disabled[d.Name] {
				log.Info().Str("plugin", d.Name).Msg("plugin disabled, skipping")
				continue
			}
			if _, seen := byName[d.Name]; !seen {
				order = append(order, d.Name)
			}
			byName[d.Name] = d
		}
	}

	descriptors := make([]*Descriptor, 0, len(order))
	for _, name := range order {
		descriptors = append(descriptors, byName[name])
	}
	return descriptors, nil
}

// Resolve orders descriptors so every plugin loads after its declared
// dependencies. A missing dependency or a cycle is fatal.
func Resolve(descriptors []*Descriptor) ([]*Descriptor, error) {
	byName := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		byName[d.Name] = d
	}

	indegree := make(map[string]int, len(descriptors))
	dependents := make(map[string][]string)
	for _, d := range descriptors {
		indegree[d.Name] += 0
		for _, dep := range d.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("plugin %s depends on unknown plugin %s", d.Name, dep)
			}
			indegree[d.Name]++
			dependents[dep] = append(dependents[dep], d.Name)
		}
	}

	// Kahn's algorithm, seeded in discovery order for stable output.
	var queue []string
	for _, d := range descriptors {
		if indegree[d.Name] == 0 {
			queue = append(queue, d.Name)
		}
	}

	ordered := make([]*Descriptor, 0, len(descriptors))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[name])
		for _, next := range dependents[name] {
			if indegree[next]--; indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(ordered) != len(descriptors) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return nil, fmt.Errorf("plugin dependency cycle involving %s", strings.Join(stuck, ", "))
	}
	return ordered, nil
}
