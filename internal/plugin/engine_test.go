package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/discosat/satop-platform/internal/auth"
	"github.com/discosat/satop-platform/internal/events"
	"github.com/discosat/satop-platform/internal/plugin"
	"github.com/discosat/satop-platform/internal/store"
	"github.com/discosat/satop-platform/pkg/contracts"
	"github.com/discosat/satop-platform/pkg/models"
)

// fakeCore is a minimal contracts.Core for plugin instantiation.
type fakeCore struct{ bus *events.Bus }

func (f *fakeCore) Call(ctx context.Context, p, m string, args ...any) (any, error) {
	return nil, nil
}
func (f *fakeCore) Publish(topic string, msg any)                 { f.bus.Publish(topic, msg) }
func (f *fakeCore) Subscribe(topic string, cb func(any)) int      { return f.bus.Subscribe(topic, cb) }
func (f *fakeCore) LogEvent(ctx context.Context, e models.Event) error { return nil }
func (f *fakeCore) SendControl(ctx context.Context, gsID uuid.UUID, payload map[string]any, user uuid.UUID) (map[string]any, error) {
	return nil, nil
}

// testPlugin is a configurable plugin instance.
type testPlugin struct {
	name    string
	log     *[]string
	router  chi.Router
	exports map[string]contracts.Method
	hooks   contracts.TokenHooks
}

func (p *testPlugin) Name() string { return p.name }
func (p *testPlugin) Startup(ctx context.Context) error {
	*p.log = append(*p.log, p.name+".startup")
	return nil
}
func (p *testPlugin) Shutdown(ctx context.Context) error {
	*p.log = append(*p.log, p.name+".shutdown")
	return nil
}
func (p *testPlugin) Router() chi.Router                    { return p.router }
func (p *testPlugin) Exports() map[string]contracts.Method  { return p.exports }
func (p *testPlugin) SetTokenHooks(h contracts.TokenHooks)  { p.hooks = h }

func descriptor(name, pkg string, deps ...string) *plugin.Descriptor {
	return &plugin.Descriptor{Name: name, Package: pkg, Dependencies: deps}
}

func TestResolveOrdersDependencies(t *testing.T) {
	descriptors := []*plugin.Descriptor{
		descriptor("c", "pkg/c", "b"),
		descriptor("a", "pkg/a"),
		descriptor("b", "pkg/b", "a"),
	}

	ordered, err := plugin.Resolve(descriptors)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	position := make(map[string]int)
	for i, d := range ordered {
		position[d.Name] = i
	}
	if !(position["a"] < position["b"] && position["b"] < position["c"]) {
		t.Errorf("order violates dependencies: %v", position)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	_, err := plugin.Resolve([]*plugin.Descriptor{descriptor("a", "pkg/a", "ghost")})
	if err == nil {
		t.Fatal("Resolve() accepted a missing dependency")
	}
}

func TestResolveCycle(t *testing.T) {
	_, err := plugin.Resolve([]*plugin.Descriptor{
		descriptor("a", "pkg/a", "b"),
		descriptor("b", "pkg/b", "a"),
	})
	if err == nil {
		t.Fatal("Resolve() accepted a dependency cycle")
	}
}

func TestDiscoverSkipsDisabled(t *testing.T) {
	dataRoot := t.TempDir()
	pluginsDir := filepath.Join(dataRoot, "plugins")

	for _, name := range []string{"alpha", "beta"} {
		dir := filepath.Join(pluginsDir, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		yaml := "plugin:\n  name: " + name + "\n  package: test/" + name + "\n"
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	// A directory without a descriptor is not a plugin.
	if err := os.MkdirAll(filepath.Join(pluginsDir, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}
	disabled := "# local experiments\nbeta\n"
	if err := os.WriteFile(filepath.Join(pluginsDir, "disabled.txt"), []byte(disabled), 0o644); err != nil {
		t.Fatal(err)
	}

	descriptors, err := plugin.Discover(dataRoot)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(descriptors) != 1 || descriptors[0].Name != "alpha" {
		t.Errorf("Discover() = %v, want only alpha", descriptors)
	}
	if descriptors[0].Package != "test/alpha" {
		t.Errorf("Package = %q", descriptors[0].Package)
	}
}

func newTestEngine(t *testing.T) (*plugin.Engine, *events.Bus, contracts.Core) {
	t.Helper()
	dataRoot := t.TempDir()
	s, err := store.Open(dataRoot)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	a, err := auth.New(dataRoot, s, auth.Options{})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	return plugin.NewEngine(a, bus, dataRoot), bus, &fakeCore{bus: bus}
}

func TestLoadAndCall(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/load-and-call", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{
			name: env.Name,
			log:  &lifecycle,
			exports: map[string]contracts.Method{
				"echo": func(ctx context.Context, args ...any) (any, error) {
					return args[0], nil
				},
			},
		}, nil
	})

	d := descriptor("echoer", "test/load-and-call")
	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{d}); err != nil {
		t.Fatal(err)
	}
	if got := engine.Plugins(); len(got) != 1 || got[0] != "echoer" {
		t.Fatalf("Plugins() = %v", got)
	}

	result, err := engine.Call(context.Background(), "echoer", "echo", "hello")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result != "hello" {
		t.Errorf("Call() = %v, want hello", result)
	}

	if _, err := engine.Call(context.Background(), "echoer", "missing"); err == nil {
		t.Error("Call() on a missing method should fail")
	}
	if _, err := engine.Call(context.Background(), "ghost", "echo"); err == nil {
		t.Error("Call() on a missing plugin should fail")
	}
}

func TestLoadDropsFailingPluginAndDependents(t *testing.T) {
	engine, _, core := newTestEngine(t)

	// "broken" has no registered factory; "child" depends on it.
	var lifecycle []string
	plugin.Register("test/dependent-child", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})

	descriptors := []*plugin.Descriptor{
		descriptor("broken", "test/unregistered-package"),
		descriptor("child", "test/dependent-child", "broken"),
	}
	if err := engine.Load(context.Background(), core, descriptors); err != nil {
		t.Fatal(err)
	}
	if got := engine.Plugins(); len(got) != 0 {
		t.Errorf("Plugins() = %v, want none loaded", got)
	}
}

func TestRouterRequiresCapability(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/router-no-cap", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle, router: chi.NewRouter()}, nil
	})
	plugin.Register("test/router-with-cap", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle, router: chi.NewRouter()}, nil
	})

	bare := descriptor("bare", "test/router-no-cap")
	capable := descriptor("capable", "test/router-with-cap")
	capable.Capabilities = []string{contracts.CapabilityHTTPRoutes}

	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{bare, capable}); err != nil {
		t.Fatal(err)
	}

	if got := engine.Plugins(); len(got) != 1 || got[0] != "capable" {
		t.Errorf("Plugins() = %v, want only the capability holder", got)
	}
	if _, ok := engine.Routers()["capable"]; !ok {
		t.Error("capable plugin's router was not mounted")
	}
}

func TestAuthProviderWiring(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	instance := &testPlugin{log: &lifecycle}
	plugin.Register("test/auth-provider", func(env contracts.Env) (contracts.Plugin, error) {
		instance.name = env.Name
		return instance, nil
	})

	d := descriptor("login", "test/auth-provider")
	d.Capabilities = []string{contracts.CapabilityAuthProvider}
	d.ProviderKey = "email_password"
	d.IdentityHint = "email"

	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{d}); err != nil {
		t.Fatal(err)
	}

	if instance.hooks.CreateAuthToken == nil || instance.hooks.ValidateToken == nil {
		t.Fatal("token hooks were not injected")
	}
	// Unregistered identities cannot mint.
	if _, err := instance.hooks.CreateAuthToken(context.Background(), "nobody@example.com"); err == nil {
		t.Error("CreateAuthToken for an unknown identity should fail")
	}
}

func TestPluginDataDirCreated(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var dataDir string
	var lifecycle []string
	plugin.Register("test/data-dir", func(env contracts.Env) (contracts.Plugin, error) {
		dataDir = env.DataDir
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})

	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{descriptor("dirs", "test/data-dir")}); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dataDir); err != nil || !info.IsDir() {
		t.Errorf("plugin data dir %q missing: %v", dataDir, err)
	}
	if filepath.Base(dataDir) != "dirs" {
		t.Errorf("data dir = %q, want a per-plugin directory", dataDir)
	}
}

func TestTargetGraphOrdering(t *testing.T) {
	engine, bus, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/targets-first", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})
	plugin.Register("test/targets-second", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})

	first := descriptor("first", "test/targets-first")
	second := descriptor("second", "test/targets-second")
	// second.startup must run after first.startup.
	second.Targets = map[string]plugin.TargetSpec{
		"startup": {After: []string{"first.startup"}},
	}

	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{first, second}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BuildTargets(); err != nil {
		t.Fatalf("BuildTargets() error = %v", err)
	}

	bus.Publish(plugin.TargetStartup, nil)

	var startups []string
	for _, entry := range lifecycle {
		if entry == "first.startup" || entry == "second.startup" {
			startups = append(startups, entry)
		}
	}
	if len(startups) != 2 || startups[0] != "first.startup" || startups[1] != "second.startup" {
		t.Errorf("startup order = %v", startups)
	}

	lifecycle = lifecycle[:0]
	bus.Publish(plugin.TargetShutdown, nil)
	if len(lifecycle) != 2 {
		t.Errorf("shutdown ran %v, want both plugins", lifecycle)
	}
}

func TestTargetGraphRejectsUnknownEndpoint(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/targets-unknown", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})

	d := descriptor("loner", "test/targets-unknown")
	d.Targets = map[string]plugin.TargetSpec{
		"startup": {After: []string{"ghost.startup"}},
	}
	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{d}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BuildTargets(); err == nil {
		t.Error("BuildTargets() accepted an edge to an unknown target")
	}
}

func TestTargetFunctionBinding(t *testing.T) {
	engine, bus, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/targets-function", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle, exports: map[string]contracts.Method{
			"run_calibration": func(ctx context.Context, args ...any) (any, error) {
				lifecycle = append(lifecycle, "calibrate.ran")
				return nil, nil
			},
		}}, nil
	})

	d := descriptor("cal", "test/targets-function")
	// The calibrate target runs a differently-named exported method.
	d.Targets = map[string]plugin.TargetSpec{
		"calibrate": {After: []string{"cal.startup"}, Function: "run_calibration"},
	}
	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{d}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BuildTargets(); err != nil {
		t.Fatalf("BuildTargets() error = %v", err)
	}

	bus.Publish(plugin.TargetStartup, nil)
	if len(lifecycle) != 2 || lifecycle[0] != "cal.startup" || lifecycle[1] != "calibrate.ran" {
		t.Errorf("lifecycle = %v, want startup then the bound method", lifecycle)
	}
}

func TestTargetGraphRejectsDetachedEntryNode(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/targets-detached", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle, exports: map[string]contracts.Method{
			"drain": func(ctx context.Context, args ...any) (any, error) { return nil, nil },
		}}, nil
	})

	// A target with only outgoing edges has no incoming path from its
	// root and would run unordered.
	d := descriptor("drainer", "test/targets-detached")
	d.Targets = map[string]plugin.TargetSpec{
		"drain": {Before: []string{plugin.TargetShutdown}},
	}
	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{d}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BuildTargets(); err == nil {
		t.Error("BuildTargets() accepted a second entry node beside the root")
	}
}

func TestTargetGraphRejectsEdgeIntoRoot(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/targets-into-root", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})

	d := descriptor("early", "test/targets-into-root")
	d.Targets = map[string]plugin.TargetSpec{
		"startup": {Before: []string{plugin.TargetStartup}},
	}
	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{d}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BuildTargets(); err == nil {
		t.Error("BuildTargets() accepted an edge into a lifecycle root")
	}
}

func TestTargetGraphRejectsCycle(t *testing.T) {
	engine, _, core := newTestEngine(t)

	var lifecycle []string
	plugin.Register("test/targets-cycle-a", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})
	plugin.Register("test/targets-cycle-b", func(env contracts.Env) (contracts.Plugin, error) {
		return &testPlugin{name: env.Name, log: &lifecycle}, nil
	})

	a := descriptor("cyca", "test/targets-cycle-a")
	a.Targets = map[string]plugin.TargetSpec{"startup": {After: []string{"cycb.startup"}}}
	b := descriptor("cycb", "test/targets-cycle-b")
	b.Targets = map[string]plugin.TargetSpec{"startup": {After: []string{"cyca.startup"}}}

	if err := engine.Load(context.Background(), core, []*plugin.Descriptor{a, b}); err != nil {
		t.Fatal(err)
	}
	if err := engine.BuildTargets(); err == nil {
		t.Error("BuildTargets() accepted a target cycle")
	}
}
