package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/auth"
	"github.com/discosat/satop-platform/internal/events"
	"github.com/discosat/satop-platform/pkg/contracts"
	"github.com/discosat/satop-platform/pkg/models"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]contracts.Factory)
)

// Register makes a plugin factory available under the package name its
// descriptor declares. Intended to be called from plugin package init
// functions; a duplicate registration panics, like database/sql driver
// registration.
func Register(pkg string, factory contracts.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("plugin: Register with nil factory")
	}
	if _, dup := registry[pkg]; dup {
		panic("plugin: Register called twice for " + pkg)
	}
	registry[pkg] = factory
}

func lookupFactory(pkg string) (contracts.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[pkg]
	return f, ok
}

// loadedPlugin pairs a live instance with its descriptor.
type loadedPlugin struct {
	descriptor *Descriptor
	instance   contracts.Plugin
}

// Engine owns the loaded plugin set, the inter-plugin method registry
// and the mounted plugin routers.
type Engine struct {
	auth     *auth.Authorization
	bus      *events.Bus
	dataRoot string

	mu      sync.RWMutex
	plugins map[string]*loadedPlugin
	order   []string
	methods map[string]map[string]contracts.Method
	routers map[string]chi.Router

	graph *targetGraph
}

// NewEngine returns an empty engine.
func NewEngine(a *auth.Authorization, bus *events.Bus, dataRoot string) *Engine {
	return &Engine{
		auth:     a,
		bus:      bus,
		dataRoot: dataRoot,
		plugins:  make(map[string]*loadedPlugin),
		methods:  make(map[string]map[string]contracts.Method),
		routers:  make(map[string]chi.Router),
	}
}

// Load instantiates descriptors in order and wires their capabilities.
// A plugin that fails to load is logged and dropped; the rest of the
// startup continues without it. Callers pass the already-resolved
// order from Resolve.
func (e *Engine) Load(ctx context.Context, core contracts.Core, ordered []*Descriptor) error {
	for _, d := range ordered {
		if err := e.loadOne(ctx, core, d); err != nil {
			log.Error().Err(err).Str("plugin", d.Name).Msg("plugin failed to load, dropping")
		}
	}
	return nil
}

func (e *Engine) loadOne(ctx context.Context, core contracts.Core, d *Descriptor) error {
	// Dropped dependencies poison their dependents.
	for _, dep := range d.Dependencies {
		if _, ok := e.plugin(dep); !ok {
			return fmt.Errorf("dependency %s did not load", dep)
		}
	}

	factory, ok := lookupFactory(d.Package)
	if !ok {
		return fmt.Errorf("no factory registered for package %s", d.Package)
	}

	for _, req := range d.Requirements {
		log.Info().Str("plugin", d.Name).Str("requirement", req).
			Msg("external requirement declared; installation is out of scope")
	}

	dataDir := filepath.Join(e.dataRoot, "plugin_data", d.Name)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create plugin data dir: %w", err)
	}

	instance, err := factory(contracts.Env{
		Name:    d.Name,
		Config:  d.Config,
		DataDir: dataDir,
		Core:    core,
	})
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	if instance.Name() != d.Name {
		return fmt.Errorf("instance name %q does not match descriptor name %q", instance.Name(), d.Name)
	}

	if router := instance.Router(); router != nil {
		if !d.hasCapability(contracts.CapabilityHTTPRoutes) {
			return fmt.Errorf("plugin exposes a router without the %s capability", contracts.CapabilityHTTPRoutes)
		}
		e.mu.Lock()
		e.routers[d.Name] = router
		e.mu.Unlock()
	}

	if d.hasCapability(contracts.CapabilityAuthProvider) {
		if err := e.wireAuthProvider(d, instance); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.plugins[d.Name] = &loadedPlugin{descriptor: d, instance: instance}
	e.order = append(e.order, d.Name)
	if exports := instance.Exports(); len(exports) > 0 {
		e.methods[d.Name] = exports
	}
	e.mu.Unlock()

	log.Info().Str("plugin", d.Name).Str("package", d.Package).Msg("plugin loaded")
	return nil
}

// wireAuthProvider registers the plugin's provider key with the auth
// core and hands the plugin token closures bound to that key.
func (e *Engine) wireAuthProvider(d *Descriptor, instance contracts.Plugin) error {
	provider, ok := instance.(contracts.AuthenticationProvider)
	if !ok {
		return fmt.Errorf("plugin declares %s but does not implement AuthenticationProvider",
			contracts.CapabilityAuthProvider)
	}
	if d.ProviderKey == "" {
		return fmt.Errorf("authentication provider plugin without a provider_key")
	}
	if err := e.auth.RegisterProvider(d.ProviderKey, d.IdentityHint); err != nil {
		return err
	}

	key := d.ProviderKey
	provider.SetTokenHooks(contracts.TokenHooks{
		CreateAuthToken: func(ctx context.Context, identity string) (string, error) {
			entityID, err := e.auth.LookupEntityID(ctx, key, identity)
			if err != nil {
				return "", err
			}
			return e.auth.Mint(entityID, models.TokenAccess, 0)
		},
		CreateRefreshToken: func(ctx context.Context, identity string) (string, error) {
			entityID, err := e.auth.LookupEntityID(ctx, key, identity)
			if err != nil {
				return "", err
			}
			return e.auth.Mint(entityID, models.TokenRefresh, 0)
		},
		ValidateToken: func(token string) (*models.TokenPayload, error) {
			return e.auth.Validate(token, models.TokenAccess)
		},
	})
	return nil
}

func (e *Engine) plugin(name string) (*loadedPlugin, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.plugins[name]
	return p, ok
}

// Plugins lists the loaded plugin names in load order.
func (e *Engine) Plugins() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, len(e.order))
	copy(names, e.order)
	return names
}

// Routers returns the mounted sub-router of each plugin that declared
// the http.add_routes capability, keyed by plugin name.
func (e *Engine) Routers() map[string]chi.Router {
	e.mu.RLock()
	defer e.mu.RUnlock()
	routers := make(map[string]chi.Router, len(e.routers))
	for name, r := range e.routers {
		routers[name] = r
	}
	return routers
}

// Call invokes an exported method of a loaded plugin.
func (e *Engine) Call(ctx context.Context, plugin, method string, args ...any) (any, error) {
	e.mu.RLock()
	fn, ok := e.methods[plugin][method]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no exported method %s.%s", plugin, method)
	}
	return fn(ctx, args...)
}
