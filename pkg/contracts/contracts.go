// Package contracts defines the boundary between the platform core and
// its plugins: the plugin lifecycle interface, the capability table for
// inter-plugin calls, and the handle plugins use to reach core services.
//
// Plugins compile into the server binary and register a factory under
// their package name; the engine instantiates them in dependency order
// from their config.yaml descriptors.
package contracts

import (
	"context"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/discosat/satop-platform/pkg/models"
)

// Capability strings a plugin may declare in its descriptor.
const (
	CapabilityHTTPRoutes   = "http.add_routes"
	CapabilityAuthProvider = "security.authentication_provider"
)

// Method is one exported plugin method, callable from other plugins
// through the engine's registry. Arguments and results are erased; the
// caller and callee agree on shapes out of band.
type Method func(ctx context.Context, args ...any) (any, error)

// Core is the narrow view of the platform handed to plugins.
type Core interface {
	// Call invokes an exported method of another plugin.
	Call(ctx context.Context, plugin, method string, args ...any) (any, error)

	// Publish and Subscribe expose the platform event bus.
	Publish(topic string, msg any)
	Subscribe(topic string, cb func(msg any)) int

	// LogEvent appends an event to the system log.
	LogEvent(ctx context.Context, event models.Event) error

	// SendControl forwards a control payload to a connected
	// groundstation on behalf of a platform entity.
	SendControl(ctx context.Context, gsID uuid.UUID, payload map[string]any, user uuid.UUID) (map[string]any, error)
}

// Env is everything a plugin receives at instantiation.
type Env struct {
	// Name is the plugin name from its descriptor.
	Name string

	// Config is the descriptor's config mapping (the plugin-specific
	// subtree of config.yaml).
	Config map[string]any

	// DataDir is the plugin's private writable directory,
	// <data_root>/plugin_data/<name>. Created before instantiation.
	DataDir string

	// Core reaches the platform services.
	Core Core
}

// Plugin is the lifecycle interface every plugin implements.
type Plugin interface {
	// Name returns the plugin name (must match the descriptor).
	Name() string

	// Startup runs when the satop.startup target fires, in target-graph
	// order.
	Startup(ctx context.Context) error

	// Shutdown runs when the satop.shutdown target fires.
	Shutdown(ctx context.Context) error

	// Router returns the plugin's HTTP sub-router, or nil. Mounting
	// requires the http.add_routes capability.
	Router() chi.Router

	// Exports lists the methods offered to other plugins.
	Exports() map[string]Method
}

// Factory builds a plugin instance from its environment. Factories are
// registered under the plugin's package name.
type Factory func(env Env) (Plugin, error)

// TokenHooks are the authorization-core closures wired onto plugins
// with the security.authentication_provider capability. Identity is the
// provider-scoped credential subject (an email, a key id) resolved to a
// platform entity through the provider's registered identifiers.
type TokenHooks struct {
	CreateAuthToken    func(ctx context.Context, identity string) (string, error)
	CreateRefreshToken func(ctx context.Context, identity string) (string, error)
	ValidateToken      func(token string) (*models.TokenPayload, error)
}

// AuthenticationProvider is implemented by plugins declaring the
// authentication-provider capability; the engine injects the hooks
// during load, before any lifecycle target runs.
type AuthenticationProvider interface {
	Plugin
	SetTokenHooks(hooks TokenHooks)
}
