// Package server is the public composition root of the SatOP platform.
//
// It exists in pkg/ (not internal/) so downstream distributions can
// embed the platform and compose it with their own plugins:
//
//	srv, err := server.New(ctx)
//	srv.Run(ctx)
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api"
	"github.com/discosat/satop-platform/internal/api/handlers"
	"github.com/discosat/satop-platform/internal/auth"
	"github.com/discosat/satop-platform/internal/config"
	"github.com/discosat/satop-platform/internal/events"
	"github.com/discosat/satop-platform/internal/gs"
	"github.com/discosat/satop-platform/internal/plugin"
	"github.com/discosat/satop-platform/internal/retention"
	"github.com/discosat/satop-platform/internal/store"
	"github.com/discosat/satop-platform/internal/syslog"
	"github.com/discosat/satop-platform/internal/telemetry"
	"github.com/discosat/satop-platform/pkg/models"
)

// Server holds the initialized platform.
type Server struct {
	Handler   http.Handler
	Store     store.Store
	Auth      *auth.Authorization
	Syslog    *syslog.Syslog
	Connector *gs.Connector
	Engine    *plugin.Engine
	Bus       *events.Bus
	Config    *config.Config
	Port      int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// coreHandle is the contracts.Core implementation handed to plugins.
type coreHandle struct {
	engine    *plugin.Engine
	bus       *events.Bus
	syslog    *syslog.Syslog
	connector *gs.Connector
}

func (c *coreHandle) Call(ctx context.Context, pluginName, method string, args ...any) (any, error) {
	return c.engine.Call(ctx, pluginName, method, args...)
}

func (c *coreHandle) Publish(topic string, msg any) { c.bus.Publish(topic, msg) }

func (c *coreHandle) Subscribe(topic string, cb func(msg any)) int {
	return c.bus.Subscribe(topic, cb)
}

func (c *coreHandle) LogEvent(ctx context.Context, event models.Event) error {
	_, err := c.syslog.LogEvent(ctx, event)
	return err
}

func (c *coreHandle) SendControl(ctx context.Context, gsID uuid.UUID, payload map[string]any, user uuid.UUID) (map[string]any, error) {
	return c.connector.SendControl(ctx, gsID, payload, user)
}

// New initializes every platform component. Bootstrap failures (bad
// secret, broken database, plugin graph cycles) are returned rather
// than logged away; the caller decides the exit code.
func New(ctx context.Context) (*Server, error) {
	dataRoot, err := config.DataRoot()
	if err != nil {
		return nil, fmt.Errorf("resolve data root: %w", err)
	}
	log.Info().Str("data_root", dataRoot).Msg("data root resolved")

	defaultDir := defaultConfigDir()
	cfg, err := config.Load("server", defaultDir, filepath.Join(dataRoot, "config"))
	if err != nil {
		return nil, fmt.Errorf("load server config: %w", err)
	}

	shutdown, err := telemetry.Init(telemetry.Options{
		Enabled:      cfg.GetBool("telemetry.enabled", false),
		OTLPEndpoint: cfg.GetString("telemetry.otlp_endpoint", ""),
		Version:      api.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	bus := events.NewBus()

	dataStore, err := store.Open(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("open authorization store: %w", err)
	}

	authz, err := auth.New(dataRoot, dataStore, auth.Options{
		MatchAnyScope: cfg.GetBool("auth.scope_match_any", false),
	})
	if err != nil {
		return nil, fmt.Errorf("init authorization: %w", err)
	}

	sysLog, err := syslog.Open(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("open system log: %w", err)
	}

	connector := gs.NewConnector(authz)

	engine := plugin.NewEngine(authz, bus, dataRoot)
	core := &coreHandle{engine: engine, bus: bus, syslog: sysLog, connector: connector}

	descriptors, err := plugin.Discover(dataRoot, cfg.GetString("plugins.dir", "plugins"))
	if err != nil {
		return nil, fmt.Errorf("discover plugins: %w", err)
	}
	ordered, err := plugin.Resolve(descriptors)
	if err != nil {
		return nil, fmt.Errorf("resolve plugin dependencies: %w", err)
	}
	if err := engine.Load(ctx, core, ordered); err != nil {
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	if err := engine.BuildTargets(); err != nil {
		return nil, fmt.Errorf("build plugin lifecycle graph: %w", err)
	}
	log.Info().Strs("plugins", engine.Plugins()).Msg("plugin engine ready")

	h := handlers.New(authz, sysLog, connector)
	router := api.NewRouter(h, authz, engine)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Auth:         authz,
		Syslog:       sysLog,
		Connector:    connector,
		Engine:       engine,
		Bus:          bus,
		Config:       cfg,
		Port:         cfg.GetInt("api.port", 7889),
		ShutdownFunc: shutdown,
	}, nil
}

// defaultConfigDir locates the packaged default config directory next
// to the binary.
func defaultConfigDir() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("default", "config")
	}
	return filepath.Join(filepath.Dir(exe), "default", "config")
}

// Run publishes the startup lifecycle, serves HTTP until SIGINT or
// SIGTERM, then drains the server and publishes the shutdown lifecycle.
func (s *Server) Run(ctx context.Context) error {
	s.Bus.Publish(plugin.TargetStartup, nil)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	janitor := retention.NewJanitor(s.Syslog, time.Duration(s.Config.GetInt("log.sweep_interval_minutes", 60))*time.Minute)
	go janitor.Start(janitorCtx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.Port),
		Handler:      s.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", s.Port).Msg("platform listening")
	err := httpServer.ListenAndServe()

	s.Bus.Publish(plugin.TargetShutdown, nil)

	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases the persistent resources.
func (s *Server) Close() {
	if err := s.Syslog.Close(); err != nil {
		log.Warn().Err(err).Msg("closing system log")
	}
	if err := s.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("closing authorization store")
	}
}
