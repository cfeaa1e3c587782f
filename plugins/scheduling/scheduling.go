// Package scheduling is a bundled plugin that keeps a simple pass
// schedule: upcoming contact windows between satellites and ground
// stations. It demonstrates the plugin surface end to end: descriptor
// discovery, HTTP routes, an exported method and core event logging.
package scheduling

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/plugin"
	"github.com/discosat/satop-platform/pkg/contracts"
	"github.com/discosat/satop-platform/pkg/models"
)

func init() {
	plugin.Register("github.com/discosat/satop-platform/plugins/scheduling", New)
}

// Pass is one scheduled contact window.
type Pass struct {
	ID            uuid.UUID `json:"id"`
	Satellite     string    `json:"satellite"`
	Groundstation uuid.UUID `json:"groundstation"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
}

// Scheduler is the plugin instance.
type Scheduler struct {
	name      string
	core      contracts.Core
	dataDir   string
	maxPasses int

	mu     sync.RWMutex
	passes map[uuid.UUID]Pass
}

// New is the registered plugin factory.
func New(env contracts.Env) (contracts.Plugin, error) {
	maxPasses := 200
	if v, ok := env.Config["max_passes"].(int); ok && v > 0 {
		maxPasses = v
	}
	return &Scheduler{
		name:      env.Name,
		core:      env.Core,
		dataDir:   env.DataDir,
		maxPasses: maxPasses,
		passes:    make(map[uuid.UUID]Pass),
	}, nil
}

func (s *Scheduler) Name() string { return s.name }

func (s *Scheduler) scheduleFile() string {
	return filepath.Join(s.dataDir, "schedule.json")
}

// Startup restores the persisted schedule.
func (s *Scheduler) Startup(ctx context.Context) error {
	raw, err := os.ReadFile(s.scheduleFile())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var passes []Pass
	if err := json.Unmarshal(raw, &passes); err != nil {
		return err
	}

	s.mu.Lock()
	for _, p := range passes {
		s.passes[p.ID] = p
	}
	s.mu.Unlock()
	log.Info().Int("passes", len(passes)).Msg("pass schedule restored")
	return nil
}

// Shutdown persists the schedule.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	raw, err := json.Marshal(s.list())
	if err != nil {
		return err
	}
	return os.WriteFile(s.scheduleFile(), raw, 0o644)
}

func (s *Scheduler) list() []Pass {
	s.mu.RLock()
	defer s.mu.RUnlock()
	passes := make([]Pass, 0, len(s.passes))
	for _, p := range s.passes {
		passes = append(passes, p)
	}
	sort.Slice(passes, func(i, j int) bool { return passes[i].Start.Before(passes[j].Start) })
	return passes
}

// Exports offers the next upcoming pass to other plugins.
func (s *Scheduler) Exports() map[string]contracts.Method {
	return map[string]contracts.Method{
		"next_pass": func(ctx context.Context, args ...any) (any, error) {
			now := time.Now()
			for _, p := range s.list() {
				if p.Start.After(now) {
					return p, nil
				}
			}
			return nil, nil
		},
	}
}

// Router mounts the schedule endpoints under /api/plugins/scheduling.
func (s *Scheduler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/passes", s.handleList)
	r.Post("/passes", s.handleCreate)
	return r
}

func (s *Scheduler) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.list())
}

func (s *Scheduler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var pass Pass
	if err := json.NewDecoder(r.Body).Decode(&pass); err != nil || pass.Satellite == "" || !pass.End.After(pass.Start) {
		http.Error(w, "invalid pass", http.StatusBadRequest)
		return
	}
	pass.ID = uuid.New()

	s.mu.Lock()
	if len(s.passes) >= s.maxPasses {
		s.mu.Unlock()
		http.Error(w, "schedule is full", http.StatusConflict)
		return
	}
	s.passes[pass.ID] = pass
	s.mu.Unlock()

	if err := s.core.LogEvent(r.Context(), models.Event{
		Descriptor: "scheduled pass " + pass.ID.String(),
		Relationships: []models.EventRelationship{
			{Predicate: "targets", Object: "gs:" + pass.Groundstation.String()},
			{Predicate: "concerns", Object: "sat:" + pass.Satellite},
		},
	}); err != nil {
		log.Warn().Err(err).Msg("could not log pass scheduling event")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pass)
}
