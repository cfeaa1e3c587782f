package scheduling

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/discosat/satop-platform/pkg/contracts"
	"github.com/discosat/satop-platform/pkg/models"
)

type recordingCore struct {
	events []models.Event
}

func (c *recordingCore) Call(ctx context.Context, plugin, method string, args ...any) (any, error) {
	return nil, nil
}
func (c *recordingCore) Publish(topic string, msg any)                {}
func (c *recordingCore) Subscribe(topic string, cb func(msg any)) int { return 0 }
func (c *recordingCore) LogEvent(ctx context.Context, e models.Event) error {
	c.events = append(c.events, e)
	return nil
}
func (c *recordingCore) SendControl(ctx context.Context, gsID uuid.UUID, payload map[string]any, user uuid.UUID) (map[string]any, error) {
	return nil, nil
}

func newScheduler(t *testing.T, core contracts.Core) *Scheduler {
	t.Helper()
	p, err := New(contracts.Env{
		Name:    "scheduling",
		Config:  map[string]any{"max_passes": 2},
		DataDir: t.TempDir(),
		Core:    core,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p.(*Scheduler)
}

func postPass(t *testing.T, srv *httptest.Server, pass Pass) *http.Response {
	t.Helper()
	body, _ := json.Marshal(pass)
	resp, err := http.Post(srv.URL+"/passes", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateAndListPasses(t *testing.T) {
	core := &recordingCore{}
	s := newScheduler(t, core)
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	now := time.Now().UTC().Truncate(time.Second)
	resp := postPass(t, srv, Pass{
		Satellite:     "DISCO-2",
		Groundstation: uuid.New(),
		Start:         now.Add(time.Hour),
		End:           now.Add(2 * time.Hour),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created Pass
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID == uuid.Nil {
		t.Error("created pass has no id")
	}
	if len(core.events) != 1 {
		t.Fatalf("logged events = %d, want 1", len(core.events))
	}

	list := httptest.NewRecorder()
	s.Router().ServeHTTP(list, httptest.NewRequest(http.MethodGet, "/passes", nil))
	var passes []Pass
	if err := json.Unmarshal(list.Body.Bytes(), &passes); err != nil {
		t.Fatal(err)
	}
	if len(passes) != 1 || passes[0].ID != created.ID {
		t.Errorf("list = %v", passes)
	}
}

func TestCreatePassValidation(t *testing.T) {
	s := newScheduler(t, &recordingCore{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	now := time.Now()
	for name, pass := range map[string]Pass{
		"missing satellite": {Start: now, End: now.Add(time.Hour)},
		"end before start":  {Satellite: "DISCO-2", Start: now.Add(time.Hour), End: now},
	} {
		if resp := postPass(t, srv, pass); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestScheduleCapacity(t *testing.T) {
	s := newScheduler(t, &recordingCore{})
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	now := time.Now()
	pass := Pass{Satellite: "DISCO-2", Start: now, End: now.Add(time.Hour)}
	for i := 0; i < 2; i++ {
		if resp := postPass(t, srv, pass); resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d status = %d", i, resp.StatusCode)
		}
	}
	if resp := postPass(t, srv, pass); resp.StatusCode != http.StatusConflict {
		t.Errorf("over-capacity status = %d, want 409", resp.StatusCode)
	}
}

func TestNextPassExport(t *testing.T) {
	s := newScheduler(t, &recordingCore{})
	now := time.Now()

	s.mu.Lock()
	past := Pass{ID: uuid.New(), Satellite: "DISCO-1", Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}
	upcoming := Pass{ID: uuid.New(), Satellite: "DISCO-2", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}
	s.passes[past.ID] = past
	s.passes[upcoming.ID] = upcoming
	s.mu.Unlock()

	next, err := s.Exports()["next_pass"](context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got := next.(Pass); got.ID != upcoming.ID {
		t.Errorf("next_pass = %v, want %v", got.ID, upcoming.ID)
	}
}

func TestSchedulePersistsAcrossRestart(t *testing.T) {
	core := &recordingCore{}
	dataDir := t.TempDir()
	env := contracts.Env{Name: "scheduling", DataDir: dataDir, Core: core}

	first, err := New(env)
	if err != nil {
		t.Fatal(err)
	}
	s := first.(*Scheduler)
	now := time.Now().UTC().Truncate(time.Second)
	pass := Pass{ID: uuid.New(), Satellite: "DISCO-2", Start: now.Add(time.Hour), End: now.Add(2 * time.Hour)}
	s.mu.Lock()
	s.passes[pass.ID] = pass
	s.mu.Unlock()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	second, err := New(env)
	if err != nil {
		t.Fatal(err)
	}
	restored := second.(*Scheduler)
	if err := restored.Startup(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := restored.list()
	if len(got) != 1 || got[0].ID != pass.ID || got[0].Satellite != "DISCO-2" {
		t.Errorf("restored schedule = %v", got)
	}
}
