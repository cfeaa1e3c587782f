package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/discosat/satop-platform/internal/config"
)

func writeYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLayeredLookup(t *testing.T) {
	defaultDir := t.TempDir()
	userDir := t.TempDir()

	writeYAML(t, defaultDir, "server.yaml", "api:\n  port: 7889\n  host: localhost\n")
	writeYAML(t, userDir, "server.yaml", "api:\n  port: 9000\n")

	cfg, err := config.Load("server", defaultDir, userDir)
	if err != nil {
		t.Fatal(err)
	}

	// User layer shadows the default.
	if got := cfg.GetInt("api.port", 0); got != 9000 {
		t.Errorf("api.port = %d, want 9000", got)
	}
	// Default layer fills the gaps.
	if got := cfg.GetString("api.host", ""); got != "localhost" {
		t.Errorf("api.host = %q, want localhost", got)
	}
	// Unset keys fall back.
	if got := cfg.GetInt("api.workers", 4); got != 4 {
		t.Errorf("api.workers fallback = %d, want 4", got)
	}
}

func TestEnvOverridesFiles(t *testing.T) {
	defaultDir := t.TempDir()
	writeYAML(t, defaultDir, "server.yaml", "api:\n  port: 7889\n")

	cfg, err := config.Load("server", defaultDir, "")
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("SATOP_SERVER__API__PORT", "1234")
	if got := cfg.GetInt("api.port", 0); got != 1234 {
		t.Errorf("api.port = %d, want env override 1234", got)
	}
}

func TestEnvName(t *testing.T) {
	cfg, err := config.Load("server", "", "")
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"api.port":       "SATOP_SERVER__API__PORT",
		"some-key.value": "SATOP_SERVER__SOME_KEY__VALUE",
	}
	for key, want := range cases {
		if got := cfg.EnvName(key); got != want {
			t.Errorf("EnvName(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestGetBool(t *testing.T) {
	userDir := t.TempDir()
	writeYAML(t, userDir, "server.yaml", "flags:\n  on: true\n  text: \"yes\"\n")

	cfg, err := config.Load("server", "", userDir)
	if err != nil {
		t.Fatal(err)
	}

	if !cfg.GetBool("flags.on", false) {
		t.Error("flags.on should be true")
	}
	if cfg.GetBool("flags.missing", false) {
		t.Error("missing flag should use fallback")
	}
}

func TestDataRootFromEnv(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "satop")
	t.Setenv(config.EnvDataRoot, dir)

	got, err := config.DataRoot()
	if err != nil {
		t.Fatal(err)
	}
	if got != dir {
		t.Errorf("DataRoot() = %q, want %q", got, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("data root was not created: %v", err)
	}
}

func TestMergeMaps(t *testing.T) {
	a := map[string]any{
		"keep":   "a",
		"nested": map[string]any{"x": 1},
		"list":   []any{"a"},
	}
	b := map[string]any{
		"nested": map[string]any{"y": 2},
		"list":   []any{"b"},
		"nilval": nil,
		"keep":   nil,
	}

	merged := config.MergeMaps(a, b)

	if merged["keep"] != "a" {
		t.Errorf("nil in b erased existing value: %v", merged["keep"])
	}
	nested := merged["nested"].(map[string]any)
	if nested["x"] != 1 || nested["y"] != 2 {
		t.Errorf("nested maps not merged key-wise: %v", nested)
	}
	list := merged["list"].([]any)
	if len(list) != 2 || list[0] != "a" || list[1] != "b" {
		t.Errorf("lists not concatenated: %v", list)
	}

	// Inputs untouched.
	if len(a["list"].([]any)) != 1 {
		t.Error("MergeMaps mutated its input")
	}
}
