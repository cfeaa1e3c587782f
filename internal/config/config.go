// Package config implements the layered configuration of the platform.
//
// Each named config is resolved key by key from three sources, first
// non-nil wins:
//
//  1. environment variable SATOP_<CONFIG>__<KEYPATH> (dots become "__")
//  2. user file <data_root>/config/<name>.{yaml,yml}
//  3. default file shipped beside the binary under default/config/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvDataRoot overrides the platform-specific data directory.
const EnvDataRoot = "SATOP_DATA_ROOT"

var (
	envSeparators = regexp.MustCompile(`[-.\s]`)
	envInvalid    = regexp.MustCompile(`[^A-Z0-9_]`)
)

// DataRoot returns the writable root directory for all persisted state
// (token secret, databases, artifact blobs, plugin data). SATOP_DATA_ROOT
// wins when set; otherwise an OS-specific per-user path is used. The
// directory is created when missing.
func DataRoot() (string, error) {
	if p := os.Getenv(EnvDataRoot); p != "" {
		if err := os.MkdirAll(p, 0o755); err != nil {
			return "", fmt.Errorf("create data root %s: %w", p, err)
		}
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	var p string
	switch runtime.GOOS {
	case "windows":
		p = filepath.Join(home, "AppData", "Roaming", "SatOP")
	case "darwin":
		p = filepath.Join(home, "Library", "Application Support", "SatOP")
	default:
		p = filepath.Join(home, ".local", "share", "SatOP")
	}

	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("create data root %s: %w", p, err)
	}
	return p, nil
}

// Config is one named, layered configuration (e.g. "server", or one per
// plugin). Values are read-mostly after Load; Reload replaces the file
// layers wholesale.
type Config struct {
	name          string
	defaultDir    string
	userDir       string
	defaultValues map[string]any
	userValues    map[string]any
}

// Load creates a Config named name. defaultDir is the directory holding
// the packaged default files; userDir the user override directory
// (normally <data_root>/config). Missing files are not an error.
func Load(name, defaultDir, userDir string) (*Config, error) {
	c := &Config{name: name, defaultDir: defaultDir, userDir: userDir}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads both file layers.
func (c *Config) Reload() error {
	var err error
	c.defaultValues, err = loadConfigFile(c.defaultDir, c.name)
	if err != nil {
		return err
	}
	c.userValues, err = loadConfigFile(c.userDir, c.name)
	if err != nil {
		return err
	}
	if c.defaultValues == nil && c.userValues == nil {
		log.Warn().Str("config", c.name).Msg("no config files found")
	}
	return nil
}

func loadConfigFile(dir, name string) (map[string]any, error) {
	if dir == "" {
		return nil, nil
	}
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, name+ext)
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		values := map[string]any{}
		if err := yaml.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("loaded config file")
		return values, nil
	}
	return nil, nil
}

// EnvName returns the environment variable consulted for key, e.g.
// ("server", "api.port") -> SATOP_SERVER__API__PORT.
func (c *Config) EnvName(key string) string {
	name := "SATOP_" + c.name + "__" + strings.Join(strings.Split(key, "."), "__")
	name = strings.ToUpper(name)
	name = envSeparators.ReplaceAllString(name, "_")
	return envInvalid.ReplaceAllString(name, "")
}

// Get resolves a dotted key through the three layers. Returns nil when
// the key is present in none of them.
func (c *Config) Get(key string) any {
	if v, ok := os.LookupEnv(c.EnvName(key)); ok {
		return v
	}
	path := strings.Split(key, ".")
	if v := traverse(c.userValues, path); v != nil {
		return v
	}
	return traverse(c.defaultValues, path)
}

func traverse(values map[string]any, path []string) any {
	if values == nil || len(path) == 0 {
		return nil
	}
	item, ok := values[path[0]]
	if !ok {
		return nil
	}
	if len(path) == 1 {
		return item
	}
	sub, ok := item.(map[string]any)
	if !ok {
		log.Error().Strs("key_path", path).Msg("config value is not a mapping")
		return nil
	}
	return traverse(sub, path[1:])
}

// GetString returns the key as a string, or fallback when unset.
func (c *Config) GetString(key, fallback string) string {
	v := c.Get(key)
	if v == nil {
		return fallback
	}
	return fmt.Sprintf("%v", v)
}

// GetInt returns the key as an int, or fallback when unset or not
// convertible.
func (c *Config) GetInt(key string, fallback int) int {
	switch v := c.Get(key).(type) {
	case nil:
		return fallback
	case int:
		return v
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// GetBool returns the key as a bool, or fallback when unset or not
// convertible.
func (c *Config) GetBool(key string, fallback bool) bool {
	switch v := c.Get(key).(type) {
	case nil:
		return fallback
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// MergeMaps recursively merges b over a. Nested maps merge key-wise,
// lists concatenate, nil values in b never erase values from a. Neither
// input is mutated.
func MergeMaps(a, b map[string]any) map[string]any {
	merged := make(map[string]any, len(a))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		existing, ok := merged[k]
		if !ok {
			merged[k] = v
			continue
		}
		switch bv := v.(type) {
		case map[string]any:
			if av, ok := existing.(map[string]any); ok {
				merged[k] = MergeMaps(av, bv)
				continue
			}
			merged[k] = bv
		case []any:
			if av, ok := existing.([]any); ok {
				merged[k] = append(append([]any{}, av...), bv...)
				continue
			}
			merged[k] = bv
		case nil:
			// keep existing
		default:
			merged[k] = bv
		}
	}
	return merged
}
