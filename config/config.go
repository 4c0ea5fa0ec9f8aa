// Package config holds the read-only configuration registry for the boot
// migrator: which repositories belong to which application, and the debug
// flag that gates progress logging.
//
// Configuration is merged from three layers, later layers winning:
// built-in defaults, config/app.json, .env. The merged result is exposed
// as an explicit *Registry so embedding applications (and tests) can
// construct their own instead of touching process-global state; the
// package-level helpers operate on a lazily loaded default Registry for
// convenience.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

const (
	defaultConfigPath  = "config/app.json"
	defaultEnvPath     = ".env"
	defaultResourceDir = "priv"
	defaultAppEnv      = "local"

	// DefaultPoolSize is the pool-size hint used for boot-time pools when
	// a repository does not set one. Migrations are sequential, so two
	// connections (one for the lock table, one for DDL) are enough.
	DefaultPoolSize = 2
)

// Repo describes one configured database repository of an application.
type Repo struct {
	// Name identifies the repository within its owning application,
	// e.g. "Primary" or "ReadReplica".
	Name string `json:"name"`

	// Owner is the owning application's name. Filled from the app key
	// during load when omitted.
	Owner string `json:"owner,omitempty"`

	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	PoolSize int    `json:"pool_size,omitempty"`

	// ResourceDir is the owning application's installed-resources
	// directory, copied from the App during load.
	ResourceDir string `json:"-"`
}

// MigrationsDir returns the conventional migrations directory for the
// repository: <resource dir>/<snake_cased repo name>/migrations.
func (r Repo) MigrationsDir() string {
	dir := r.ResourceDir
	if dir == "" {
		dir = defaultResourceDir
	}
	return filepath.Join(dir, Underscore(r.Name), "migrations")
}

// App is one application entry in the registry.
type App struct {
	Name        string `json:"-"`
	ResourceDir string `json:"resource_dir,omitempty"`
	Repos       []Repo `json:"repos"`
}

// Registry is the merged, read-only configuration.
type Registry struct {
	mu     sync.RWMutex
	apps   map[string]App
	values map[string]string
}

// New returns a Registry holding only built-in defaults.
func New() *Registry {
	return &Registry{
		apps:   map[string]App{},
		values: defaultValues(),
	}
}

func defaultValues() map[string]string {
	return map[string]string{
		"APP_ENV":   defaultAppEnv,
		"APP_DEBUG": "",
	}
}

// LoadFiles merges configPath (JSON) and envPath (.env) into the registry.
// A missing file is not an error; a malformed one is.
func (reg *Registry) LoadFiles(configPath, envPath string) error {
	values := defaultValues()
	apps := map[string]App{}

	if err := mergeJSONConfig(configPath, apps, values); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	if err := mergeDotEnv(envPath, values); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	}

	reg.mu.Lock()
	reg.apps = apps
	reg.values = values
	reg.mu.Unlock()

	return nil
}

// AddApp registers an application programmatically. Embedders that build
// their Registry in code use this instead of a config file.
func (reg *Registry) AddApp(app App) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.apps[app.Name] = normalizeApp(app.Name, app)
}

// App looks up an application by name.
func (reg *Registry) App(name string) (App, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	app, ok := reg.apps[name]
	return app, ok
}

// Repos returns the configured repositories for an application in
// configuration order, or nil when the application has none (or is
// unknown — callers that care use App).
func (reg *Registry) Repos(name string) []Repo {
	app, ok := reg.App(name)
	if !ok {
		return nil
	}
	return app.Repos
}

// Debug reports whether progress logging is enabled (APP_DEBUG truthy).
func (reg *Registry) Debug() bool {
	switch strings.ToLower(reg.Get("APP_DEBUG", "")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Get reads any flat config key with a fallback.
func (reg *Registry) Get(key, fallback string) string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if value := strings.TrimSpace(reg.values[strings.ToUpper(key)]); value != "" {
		return value
	}
	return fallback
}

// ── File merging ─────────────────────────────────────────────────────────────

// configFile is the on-disk shape of config/app.json. String-valued keys
// outside "apps" land in the flat value map, same as .env entries.
type configFile struct {
	Apps map[string]App `json:"apps"`
}

func mergeJSONConfig(path string, apps map[string]App, values map[string]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var parsed configFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}

	for name, app := range parsed.Apps {
		apps[name] = normalizeApp(name, app)
	}

	// Second pass for flat string keys (debug flag and the like).
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	for key, val := range raw {
		s, ok := val.(string)
		if !ok {
			continue
		}
		k := strings.ToUpper(strings.TrimSpace(key))
		if k == "" {
			continue
		}
		values[k] = strings.TrimSpace(s)
	}

	return nil
}

func normalizeApp(name string, app App) App {
	app.Name = name
	if app.ResourceDir == "" {
		app.ResourceDir = defaultResourceDir
	}
	for i := range app.Repos {
		if app.Repos[i].Owner == "" {
			app.Repos[i].Owner = name
		}
		if app.Repos[i].PoolSize <= 0 {
			app.Repos[i].PoolSize = DefaultPoolSize
		}
		app.Repos[i].ResourceDir = app.ResourceDir
	}
	return app
}

func mergeDotEnv(path string, out map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.IndexByte(line, '=')
		if idx <= 0 {
			continue
		}

		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		out[key] = value
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	return nil
}

// ── Name normalization ───────────────────────────────────────────────────────

// Underscore converts a repository name like "ReadReplica" or
// "Shop.Primary" to its directory form "read_replica" / "shop.primary"
// style: CamelCase humps become underscore-separated lowercase, path
// separators and dots become underscores.
func Underscore(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)

	prevLower := false
	for _, r := range name {
		switch {
		case r == '.' || r == '/' || r == '\\' || r == '-' || r == ' ':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}

	return b.String()
}

// ── Package-level default registry ───────────────────────────────────────────

var (
	loadOnce sync.Once
	loadErr  error
	std      = New()
)

// Load reads config/app.json and .env into the default Registry once.
func Load() error {
	loadOnce.Do(func() {
		loadErr = std.LoadFiles(defaultConfigPath, defaultEnvPath)
	})
	return loadErr
}

// Default returns the package-level Registry, loading it on first use.
func Default() *Registry {
	_ = Load()
	return std
}

// Repos returns the default Registry's repositories for an application.
func Repos(app string) []Repo { return Default().Repos(app) }

// Debug reports the default Registry's debug flag.
func Debug() bool { return Default().Debug() }

// Get reads a flat key from the default Registry.
func Get(key, fallback string) string { return Default().Get(key, fallback) }

// AppEnv returns the runtime environment name ("local", "production"...).
func AppEnv() string { return Get("APP_ENV", defaultAppEnv) }
