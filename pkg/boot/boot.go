// Package boot runs database migrations before an application's own
// supervision of its services begins. It sequences five steps: load the
// application's configuration, ensure supporting runtime services are up,
// start a short-lived connection pool per configured repository, apply
// all pending migrations through the migration facility, and tear down
// the pools it started itself.
//
// # Minimal usage
//
//	func main() {
//	    m := boot.New()
//	    out, err := m.Migrate(context.Background(), "shop")
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if out.Migrated() {
//	        fmt.Println("applied:", out.Applied)
//	    }
//	    // start the real application here
//	}
//
// Every collaborator (config registry, supervisor, migration runner,
// logger, pool factory) can be injected through the builder methods, so
// tests substitute fakes for all of them.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gorm.io/gorm"

	"github.com/shashiranjanraj/bootmigrate/config"
	"github.com/shashiranjanraj/bootmigrate/pkg/logger"
	"github.com/shashiranjanraj/bootmigrate/pkg/migration"
	"github.com/shashiranjanraj/bootmigrate/pkg/pool"
	"github.com/shashiranjanraj/bootmigrate/pkg/supervisor"
)

// ErrNotLoaded is returned by Migrate when the application is unknown to
// the configuration registry. Nothing else is attempted in that case.
var ErrNotLoaded = errors.New("boot: application not loaded")

// Step names used in Warnings.
const (
	StepStartDependencies = "start_dependencies"
	StepStartRepositories = "start_repositories"
	StepStopRepositories  = "stop_repositories"
)

// Warning records a best-effort step that failed without aborting the
// run: a dependency or pool that would not start, or a pool that would
// not stop cleanly. Warnings ride on the Outcome instead of being
// discarded, so callers can surface misconfiguration that would
// otherwise show up only as "zero migrations applied".
type Warning struct {
	Step string
	Name string
	Err  error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %s: %v", w.Step, w.Name, w.Err)
}

// Outcome is the result of one Migrate run.
type Outcome struct {
	// Applied holds the newly applied migration versions, in the order
	// they ran: per-repository order as returned by the runner,
	// repositories concatenated in configuration order.
	Applied []int64

	// Warnings from best-effort steps. Non-empty Warnings with an empty
	// Applied usually means a repository never came up.
	Warnings []Warning
}

// Migrated reports whether the run applied anything.
func (o Outcome) Migrated() bool { return len(o.Applied) > 0 }

// DBProvider is implemented by pool services that expose their database
// handle; the migration step retrieves the handle for each repository
// through it.
type DBProvider interface {
	DB() *gorm.DB
}

// PoolFactory builds the supervisor service for one repository's
// connection pool.
type PoolFactory func(repo config.Repo) supervisor.Service

// ── Migrator ─────────────────────────────────────────────────────────────────

// Migrator orchestrates the boot migration sequence. Build one with New,
// override collaborators as needed, then call Migrate.
type Migrator struct {
	cfg     *config.Registry
	sup     *supervisor.Supervisor
	runner  migration.Runner
	log     *slog.Logger
	deps    []Dependency
	newPool PoolFactory
}

// New creates a Migrator with production defaults: the package-level
// config registry, a fresh supervisor, the directory-backed migration
// runner, a logger honoring the APP_DEBUG flag, and gorm connection
// pools.
func New() *Migrator {
	return &Migrator{
		cfg:     config.Default(),
		sup:     supervisor.New(),
		runner:  migration.NewRunner(),
		log:     logger.New(os.Stdout, config.Debug()),
		deps:    defaultDependencies(),
		newPool: func(repo config.Repo) supervisor.Service { return pool.New(repo) },
	}
}

// Config replaces the configuration registry.
func (m *Migrator) Config(reg *config.Registry) *Migrator {
	m.cfg = reg
	return m
}

// Supervisor replaces the process supervisor.
func (m *Migrator) Supervisor(sup *supervisor.Supervisor) *Migrator {
	m.sup = sup
	return m
}

// Runner replaces the migration-execution facility.
func (m *Migrator) Runner(r migration.Runner) *Migrator {
	m.runner = r
	return m
}

// Logger replaces the logger. Logging never changes the functional
// result; pass logger.Discard() for a silent run.
func (m *Migrator) Logger(l *slog.Logger) *Migrator {
	m.log = l
	return m
}

// Dependencies replaces the fixed list of supporting runtime services.
func (m *Migrator) Dependencies(deps ...Dependency) *Migrator {
	m.deps = deps
	return m
}

// Pools replaces the connection-pool factory.
func (m *Migrator) Pools(f PoolFactory) *Migrator {
	m.newPool = f
	return m
}

// ── Operations ───────────────────────────────────────────────────────────────

// Migrate runs the full sequence for the named application and returns
// what was applied. Pools started here are always torn down before
// Migrate returns, including when a migration fails mid-loop; the
// original error is returned afterward, alongside the partial Outcome.
func (m *Migrator) Migrate(ctx context.Context, appID string) (out Outcome, err error) {
	app, err := m.Load(appID)
	if err != nil {
		return out, err
	}

	m.log.Info("boot migration starting", "app", appID, "repos", len(app.Repos))

	out.Warnings = append(out.Warnings, m.StartDependencies(ctx)...)

	started, warns := m.StartRepositories(ctx, app.Repos)
	out.Warnings = append(out.Warnings, warns...)

	defer func() {
		// Teardown must run even when the caller's context is already
		// done (a migration error may be a deadline expiry).
		stopCtx := context.WithoutCancel(ctx)
		out.Warnings = append(out.Warnings, m.StopRepositories(stopCtx, started)...)

		if err == nil {
			if out.Migrated() {
				m.log.Info("boot migration finished", "app", appID, "applied", len(out.Applied))
			} else {
				m.log.Info("boot migration finished, nothing to apply", "app", appID)
			}
		}
	}()

	out.Applied, err = m.RunMigrations(ctx, app.Repos)
	if err != nil {
		m.log.Error("boot migration failed", "app", appID, "error", err)
		return out, err
	}

	return out, nil
}

// MustMigrate calls Migrate and panics on error. It returns true when
// anything was applied, false on a no-op run — so it cannot distinguish
// "nothing pending" from anything finer: callers that need the applied
// list or the warnings use Migrate.
func (m *Migrator) MustMigrate(ctx context.Context, appID string) bool {
	out, err := m.Migrate(ctx, appID)
	if err != nil {
		panic(fmt.Sprintf("bootmigrate: %v", err))
	}
	return out.Migrated()
}

// Load resolves the application in the configuration registry. An
// already-loaded application resolves the same way — the lookup is
// idempotent. An unknown application yields ErrNotLoaded.
func (m *Migrator) Load(appID string) (config.App, error) {
	app, ok := m.cfg.App(appID)
	if !ok {
		return config.App{}, fmt.Errorf("%w: %s", ErrNotLoaded, appID)
	}
	return app, nil
}

// StartDependencies ensures the supporting runtime services are running.
// Failures never abort the run; each becomes a Warning.
func (m *Migrator) StartDependencies(ctx context.Context) []Warning {
	var warns []Warning
	for _, d := range m.deps {
		_, fresh, err := m.sup.Start(ctx, d.Name, d.Service)
		switch {
		case err != nil:
			m.log.Warn("dependency failed to start", "service", d.Name, "error", err)
			warns = append(warns, Warning{Step: StepStartDependencies, Name: d.Name, Err: err})
		case fresh:
			m.log.Debug("dependency started", "service", d.Name)
		default:
			m.log.Debug("dependency already running", "service", d.Name)
		}
	}
	return warns
}

// StartRepositories starts a connection pool for each repository in
// configuration order. Only pools started fresh here are returned for
// teardown; a pool found already running belongs to whoever started it
// and is left alone. A pool that fails to start becomes a Warning and
// the loop continues — that repository surfaces its problem at the
// migration step instead.
func (m *Migrator) StartRepositories(ctx context.Context, repos []config.Repo) ([]*supervisor.Handle, []Warning) {
	var started []*supervisor.Handle
	var warns []Warning

	for _, repo := range repos {
		name := repoServiceName(repo)
		h, fresh, err := m.sup.Start(ctx, name, m.newPool(repo))
		switch {
		case err != nil:
			m.log.Warn("repository pool failed to start", "repo", repo.Name, "error", err)
			warns = append(warns, Warning{Step: StepStartRepositories, Name: repo.Name, Err: err})
		case fresh:
			m.log.Debug("repository pool started", "repo", repo.Name, "pool_size", repo.PoolSize)
			started = append(started, h)
		default:
			m.log.Debug("repository pool already running", "repo", repo.Name)
		}
	}

	return started, warns
}

// RunMigrations applies all pending migrations for each repository in
// configuration order and returns the applied versions, concatenated in
// that order. A runner failure aborts the remaining repositories and is
// returned verbatim, together with the versions applied before it.
func (m *Migrator) RunMigrations(ctx context.Context, repos []config.Repo) ([]int64, error) {
	var applied []int64

	for _, repo := range repos {
		db, err := m.repoDB(repo)
		if err != nil {
			return applied, err
		}

		dir := repo.MigrationsDir()
		m.log.Info("running migrations", "repo", repo.Name, "dir", dir)

		versions, err := m.runner.Run(ctx, db, dir)
		applied = append(applied, versions...)
		if err != nil {
			return applied, err
		}

		m.log.Debug("migrations applied", "repo", repo.Name, "count", len(versions))
	}

	return applied, nil
}

// StopRepositories stops the given pools, waiting for each shutdown to
// be acknowledged. Stop failures become Warnings.
func (m *Migrator) StopRepositories(ctx context.Context, started []*supervisor.Handle) []Warning {
	var warns []Warning
	for _, h := range started {
		if err := m.sup.Stop(ctx, h); err != nil {
			m.log.Warn("repository pool failed to stop", "service", h.Name(), "error", err)
			warns = append(warns, Warning{Step: StepStopRepositories, Name: h.Name(), Err: err})
			continue
		}
		m.log.Debug("repository pool stopped", "service", h.Name())
	}
	return warns
}

func (m *Migrator) repoDB(repo config.Repo) (*gorm.DB, error) {
	h, ok := m.sup.Lookup(repoServiceName(repo))
	if !ok {
		return nil, fmt.Errorf("boot: no pool running for repository %s", repo.Name)
	}

	if p, ok := h.Service().(DBProvider); ok {
		return p.DB(), nil
	}
	return nil, nil
}

func repoServiceName(repo config.Repo) string {
	return "repo:" + repo.Owner + "/" + config.Underscore(repo.Name)
}
