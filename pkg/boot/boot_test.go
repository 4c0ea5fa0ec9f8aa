package boot_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"gorm.io/gorm"

	"github.com/shashiranjanraj/bootmigrate/config"
	"github.com/shashiranjanraj/bootmigrate/pkg/boot"
	"github.com/shashiranjanraj/bootmigrate/pkg/logger"
	"github.com/shashiranjanraj/bootmigrate/pkg/supervisor"
)

// ─── Fakes ────────────────────────────────────────────────────────────────────

// fakeRunner returns canned version lists keyed by migrations dir. A
// returned list is consumed, so a second run over the same dir applies
// nothing — mirroring a real facility whose pending set empties.
type fakeRunner struct {
	results map[string][]int64
	errs    map[string]error
	calls   []string
}

func (r *fakeRunner) Run(ctx context.Context, db *gorm.DB, dir string) ([]int64, error) {
	r.calls = append(r.calls, dir)
	if err, ok := r.errs[dir]; ok {
		return nil, err
	}
	versions := r.results[dir]
	delete(r.results, dir)
	return versions, nil
}

type fakePool struct {
	starts   int
	stops    int
	startErr error
}

func (p *fakePool) Start(ctx context.Context) error {
	p.starts++
	return p.startErr
}

func (p *fakePool) Stop(ctx context.Context) error {
	p.stops++
	return nil
}

func (p *fakePool) DB() *gorm.DB { return nil }

// ─── Helpers ──────────────────────────────────────────────────────────────────

func testRegistry(repos ...config.Repo) *config.Registry {
	reg := config.New()
	reg.AddApp(config.App{Name: "shop", ResourceDir: "res", Repos: repos})
	return reg
}

func repo(name string) config.Repo {
	return config.Repo{Name: name, Driver: "sqlite", DSN: name + ".db"}
}

func dirOf(reg *config.Registry, name string) string {
	for _, r := range reg.Repos("shop") {
		if r.Name == name {
			return r.MigrationsDir()
		}
	}
	return ""
}

type fixture struct {
	m      *boot.Migrator
	sup    *supervisor.Supervisor
	runner *fakeRunner
	pools  map[string][]*fakePool
}

func newFixture(reg *config.Registry, runner *fakeRunner) *fixture {
	f := &fixture{
		sup:    supervisor.New(),
		runner: runner,
		pools:  map[string][]*fakePool{},
	}
	f.m = boot.New().
		Config(reg).
		Supervisor(f.sup).
		Runner(runner).
		Logger(logger.Discard()).
		Pools(func(r config.Repo) supervisor.Service {
			p := &fakePool{}
			f.pools[r.Name] = append(f.pools[r.Name], p)
			return p
		})
	return f
}

func (f *fixture) totalStops() int {
	n := 0
	for _, ps := range f.pools {
		for _, p := range ps {
			n += p.stops
		}
	}
	return n
}

// ─── Tests ────────────────────────────────────────────────────────────────────

func TestZeroReposIsNoOp(t *testing.T) {
	f := newFixture(testRegistry(), &fakeRunner{})

	out, err := f.m.Migrate(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if out.Migrated() {
		t.Error("expected no-op outcome")
	}
	if len(f.pools) != 0 {
		t.Error("no pool must be created for zero repos")
	}
	if len(f.runner.calls) != 0 {
		t.Error("runner must not be invoked for zero repos")
	}
}

func TestUnknownAppReturnsNotLoaded(t *testing.T) {
	f := newFixture(testRegistry(), &fakeRunner{})

	_, err := f.m.Migrate(context.Background(), "nope")
	if !errors.Is(err, boot.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error should name the application: %v", err)
	}
	if f.sup.Running("crypto") {
		t.Error("dependencies must not start when the application fails to load")
	}
	if len(f.pools) != 0 || len(f.runner.calls) != 0 {
		t.Error("no later step may run when the application fails to load")
	}
}

func TestAppliedVersionsConcatenateInConfigOrder(t *testing.T) {
	reg := testRegistry(repo("A"), repo("B"))
	runner := &fakeRunner{results: map[string][]int64{
		dirOf(reg, "A"): {1, 2},
		dirOf(reg, "B"): {5},
	}}
	f := newFixture(reg, runner)

	out, err := f.m.Migrate(context.Background(), "shop")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if want := []int64{1, 2, 5}; !equal(out.Applied, want) {
		t.Errorf("Applied = %v, want %v", out.Applied, want)
	}
	if !out.Migrated() {
		t.Error("expected migrated outcome")
	}
	if len(out.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", out.Warnings)
	}

	// Both pools started once and stopped once, in-run.
	for _, name := range []string{"A", "B"} {
		ps := f.pools[name]
		if len(ps) != 1 || ps[0].starts != 1 || ps[0].stops != 1 {
			t.Errorf("pool %s lifecycle: %+v", name, ps)
		}
	}
}

func TestSecondRunIsNoOp(t *testing.T) {
	reg := testRegistry(repo("A"))
	runner := &fakeRunner{results: map[string][]int64{dirOf(reg, "A"): {1}}}
	f := newFixture(reg, runner)

	out, err := f.m.Migrate(context.Background(), "shop")
	if err != nil || !out.Migrated() {
		t.Fatalf("first run: out=%v err=%v", out, err)
	}

	out, err = f.m.Migrate(context.Background(), "shop")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if out.Migrated() {
		t.Errorf("second run applied %v, want no-op", out.Applied)
	}
}

func TestAlreadyStartedPoolIsNotTornDown(t *testing.T) {
	reg := testRegistry(repo("A"))
	runner := &fakeRunner{results: map[string][]int64{dirOf(reg, "A"): {1}}}
	f := newFixture(reg, runner)
	ctx := context.Background()

	// Someone else owns the pool already.
	owned, warns := f.m.StartRepositories(ctx, reg.Repos("shop"))
	if len(owned) != 1 || len(warns) != 0 {
		t.Fatalf("pre-start: handles=%d warnings=%v", len(owned), warns)
	}

	out, err := f.m.Migrate(ctx, "shop")
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !out.Migrated() {
		t.Error("expected migrated outcome through the foreign pool")
	}
	if f.totalStops() != 0 {
		t.Error("Migrate must not stop a pool it found already running")
	}

	// The original owner still can.
	if warns := f.m.StopRepositories(ctx, owned); len(warns) != 0 {
		t.Errorf("owner teardown warnings: %v", warns)
	}
	if f.totalStops() != 1 {
		t.Errorf("owner teardown stops = %d, want 1", f.totalStops())
	}
}

func TestMigrationFailureAbortsRemainingButCleansUp(t *testing.T) {
	reg := testRegistry(repo("A"), repo("B"), repo("C"))
	boom := errors.New("malformed migration file")
	runner := &fakeRunner{
		results: map[string][]int64{dirOf(reg, "A"): {1, 2}},
		errs:    map[string]error{dirOf(reg, "B"): boom},
	}
	f := newFixture(reg, runner)

	out, err := f.m.Migrate(context.Background(), "shop")
	if !errors.Is(err, boom) {
		t.Fatalf("expected the runner's error verbatim, got %v", err)
	}

	// A's migrations stay applied, C was never attempted.
	if want := []int64{1, 2}; !equal(out.Applied, want) {
		t.Errorf("Applied = %v, want %v", out.Applied, want)
	}
	for _, dir := range runner.calls {
		if dir == dirOf(reg, "C") {
			t.Error("repository after the failure must not be attempted")
		}
	}

	// Teardown still ran for every self-started pool.
	for _, name := range []string{"A", "B", "C"} {
		ps := f.pools[name]
		if len(ps) != 1 || ps[0].stops != 1 {
			t.Errorf("pool %s not cleaned up after failure: %+v", name, ps)
		}
	}
}

func TestPoolStartFailureSurfacesAtMigrationStep(t *testing.T) {
	reg := testRegistry(repo("A"))
	f := newFixture(reg, &fakeRunner{})
	f.m.Pools(func(r config.Repo) supervisor.Service {
		return &fakePool{startErr: errors.New("connection refused")}
	})

	out, err := f.m.Migrate(context.Background(), "shop")
	if err == nil {
		t.Fatal("expected error for repository with no running pool")
	}
	if !strings.Contains(err.Error(), "no pool running") {
		t.Errorf("unexpected error: %v", err)
	}

	found := false
	for _, w := range out.Warnings {
		if w.Step == boot.StepStartRepositories && w.Name == "A" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a start_repositories warning for A, got %v", out.Warnings)
	}
}

func TestDependencyFailureIsBestEffort(t *testing.T) {
	reg := testRegistry()
	f := newFixture(reg, &fakeRunner{})
	f.m.Dependencies(
		boot.Dependency{Name: "crypto", Service: supervisor.Func(
			func(ctx context.Context) error { return errors.New("entropy starved") }, nil)},
		boot.Dependency{Name: "orm", Service: supervisor.Func(nil, nil)},
	)

	out, err := f.m.Migrate(context.Background(), "shop")
	if err != nil {
		t.Fatalf("dependency failure must not abort the run: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Step != boot.StepStartDependencies {
		t.Errorf("warnings = %v, want one start_dependencies warning", out.Warnings)
	}
	if !f.sup.Running("orm") {
		t.Error("later dependencies must still start")
	}
}

func TestDefaultDependenciesStart(t *testing.T) {
	f := newFixture(testRegistry(), &fakeRunner{})

	if _, err := f.m.Migrate(context.Background(), "shop"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, name := range []string{"crypto", "tls", "driver", "orm"} {
		if !f.sup.Running(name) {
			t.Errorf("dependency %s not running after Migrate", name)
		}
	}
}

func TestMustMigrate(t *testing.T) {
	reg := testRegistry(repo("A"))
	runner := &fakeRunner{results: map[string][]int64{dirOf(reg, "A"): {1}}}
	f := newFixture(reg, runner)
	ctx := context.Background()

	if !f.m.MustMigrate(ctx, "shop") {
		t.Error("expected true after applying migrations")
	}
	if f.m.MustMigrate(ctx, "shop") {
		t.Error("expected false on the no-op second run")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for unknown application")
		}
	}()
	f.m.MustMigrate(ctx, "ghost")
}

func TestLoggingDoesNotChangeResult(t *testing.T) {
	scenario := func(l func(*boot.Migrator) *boot.Migrator) boot.Outcome {
		reg := testRegistry(repo("A"), repo("B"))
		runner := &fakeRunner{results: map[string][]int64{
			dirOf(reg, "A"): {1, 2},
			dirOf(reg, "B"): {5},
		}}
		f := newFixture(reg, runner)
		l(f.m)
		out, err := f.m.Migrate(context.Background(), "shop")
		if err != nil {
			t.Fatalf("Migrate: %v", err)
		}
		return out
	}

	var buf bytes.Buffer
	verbose := scenario(func(m *boot.Migrator) *boot.Migrator {
		return m.Logger(logger.New(&buf, true))
	})
	quiet := scenario(func(m *boot.Migrator) *boot.Migrator {
		return m.Logger(logger.Discard())
	})

	if !equal(verbose.Applied, quiet.Applied) {
		t.Errorf("logging changed the result: %v vs %v", verbose.Applied, quiet.Applied)
	}
	if buf.Len() == 0 {
		t.Error("verbose run produced no log output")
	}
}

func equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
