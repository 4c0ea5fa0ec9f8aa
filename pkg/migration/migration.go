// Package migration executes pending schema migrations from a directory
// of versioned SQL files against a gorm database.
//
// A migrations directory holds files named
//
//	<version>_<description>.sql
//
// where version is a monotonically increasing integer (timestamps work
// well: 20240101000000_create_users.sql). Applied versions are tracked in
// a schema_migrations table; Run applies everything not yet tracked, in
// version order, and returns the versions it applied.
//
// The boot migrator talks to this package through the Runner interface so
// tests can substitute a fake facility.
package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Runner is the migration-execution facility seam. Run applies all
// pending migrations found under dir to db, upward, and returns the
// ordered list of versions it applied. Errors are returned verbatim —
// callers treat them as fatal.
type Runner interface {
	Run(ctx context.Context, db *gorm.DB, dir string) ([]int64, error)
}

// schemaMigration is the GORM model stored in the tracking table.
type schemaMigration struct {
	Version int64     `gorm:"primaryKey"`
	RunAt   time.Time `gorm:"autoCreateTime"`
}

func (schemaMigration) TableName() string { return "schema_migrations" }

// File is one parsed migration file.
type File struct {
	Version int64
	Name    string
	Path    string
}

// ------------------- Directory runner -------------------

// DirRunner is the default Runner: versioned SQL files on disk, tracking
// table in the target database, each migration applied in its own
// transaction.
type DirRunner struct{}

// NewRunner creates the default directory-backed Runner.
func NewRunner() *DirRunner {
	return &DirRunner{}
}

// Run implements Runner.
func (r *DirRunner) Run(ctx context.Context, db *gorm.DB, dir string) ([]int64, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	db = db.WithContext(ctx)

	if err := db.AutoMigrate(&schemaMigration{}); err != nil {
		return nil, fmt.Errorf("migration: ensure table: %w", err)
	}

	pending, err := pendingOf(db, files)
	if err != nil {
		return nil, err
	}

	var applied []int64
	for _, f := range pending {
		sql, err := os.ReadFile(f.Path)
		if err != nil {
			return applied, fmt.Errorf("migration: read %s: %w", f.Path, err)
		}

		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(string(sql)).Error; err != nil {
				return fmt.Errorf("migration: %d_%s up: %w", f.Version, f.Name, err)
			}
			if err := tx.Create(&schemaMigration{Version: f.Version}).Error; err != nil {
				return fmt.Errorf("migration: record %d: %w", f.Version, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}

		applied = append(applied, f.Version)
	}

	return applied, nil
}

// Pending returns the migration files under dir not yet applied to db,
// in version order.
func (r *DirRunner) Pending(ctx context.Context, db *gorm.DB, dir string) ([]File, error) {
	files, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&schemaMigration{}); err != nil {
		return nil, fmt.Errorf("migration: ensure table: %w", err)
	}

	return pendingOf(db, files)
}

func pendingOf(db *gorm.DB, files []File) ([]File, error) {
	var ran []schemaMigration
	if err := db.Find(&ran).Error; err != nil {
		return nil, fmt.Errorf("migration: fetch applied: %w", err)
	}

	ranSet := make(map[int64]bool, len(ran))
	for _, rec := range ran {
		ranSet[rec.Version] = true
	}

	var pending []File
	for _, f := range files {
		if !ranSet[f.Version] {
			pending = append(pending, f)
		}
	}
	return pending, nil
}

// ------------------- Directory loading -------------------

// LoadDir parses the migration files under dir, sorted by version.
// A missing directory yields an empty list — an application shipping no
// migrations for a repository is not an error. A present file with an
// unparseable name is: it means the directory holds something Run would
// silently skip.
func LoadDir(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("migration: read dir %s: %w", dir, err)
	}

	var files []File
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		f, err := parseName(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("migration: %s: %w", filepath.Join(dir, entry.Name()), err)
		}
		f.Path = filepath.Join(dir, entry.Name())
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Version < files[j].Version })

	for i := 1; i < len(files); i++ {
		if files[i].Version == files[i-1].Version {
			return nil, fmt.Errorf("migration: duplicate version %d in %s", files[i].Version, dir)
		}
	}

	return files, nil
}

func parseName(name string) (File, error) {
	base := strings.TrimSuffix(name, ".sql")

	idx := strings.IndexByte(base, '_')
	if idx <= 0 {
		return File{}, fmt.Errorf("file name must be <version>_<description>.sql")
	}

	version, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("bad version prefix %q: %w", base[:idx], err)
	}

	return File{Version: version, Name: base[idx+1:]}, nil
}
