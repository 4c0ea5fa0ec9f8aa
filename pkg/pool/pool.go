// Package pool opens a bounded database connection pool for a single
// configured repository. A Pool satisfies supervisor.Service, so the boot
// migrator starts one per repository under the supervisor and tears it
// down the same way.
package pool

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/shashiranjanraj/bootmigrate/config"
)

// Pool is a connection pool for one repository. Start opens it, Stop
// closes it; DB is only valid between the two.
type Pool struct {
	repo config.Repo
	db   *gorm.DB
}

// New creates an unopened Pool for repo.
func New(repo config.Repo) *Pool {
	return &Pool{repo: repo}
}

// Repo returns the repository configuration the pool was built from.
func (p *Pool) Repo() config.Repo { return p.repo }

// DB returns the open gorm handle, or nil before Start / after Stop.
func (p *Pool) DB() *gorm.DB { return p.db }

// Start opens the database, sizes the pool from the repository's
// pool-size hint, and verifies the connection with a ping.
func (p *Pool) Start(ctx context.Context) error {
	dialector, err := buildDialector(p.repo.Driver, p.repo.DSN)
	if err != nil {
		return fmt.Errorf("pool: %s: %w", p.repo.Name, err)
	}

	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent), // progress goes through pkg/logger, not GORM's own
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("pool: open %s: %w", p.repo.Name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("pool: get sql.DB for %s: %w", p.repo.Name, err)
	}

	size := p.repo.PoolSize
	if size <= 0 {
		size = config.DefaultPoolSize
	}
	sqlDB.SetMaxOpenConns(size)
	sqlDB.SetMaxIdleConns(size)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return fmt.Errorf("pool: ping %s: %w", p.repo.Name, err)
	}

	p.db = db
	return nil
}

// Stop closes the pool and waits for in-flight connections to release.
func (p *Pool) Stop(ctx context.Context) error {
	if p.db == nil {
		return nil
	}

	sqlDB, err := p.db.DB()
	p.db = nil
	if err != nil {
		return fmt.Errorf("pool: get sql.DB for %s: %w", p.repo.Name, err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("pool: close %s: %w", p.repo.Name, err)
	}
	return nil
}

func buildDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlserver":
		return sqlserver.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported driver %q (supported: sqlite, postgres, mysql, sqlserver)", driver)
	}
}
