package boot

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"database/sql"
	"fmt"
	"io"

	"github.com/shashiranjanraj/bootmigrate/pkg/supervisor"
)

// Dependency is one supporting runtime service the migrator ensures is
// running before touching any repository.
type Dependency struct {
	Name    string
	Service supervisor.Service
}

// defaultDependencies returns the fixed list of supporting services:
// cryptographic primitives, the secure-transport trust store, the
// database wire-protocol drivers, and the ORM core. In Go most of these
// are compiled into the binary, so "starting" them is a cheap usability
// check — but keeping them as supervised services gives embedders a
// seam to swap in heavier ones (a secrets loader, a cert reloader).
// Starting any of them twice is a no-op under the supervisor.
func defaultDependencies() []Dependency {
	return []Dependency{
		{Name: "crypto", Service: supervisor.Func(startCrypto, nil)},
		{Name: "tls", Service: supervisor.Func(startTLS, nil)},
		{Name: "driver", Service: supervisor.Func(startDriver, nil)},
		{Name: "orm", Service: supervisor.Func(nil, nil)},
	}
}

// startCrypto verifies the randomness source is usable; every driver's
// TLS handshake depends on it.
func startCrypto(ctx context.Context) error {
	var buf [16]byte
	if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
		return fmt.Errorf("randomness source unavailable: %w", err)
	}
	return nil
}

// startTLS loads the system certificate pool so encrypted database
// connections can verify server certificates.
func startTLS(ctx context.Context) error {
	if _, err := x509.SystemCertPool(); err != nil {
		return fmt.Errorf("system cert pool: %w", err)
	}
	return nil
}

// startDriver checks that at least one database/sql driver registered
// itself. The gorm dialectors pull their drivers in as imports, so an
// empty list means the binary was built without any of them.
func startDriver(ctx context.Context) error {
	if len(sql.Drivers()) == 0 {
		return fmt.Errorf("no database drivers registered")
	}
	return nil
}
