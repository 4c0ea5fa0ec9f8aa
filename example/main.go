// Package main is an example of embedding bootmigrate ahead of an
// application's own startup.
//
// To run this example:
//
//	cd example
//	go run .
//
// It builds the configuration in code (no config/app.json needed),
// migrates a sqlite repository from priv/primary/migrations, and only
// then "starts" the app.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shashiranjanraj/bootmigrate/config"
	"github.com/shashiranjanraj/bootmigrate/pkg/boot"
	"github.com/shashiranjanraj/bootmigrate/pkg/logger"
)

func main() {
	reg := config.New()
	reg.AddApp(config.App{
		Name: "shop",
		Repos: []config.Repo{
			{Name: "Primary", Driver: "sqlite", DSN: "shop.db"},
		},
	})

	m := boot.New().
		Config(reg).
		Logger(logger.New(os.Stdout, true))

	out, err := m.Migrate(context.Background(), "shop")
	if err != nil {
		log.Fatal(err)
	}
	for _, w := range out.Warnings {
		fmt.Println("warning:", w)
	}
	if out.Migrated() {
		fmt.Println("applied migrations:", out.Applied)
	} else {
		fmt.Println("database already up to date")
	}

	// The real application starts here, opening its own long-lived pools.
}
