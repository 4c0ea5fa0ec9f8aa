package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shashiranjanraj/bootmigrate/config"
	"github.com/shashiranjanraj/bootmigrate/pkg/boot"
	"github.com/shashiranjanraj/bootmigrate/pkg/migration"
	"github.com/shashiranjanraj/bootmigrate/pkg/pool"
)

// bootmigrate up <app>
var upCmd = &cobra.Command{
	Use:   "up <app>",
	Short: "Apply all pending migrations for an application's repositories",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}

		out, err := boot.New().Migrate(cmd.Context(), args[0])
		for _, w := range out.Warnings {
			fmt.Printf("  ⚠ %s\n", w)
		}
		if err != nil {
			return err
		}

		if !out.Migrated() {
			fmt.Println("Nothing to migrate.")
			return nil
		}
		for _, v := range out.Applied {
			fmt.Printf("  ✅ Migrated: %d\n", v)
		}
		return nil
	},
}

// bootmigrate status <app>
var statusCmd = &cobra.Command{
	Use:   "status <app>",
	Short: "Show pending migrations per repository without applying them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}

		app, ok := config.Default().App(args[0])
		if !ok {
			return fmt.Errorf("unknown application %q", args[0])
		}

		ctx := cmd.Context()
		runner := migration.NewRunner()

		for _, repo := range app.Repos {
			pending, err := repoPending(ctx, runner, repo)
			if err != nil {
				return err
			}

			fmt.Printf("%s (%d pending)\n", repo.Name, len(pending))
			for _, f := range pending {
				fmt.Printf("  %-20d %s\n", f.Version, f.Name)
			}
		}
		return nil
	},
}

// repoPending opens a short-lived pool just long enough to diff the
// repository's migrations directory against its tracking table.
func repoPending(ctx context.Context, runner *migration.DirRunner, repo config.Repo) ([]migration.File, error) {
	p := pool.New(repo)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	defer p.Stop(context.WithoutCancel(ctx))

	return runner.Pending(ctx, p.DB(), repo.MigrationsDir())
}
