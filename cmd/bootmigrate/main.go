package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bootmigrate",
	Short: "bootmigrate — run pending database migrations before an app boots",
	Long: "bootmigrate loads an application's configured repositories, starts a\n" +
		"bounded connection pool for each, applies all pending migrations, and\n" +
		"tears the pools down again. Configure applications in config/app.json.",
}

func init() {
	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(statusCmd)
}
