package main

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/mealplan-billing/internal/app"
	"github.com/PortNumber53/mealplan-billing/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema commands",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(db *sql.DB) error {
			return migrations.Up(db)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, func(db *sql.DB) error {
			v, dirty, err := migrations.Status(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
			return nil
		})
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Record a schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < -1 {
			return fmt.Errorf("invalid version number: %s", args[0])
		}
		return withDatabase(cmd, func(db *sql.DB) error {
			return migrations.ForceVersion(db, v)
		})
	},
}

var migrateFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Clear a dirty schema version so the failed migration can be retried",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDatabase(cmd, migrations.FixDirtyDatabase)
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateVersionCmd, migrateForceCmd, migrateFixCmd)
}

func withDatabase(cmd *cobra.Command, fn func(db *sql.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := app.OpenDatabase(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
