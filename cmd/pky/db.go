package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/pkgyard/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Session store management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBPurgeCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the session tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to pkgyard config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	version, err := db.CurrentVersion(gdb)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (schema version %d)\n", len(db.AllModels()), version)
	return nil
}

func newDBPurgeCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal sessions past retention",
		Long:  "Deletes finished sessions whose last activity is older than --older-than (defaults to sessions.retention).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBPurge(cmd, configPath, olderThan)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to pkgyard config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention override (e.g. 72h)")
	return cmd
}

func runDBPurge(cmd *cobra.Command, configPath string, olderThan time.Duration) error {
	out := cmd.OutOrStdout()

	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative")
	}
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	if olderThan == 0 {
		olderThan = cfg.Sessions.Retention
	}
	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	ids, err := db.PurgeTerminal(gdb, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Purged %d sessions\n", len(ids))
	return nil
}
