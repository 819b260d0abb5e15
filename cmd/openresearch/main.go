package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	appconfig "github.com/hec-ovi/open-research/config"
	"github.com/hec-ovi/open-research/internal/server"
	"github.com/hec-ovi/open-research/internal/store"
)

func main() {
	var root = &cobra.Command{Use: "openresearch"}

	var cfgPath string
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the research HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return server.Run(cfg)
		},
	}

	var migDir string
	var direction string
	var steps int
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				dsn, err = cfg.Storage.Postgres.DSN()
				if err != nil {
					return err
				}
			}
			return store.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	var cleanupAge time.Duration
	var cleanup = &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal sessions older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.New(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			removed, err := st.DeleteTerminalOlderThan(cmd.Context(), cleanupAge)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d session(s)\n", removed)
			return nil
		},
	}
	cleanup.Flags().DurationVar(&cleanupAge, "age", 30*24*time.Hour, "minimum age of sessions to delete")

	root.AddCommand(serve, migrate, cleanup)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
