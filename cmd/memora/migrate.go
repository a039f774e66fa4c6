package main

import (
	"github.com/spf13/cobra"

	"github.com/memora-ai/memora/config"
	"github.com/memora-ai/memora/internal/server"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var cfgPath string

	var migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return server.RunMigrations(dsn, migDir)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "migrations", "migrations directory")
	migrateCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")
	return migrateCmd
}
