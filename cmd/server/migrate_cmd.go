package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/rl1809/pipe-storage/internal/adapter/storage"
	"github.com/rl1809/pipe-storage/internal/config"
)

func newMigrateCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending MySQL schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, log, err := loadConfig()
			if err != nil {
				return err
			}
			if conf.StoreDriver != config.DriverMySQL {
				return errors.New("migrate needs STORE_DRIVER=mysql")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			db, err := storage.OpenMySQL(ctx, conf.MySQLDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.Migrate(ctx, db.DB, log); err != nil {
				return err
			}
			log.Info("migrations applied")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall migration deadline")
	return cmd
}
