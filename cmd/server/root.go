package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rl1809/pipe-storage/internal/config"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "pipe-storage",
		Short:         "Capacity-aware workflow engine for pipe-storage racks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())
	return cmd
}

func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func loadConfig() (*config.Configuration, *logrus.Entry, error) {
	conf, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log := logrus.NewEntry(conf.Logger()).WithField("env", conf.GoAppEnvironment)
	return conf, log, nil
}
