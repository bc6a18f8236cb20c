package cmd

import (
	"fmt"

	"cirunner/internal/config"
	"cirunner/internal/worker"

	"github.com/spf13/cobra"
)

var unregisterCmd = &cobra.Command{
	Use:   "unregister",
	Short: "Revoke this runner's token and remove it from the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath()
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.RequireCredentials(); err != nil {
			return err
		}

		runner, err := worker.NewRunner(cfg, runnerOptions())
		if err != nil {
			return err
		}
		defer runner.Close()

		if err := runner.Unregister(cmd.Context()); err != nil {
			return fmt.Errorf("unregister runner: %w", err)
		}

		cfg.Token = ""
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		cmd.Println("Runner unregistered")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unregisterCmd)
}
