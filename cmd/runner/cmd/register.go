package cmd

import (
	"fmt"
	"strings"

	"cirunner/internal/config"
	"cirunner/internal/worker"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register this runner with a CI server and save its token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		regToken, _ := cmd.Flags().GetString("registration-token")
		if regToken == "" {
			return fmt.Errorf("--registration-token is required")
		}

		path := configPath()
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if url, _ := cmd.Flags().GetString("url"); url != "" {
			cfg.URL = strings.TrimRight(url, "/")
		}
		if executorKind, _ := cmd.Flags().GetString("executor"); executorKind != "" {
			cfg.Executor = executorKind
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		if cfg.URL == "" {
			return fmt.Errorf("--url is required (env: CI_SERVER_URL)")
		}

		description, _ := cmd.Flags().GetString("description")
		if description == "" {
			description = cfg.Name
		}
		tags, _ := cmd.Flags().GetStringSlice("tag-list")

		runner, err := worker.NewRunner(cfg, runnerOptions())
		if err != nil {
			return err
		}
		defer runner.Close()

		token, err := runner.Register(cmd.Context(), description, regToken, tags)
		if err != nil {
			return fmt.Errorf("register runner: %w", err)
		}

		cfg.Token = token
		if err := config.Save(path, cfg); err != nil {
			return err
		}
		cmd.Printf("Runner registered with %s\nConfig saved to %s\n", cfg.URL, path)
		return nil
	},
}

func init() {
	registerCmd.Flags().String("registration-token", "", "registration token issued by the CI server")
	registerCmd.Flags().String("url", "", "CI server URL")
	registerCmd.Flags().String("description", "", "runner description (default: runner name)")
	registerCmd.Flags().StringSlice("tag-list", nil, "comma separated job tags this runner accepts")
	registerCmd.Flags().String("executor", "", "shell or docker")
	rootCmd.AddCommand(registerCmd)
}
