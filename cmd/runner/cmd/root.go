package cmd

import (
	"strings"

	"cirunner/internal/config"
	"cirunner/internal/worker"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is stamped at build time with -ldflags "-X cirunner/cmd/runner/cmd.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cirunner",
	Short: "cirunner executes CI jobs claimed from a CI server",
	Long: `cirunner is a CI runner. It registers with a CI server, polls for jobs and
runs them one at a time, streaming the job log back while it runs.

Common workflows:

  Register this machine as a runner:
    cirunner register --url https://ci.example.com --registration-token <token>

  Process jobs until interrupted:
    cirunner run

  Process a single job and exit:
    cirunner run --once

Configuration:
  The runner identity lives in a TOML file (default: $HOME/.cirunner/config.toml).
  Every setting can be overridden from the environment:
    CI_SERVER_URL       CI server URL
    RUNNER_TOKEN        runner authentication token
    RUNNER_EXECUTOR     shell or docker
    RUNNER_BUILDS_DIR   root of the per-job build directories

  Flags can also be set as RUNNER_<FLAG>, e.g. RUNNER_TRACE_HTTP=true.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	viper.SetEnvPrefix("RUNNER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlags(rootCmd.PersistentFlags())
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "runner config file (default is $HOME/.cirunner/config.toml)")
	rootCmd.PersistentFlags().Bool("trace-http", false, "dump every request and response to the trace file")
	rootCmd.PersistentFlags().String("trace-file", "http-trace.log", "file receiving HTTP dumps when --trace-http is set")
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.DefaultPath()
}

func runnerOptions() worker.RunnerOptions {
	return worker.RunnerOptions{
		Version:   version,
		TraceHTTP: viper.GetBool("trace-http"),
		TraceFile: viper.GetString("trace-file"),
	}
}
