package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/danmuck/deskctl/internal/config"
	"github.com/danmuck/deskctl/internal/shell"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	exitCode   int
}

// execute runs the CLI and returns the process exit status.
func execute(args []string) int {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "deskctl: %v\n", err)
		if a.exitCode == 0 {
			return 1
		}
	}
	return a.exitCode
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "deskctl [args...]",
		Short: "Desktop application shell",
		Long: `Run the application shell: start the worker, attach the trust token,
start contributions and open the first launch. A second invocation forwards
its arguments to the running shell.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          a.runShell,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.PathFromEnv(), "config file (.toml, .yaml)")

	run := &cobra.Command{
		Use:   "run [args...]",
		Short: "Run the application shell",
		Args:  cobra.ArbitraryArgs,
		RunE:  a.runShell,
	}
	worker := &cobra.Command{
		Use:   shell.WorkerCommand,
		Short: "Run the reference worker in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.exitCode = runWorker()
			return nil
		},
	}
	root.AddCommand(run, worker, a.configCmd())
	return root
}

func (a *app) runShell(cmd *cobra.Command, args []string) error {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	svc := shell.NewService(cfg, shell.WithLaunch(launchArgv(os.Args[0], args), cwd))
	code, err := svc.RunContext(cmd.Context())
	a.exitCode = code
	return err
}

// launchArgv is the program name followed by the positional arguments left
// after flag parsing. It seeds the first launch and is what a second
// instance forwards.
func launchArgv(program string, positional []string) []string {
	return append([]string{program}, positional...)
}

// loadConfig falls back to defaults when the default path is absent. An
// explicit --config must exist.
func (a *app) loadConfig(cmd *cobra.Command) (config.Shell, error) {
	if _, err := os.Stat(a.configPath); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		log.Debug().Str("path", a.configPath).Msg("deskctl config not found; using defaults")
		return config.Default(), nil
	}
	return config.Load(a.configPath)
}
