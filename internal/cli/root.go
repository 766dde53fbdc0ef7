// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	"github.com/jeranaias/proxychat/internal/config"
	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/spf13/cobra"
)

// Build information, set from main.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// annotationNoConfig marks commands that must run even when the config file
// is broken (config path, init, set, validate).
const annotationNoConfig = "proxychat/no-config"

// env is the state shared by every command of one invocation.
type env struct {
	configPath string
	verbose    bool

	cfg *config.Config
	// cfgFile is the file cfg was read from, "" when running on defaults.
	cfgFile string
	logger  *logging.Logger
}

// NewRootCmd builds the proxychat command tree.
func NewRootCmd() *cobra.Command {
	e := &env{logger: logging.NewNop()}

	root := &cobra.Command{
		Use:   "proxychat",
		Short: "Chat with a conversational backend, directly or through a recording proxy",
		Long: `proxychat keeps persistent chat threads, sends each turn to a chat
backend, and can run a forwarding proxy that records every exchange
and a mock backend for local testing.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			e.logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "config file (default ~/.proxychat/config.toml)")
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "enable debug logging")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &UsageError{Msg: err.Error()}
	})

	root.AddCommand(
		newChatCmd(e),
		newSendCmd(e),
		newThreadsCmd(e),
		newProxyCmd(e),
		newMockCmd(e),
		newServeCmd(e),
		newConfigCmd(e),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return run(context.Background(), NewRootCmd())
}

func run(ctx context.Context, root *cobra.Command) int {
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), renderError(err))
	}
	return ExitCode(err)
}

// =============================================================================
// SETUP
// =============================================================================

// setup loads the configuration and builds the logger. Commands annotated
// with annotationNoConfig get a logger built from the defaults and load the
// file themselves.
func (e *env) setup(cmd *cobra.Command) error {
	if cmd.Annotations[annotationNoConfig] != "" {
		return e.initLogger(config.Default().Logging)
	}

	cfg, path, err := e.load()
	if err != nil {
		return err
	}
	e.cfg, e.cfgFile = cfg, path
	if err := e.initLogger(cfg.Logging); err != nil {
		return err
	}
	e.logger.Debug("config.loaded", "path", path)
	return nil
}

// load reads --config when given, otherwise searches the config directory.
func (e *env) load() (*config.Config, string, error) {
	if e.configPath != "" {
		cfg, err := config.LoadFromPath(e.configPath)
		return cfg, e.configPath, err
	}
	return config.Load()
}

func (e *env) initLogger(lc config.LoggingConfig) error {
	level := lc.Level
	if e.verbose {
		level = "debug"
	}
	logger, err := logging.New(lc.Mode, level)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	e.logger = logger
	return nil
}

// targetPath is the file config subcommands operate on: --config, the file
// that was found, or the default TOML path.
func (e *env) targetPath() (string, error) {
	if e.configPath != "" {
		return e.configPath, nil
	}
	path, err := config.Find()
	if err != nil || path != "" {
		return path, err
	}
	return config.DefaultPath()
}
