// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jeranaias/proxychat/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show and edit the configuration",
		Long: `Show and edit the configuration.

The config file is searched in ~/.proxychat as config.toml, config.json and
config.yaml, in that order. PROXYCHAT_* environment variables override it:
  ` + strings.Join(config.EnvVars(), "\n  "),
	}
	cmd.AddCommand(
		newConfigShowCmd(e),
		newConfigPathCmd(e),
		newConfigInitCmd(e),
		newConfigGetCmd(e),
		newConfigSetCmd(e),
		newConfigValidateCmd(e),
	)
	return cmd
}

func noConfig() map[string]string {
	return map[string]string{annotationNoConfig: "true"}
}

func newConfigShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			source := e.cfgFile
			if source == "" {
				source = "(defaults)"
			}
			fmt.Fprintf(out, "# source: %s\n", source)
			fmt.Fprint(out, e.cfg.String())
			return nil
		},
	}
}

func newConfigPathCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:         "path",
		Short:       "Print the config file path",
		Args:        exactArgs(0),
		Annotations: noConfig(),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := e.targetPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigInitCmd(e *env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a config file with every default",
		Args:        exactArgs(0),
		Annotations: noConfig(),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := e.targetPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &UsageError{Msg: fmt.Sprintf("%s already exists (use --force to overwrite)", path)}
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Save(config.Default(), path); err != nil {
				return commandErr("config", "init", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Wrote")+" "+path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigGetCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:               "get KEY",
		Short:             "Print one setting",
		Args:              exactArgs(1),
		ValidArgsFunction: completeKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := e.cfg.Get(args[0])
			if err != nil {
				return &UsageError{Msg: err.Error()}
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newConfigSetCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting in the config file",
		Long: `Change one setting in the config file. Keys:
  ` + strings.Join(config.Keys(), "\n  "),
		Example: `  proxychat config set client.proxy_url 127.0.0.1:3000
  proxychat config set overrides.top_k 8`,
		Args:              exactArgs(2),
		Annotations:       noConfig(),
		ValidArgsFunction: completeKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := e.targetPath()
			if err != nil {
				return err
			}
			cfg, err := config.ReadFile(path)
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], args[1]); err != nil {
				return &UsageError{Msg: err.Error()}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, path); err != nil {
				return commandErr("config", "set", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s\n", SuccessStyle.Render("Set"), args[0], args[1])
			return nil
		},
	}
}

func newConfigValidateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Check the config file and environment overrides",
		Args:        exactArgs(0),
		Annotations: noConfig(),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := e.load()
			if err != nil {
				return err
			}
			if path == "" {
				path = "defaults"
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("OK")+" "+path)
			return nil
		},
	}
}

func completeKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	var keys []string
	for _, k := range config.Keys() {
		if strings.HasPrefix(k, toComplete) {
			keys = append(keys, k)
		}
	}
	return keys, cobra.ShellCompDirectiveNoFileComp
}
