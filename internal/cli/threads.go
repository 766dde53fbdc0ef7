// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jeranaias/proxychat/internal/chat"
	"github.com/jeranaias/proxychat/internal/storage"
	"github.com/jeranaias/proxychat/internal/util"
	"github.com/spf13/cobra"
)

func newThreadsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "threads",
		Aliases: []string{"thread"},
		Short:   "Manage chat threads",
	}
	cmd.AddCommand(
		newThreadsListCmd(e),
		newThreadsCreateCmd(e),
		newThreadsShowCmd(e),
		newThreadsDeleteCmd(e),
		newThreadsExportCmd(e),
	)
	return cmd
}

// withApp opens the chat stack around fn.
func (e *env) withApp(fn func(a *app) error) error {
	a, err := e.openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newThreadsListCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List threads, most recently updated first",
		Args:    exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				threads, err := a.chat.Threads()
				if err != nil {
					return commandErr("threads", "list", err)
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(threads)
				}
				fmt.Fprint(out, storage.FormatThreadList(threads))
				if len(threads) == 0 {
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newThreadsCreateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "create [TITLE]",
		Short: "Create an empty thread and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			title := ""
			if len(args) > 0 {
				title = args[0]
			}
			if len(args) > 1 {
				return &UsageError{Msg: "create takes at most one title; quote it"}
			}
			return e.withApp(func(a *app) error {
				info, err := a.chat.NewThread(title)
				if err != nil {
					return commandErr("threads", "create", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), info.ID)
				return nil
			})
		},
	}
}

func newThreadsShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a thread and its messages",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				info, err := a.resolveThread(args[0])
				if err != nil {
					return err
				}
				history, err := a.chat.History(info.ID)
				if err != nil {
					return commandErr("threads", "show", err)
				}
				out := cmd.OutOrStdout()
				printThreadHeader(out, info)
				fmt.Fprintln(out, RenderSeparator(TerminalWidth()))
				printTranscript(out, history)
				return nil
			})
		},
	}
}

func newThreadsDeleteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a thread and its history",
		Args:    exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(func(a *app) error {
				info, err := a.resolveThread(args[0])
				if err != nil {
					return err
				}
				if err := a.chat.DeleteThread(info.ID); err != nil {
					return commandErr("threads", "delete", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted")+" "+info.ID)
				return nil
			})
		},
	}
}

func newThreadsExportCmd(e *env) *cobra.Command {
	var output, formatName string
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Export a thread and its history as JSON or Markdown",
		Long: `Export a thread and its history as JSON or Markdown.

Without --format the format follows the --output extension (.md is Markdown)
and defaults to JSON.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := chat.FormatForPath(output)
			if formatName != "" {
				f, err := chat.ParseFormat(formatName)
				if err != nil {
					return &UsageError{Msg: err.Error()}
				}
				format = f
			}
			return e.withApp(func(a *app) error {
				info, err := a.resolveThread(args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return a.chat.ExportAs(info.ID, format, cmd.OutOrStdout())
				}
				var buf bytes.Buffer
				if err := a.chat.ExportAs(info.ID, format, &buf); err != nil {
					return commandErr("threads", "export", err)
				}
				if err := util.AtomicWriteFile(output, buf.Bytes(), 0o600); err != nil {
					return commandErr("threads", "export", err)
				}
				fmt.Fprintln(cmd.ErrOrStderr(), SuccessStyle.Render("Exported to")+" "+output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVarP(&formatName, "format", "f", "", "json or markdown")
	return cmd
}
