// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newSendCmd(e *env) *cobra.Command {
	var (
		threadRef string
		title     string
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "send [flags] MESSAGE...",
		Short: "Send one message and print the reply",
		Long: `Send one message and print the reply.

The message is appended to --thread, or to a new thread when no thread is
given. Use "-" as the message to read it from stdin.`,
		Example: `  proxychat send "What does the handbook say about PTO?"
  proxychat send --thread 3f2a "And for contractors?"
  echo "hello" | proxychat send -`,
		Args: minArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				text = string(data)
			}

			a, err := e.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var threadID string
			if threadRef != "" {
				info, err := a.resolveThread(threadRef)
				if err != nil {
					return err
				}
				threadID = info.ID
			} else {
				info, err := a.chat.NewThread(title)
				if err != nil {
					return err
				}
				threadID = info.ID
			}

			ctx, cancel := turnContext(cmd.Context())
			defer cancel()
			reply, err := a.chat.Send(ctx, threadID, text)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if quiet {
				fmt.Fprintln(out, reply.Content)
				return nil
			}
			printMessage(out, reply)
			fmt.Fprintln(out, DimStyle.Render("thread "+threadID))
			return nil
		},
	}
	cmd.Flags().StringVarP(&threadRef, "thread", "t", "", "append to this thread (id or unique id prefix)")
	cmd.Flags().StringVar(&title, "title", "", "title for the new thread")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the reply text")
	return cmd
}
