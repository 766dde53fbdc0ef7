// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat REPL.
//
// USABILITY: on a terminal the prompt has line editing and persistent input
// history (liner); piped input is read line by line.

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeranaias/proxychat/internal/chat"
	"github.com/jeranaias/proxychat/internal/config"
	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/model"
	"github.com/jeranaias/proxychat/internal/storage"
	"github.com/jeranaias/proxychat/internal/util"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND
// =============================================================================

func newChatCmd(e *env) *cobra.Command {
	var (
		threadRef string
		title     string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Without --thread a new thread is created on the first message. Type /help
inside the session for the list of commands.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			r := &repl{app: a, out: cmd.OutOrStdout(), logger: e.logger}
			if err := r.open(threadRef, title); err != nil {
				return err
			}

			ctx := cmd.Context()
			stop := r.watchConfig(ctx, e.cfgFile)
			defer stop()

			in := cmd.InOrStdin()
			var reader lineReader
			if interactive(in, cmd.OutOrStdout()) {
				reader = newLinerReader(historyFile())
			} else {
				reader = newScanReader(in)
			}
			defer reader.Close()

			return r.loop(ctx, reader)
		},
	}
	cmd.Flags().StringVarP(&threadRef, "thread", "t", "", "resume the thread with this id (or unique id prefix)")
	cmd.Flags().StringVar(&title, "title", "", "title for a new thread")
	return cmd
}

// =============================================================================
// INPUT
// =============================================================================

// lineReader yields one line of input per call and io.EOF at the end.
type lineReader interface {
	Prompt(prompt string) (string, error)
	Close() error
}

// linerReader provides line editing and history navigation.
type linerReader struct {
	state       *liner.State
	historyFile string
}

func newLinerReader(historyFile string) *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	r := &linerReader{state: state, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		_, _ = state.ReadHistory(f)
		f.Close()
	}
	return r
}

func (r *linerReader) Prompt(prompt string) (string, error) {
	line, err := r.state.Prompt(prompt)
	if err != nil {
		// Ctrl+C at the prompt ends the session like Ctrl+D.
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", io.EOF
		}
		return "", err
	}
	if strings.TrimSpace(line) != "" {
		r.state.AppendHistory(line)
	}
	return line, nil
}

// Close saves the input history and restores the terminal.
// SECURITY: the history file is written 0600; it holds everything typed.
func (r *linerReader) Close() error {
	if r.historyFile != "" {
		if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o700); err == nil {
			if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
				_, _ = r.state.WriteHistory(f)
				f.Close()
			}
		}
	}
	return r.state.Close()
}

// scanReader reads piped input. It prints no prompt.
type scanReader struct {
	sc *bufio.Scanner
}

func newScanReader(in io.Reader) *scanReader {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &scanReader{sc: sc}
}

func (r *scanReader) Prompt(string) (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.sc.Text(), nil
}

func (r *scanReader) Close() error { return nil }

func historyFile() string {
	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chat_history")
}

// =============================================================================
// SESSION
// =============================================================================

// repl is one interactive session. thread is nil until the first message
// when no thread was selected.
type repl struct {
	app    *app
	out    io.Writer
	logger *logging.Logger

	mu     sync.Mutex // guards app reconfiguration against sends
	thread *model.ThreadInfo
}

// open selects the starting thread.
func (r *repl) open(threadRef, title string) error {
	switch {
	case threadRef != "":
		info, err := r.app.resolveThread(threadRef)
		if err != nil {
			return err
		}
		r.thread = info
	case strings.TrimSpace(title) != "":
		info, err := r.app.chat.NewThread(title)
		if err != nil {
			return err
		}
		r.thread = info
	}
	return nil
}

// watchConfig reloads the gateway settings when the config file changes.
// The returned func stops the watcher and waits for it.
func (r *repl) watchConfig(parent context.Context, path string) func() {
	if path == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := config.Watch(ctx, path, func(cfg *config.Config, err error) {
			if err != nil {
				r.logger.Warn("config.reload_failed", "path", path, "error", err)
				return
			}
			r.mu.Lock()
			r.app.reconfigure(cfg)
			r.mu.Unlock()
			r.logger.Info("config.reloaded", "path", path)
		})
		if err != nil {
			r.logger.Warn("config.watch_failed", "path", path, "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *repl) loop(ctx context.Context, in lineReader) error {
	r.banner()
	for {
		line, err := in.Prompt(PromptStyle.Render("proxychat> "))
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				fmt.Fprintln(r.out, renderError(err))
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(ctx, line); err != nil {
			fmt.Fprintln(r.out, renderError(err))
		}
	}
}

func (r *repl) banner() {
	fmt.Fprintln(r.out, TitleStyle.Render("proxychat"))
	if r.thread != nil {
		fmt.Fprintln(r.out, DimStyle.Render(fmt.Sprintf("Thread: %s (%s)", r.thread.Title, r.thread.ID)))
	}
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands, /quit to exit."))
}

// turnContext cancels the in-flight request on Ctrl+C without ending the
// session.
func turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}

// send runs one turn, creating the thread first when none is selected.
func (r *repl) send(ctx context.Context, text string) error {
	if util.SanitizeInput(text) == "" {
		return errEmptyInput
	}
	if r.thread == nil {
		info, err := r.app.chat.NewThread("")
		if err != nil {
			return err
		}
		r.thread = info
	}

	tctx, cancel := turnContext(ctx)
	defer cancel()

	r.mu.Lock()
	reply, err := r.app.chat.Send(tctx, r.thread.ID, text)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	printMessage(r.out, reply)
	r.refreshThread()
	return nil
}

func (r *repl) retry(ctx context.Context) error {
	if r.thread == nil {
		return errNoThread
	}
	tctx, cancel := turnContext(ctx)
	defer cancel()

	r.mu.Lock()
	reply, err := r.app.chat.Retry(tctx, r.thread.ID)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	printMessage(r.out, reply)
	return nil
}

// refreshThread reloads the current thread's metadata to pick up the
// automatic title.
func (r *repl) refreshThread() {
	if info, err := r.app.chat.Thread(r.thread.ID); err == nil {
		r.thread = info
	}
}

var (
	errNoThread     = errors.New("no thread selected: send a message or use /new")
	errEmptyInput   = errors.New("message is empty after removing markup")
	errUnknownSlash = errors.New("unknown command (type /help)")
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

const replHelp = `Commands:
  /help                 show this help
  /threads              list threads
  /new [TITLE]          start a new thread
  /switch ID            switch to a thread (id or unique prefix)
  /history              show the current thread
  /retry                resend the last message after a failure
  /rename TITLE         rename the current thread
  /delete [ID]          delete a thread (default: the current one)
  /export [FILE]        export the current thread (JSON, or Markdown for .md)
  /quit                 leave the session`

// command runs a slash command and reports whether the session should end.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/help", "/?":
		fmt.Fprintln(r.out, replHelp)

	case "/quit", "/exit", "/q":
		return true, nil

	case "/threads":
		threads, err := r.app.chat.Threads()
		if err != nil {
			return false, err
		}
		fmt.Fprint(r.out, storage.FormatThreadList(threads))
		if len(threads) == 0 {
			fmt.Fprintln(r.out)
		}
		if r.thread != nil {
			fmt.Fprintln(r.out, DimStyle.Render("Current: "+r.thread.ID))
		}

	case "/new":
		info, err := r.app.chat.NewThread(arg)
		if err != nil {
			return false, err
		}
		r.thread = info
		fmt.Fprintln(r.out, SuccessStyle.Render("New thread")+" "+info.ID)

	case "/switch":
		info, err := r.app.resolveThread(arg)
		if err != nil {
			return false, err
		}
		r.thread = info
		fmt.Fprintln(r.out, SuccessStyle.Render("Switched to")+" "+info.Title)
		return false, r.history()

	case "/history":
		return false, r.history()

	case "/retry":
		return false, r.retry(ctx)

	case "/rename":
		if r.thread == nil {
			return false, errNoThread
		}
		if err := r.app.chat.Rename(r.thread.ID, arg); err != nil {
			return false, err
		}
		r.refreshThread()
		fmt.Fprintln(r.out, SuccessStyle.Render("Renamed to")+" "+r.thread.Title)

	case "/delete":
		return false, r.delete(arg)

	case "/export":
		return false, r.export(arg)

	default:
		return false, fmt.Errorf("%s: %w", name, errUnknownSlash)
	}
	return false, nil
}

func (r *repl) history() error {
	if r.thread == nil {
		return errNoThread
	}
	history, err := r.app.chat.History(r.thread.ID)
	if err != nil {
		return err
	}
	printTranscript(r.out, history)
	return nil
}

func (r *repl) delete(ref string) error {
	target := r.thread
	if ref != "" {
		info, err := r.app.resolveThread(ref)
		if err != nil {
			return err
		}
		target = info
	}
	if target == nil {
		return errNoThread
	}
	if err := r.app.chat.DeleteThread(target.ID); err != nil {
		return err
	}
	if r.thread != nil && r.thread.ID == target.ID {
		r.thread = nil
	}
	fmt.Fprintln(r.out, SuccessStyle.Render("Deleted")+" "+target.Title)
	return nil
}

func (r *repl) export(path string) error {
	if r.thread == nil {
		return errNoThread
	}
	if path == "" {
		return r.app.chat.Export(r.thread.ID, r.out)
	}
	var buf strings.Builder
	if err := r.app.chat.ExportAs(r.thread.ID, chat.FormatForPath(path), &buf); err != nil {
		return err
	}
	if err := util.AtomicWriteFile(path, []byte(buf.String()), 0o600); err != nil {
		return err
	}
	fmt.Fprintln(r.out, SuccessStyle.Render("Exported to")+" "+path)
	return nil
}
