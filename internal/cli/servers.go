// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// servers.go - Long-running commands: proxy, mock and serve.

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/mockbackend"
	"github.com/jeranaias/proxychat/internal/proxy"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the graceful drain after a signal.
const shutdownTimeout = 5 * time.Second

// server is what the run helpers need from proxy.Server and
// mockbackend.Server.
type server interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// service is one server bound to its listen address.
type service struct {
	name string
	addr string
	srv  server
}

// =============================================================================
// COMMANDS
// =============================================================================

func newProxyCmd(e *env) *cobra.Command {
	var listen, upstream string
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the forwarding proxy",
		Long: `Run the forwarding proxy.

Every request is relayed to the upstream and recorded. GET /history returns
the recorded exchanges; POST /clear-history empties them. Point the chat
client at it with: proxychat config set client.proxy_url 127.0.0.1:3000`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			pcfg := proxyConfig(e.cfg)
			if listen != "" {
				pcfg.Addr = listen
			}
			if upstream != "" {
				pcfg.Upstream = upstream
			}
			p, err := proxy.NewServer(pcfg, e.logger)
			if err != nil {
				return err
			}
			return runServices(cmd.Context(), cmd.OutOrStdout(), e.logger,
				service{name: "proxy", addr: p.Addr(), srv: p})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config, 127.0.0.1:3000)")
	cmd.Flags().StringVarP(&upstream, "upstream", "u", "", "upstream base URL (default from config)")
	return cmd
}

func newMockCmd(e *env) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run the mock chat backend",
		Long: `Run the mock chat backend.

It answers POST /chat with a numbered echo of the last user message and a
session counter that advances when the client echoes session_state back.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := e.cfg.Mock.Listen
			if listen != "" {
				addr = listen
			}
			m := mockbackend.NewServer(addr, nil, e.logger)
			return runServices(cmd.Context(), cmd.OutOrStdout(), e.logger,
				service{name: "mock backend", addr: addr, srv: m})
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default from config, 127.0.0.1:8000)")
	return cmd
}

func newServeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the mock backend and the forwarding proxy together",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := mockbackend.NewServer(e.cfg.Mock.Listen, nil, e.logger)
			p, err := proxy.NewServer(proxyConfig(e.cfg), e.logger)
			if err != nil {
				return err
			}
			return runServices(cmd.Context(), cmd.OutOrStdout(), e.logger,
				service{name: "mock backend", addr: e.cfg.Mock.Listen, srv: m},
				service{name: "proxy", addr: p.Addr(), srv: p},
			)
		},
	}
}

// =============================================================================
// RUNNING
// =============================================================================

// runServices listens on every address, then serves until SIGINT/SIGTERM or
// until one server fails.
func runServices(ctx context.Context, out io.Writer, logger *logging.Logger, services ...service) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	listeners := make([]net.Listener, 0, len(services))
	for _, svc := range services {
		ln, err := net.Listen("tcp", svc.addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("%s: listen on %s: %w", svc.name, svc.addr, err)
		}
		listeners = append(listeners, ln)
	}
	return serveAll(ctx, out, logger, services, listeners)
}

// serveAll serves each service on its listener and shuts all of them down
// once ctx is done or any of them fails.
func serveAll(ctx context.Context, out io.Writer, logger *logging.Logger, services []service, listeners []net.Listener) error {
	logger = logging.OrNop(logger)
	g, gctx := errgroup.WithContext(ctx)

	for i, svc := range services {
		svc, ln := svc, listeners[i]
		fmt.Fprintf(out, "%s listening on %s\n", SuccessStyle.Render(svc.name), "http://"+ln.Addr().String())
		g.Go(func() error {
			if err := svc.srv.Serve(ln); err != nil {
				return fmt.Errorf("%s: %w", svc.name, err)
			}
			return nil
		})
	}
	fmt.Fprintln(out, DimStyle.Render("Press Ctrl+C to stop."))

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		for _, svc := range services {
			if err := svc.srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("%s shutdown: %w", svc.name, err))
			}
		}
		logger.Info("serve.stopped", "services", len(services))
		return errors.Join(errs...)
	})

	return g.Wait()
}
