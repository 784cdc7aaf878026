package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/daedra/internal/config"
	"github.com/MegaGrindStone/daedra/mcp"
)

const (
	sseEndpoint     = "/sse"
	messageEndpoint = "/message"

	readHeaderTimeout = 10 * time.Second
)

func serveCommand(a *app) *cobra.Command {
	var (
		transport string
		host      string
		port      int
		noCache   bool
		cacheTTL  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: "Run the MCP server over stdio (one client, newline-delimited JSON-RPC) or over " +
			"Server-Sent Events (GET " + sseEndpoint + " opens a session, POST " + messageEndpoint +
			" delivers requests).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("transport") {
				a.cfg.Transport = transport
			}
			if flags.Changed("host") {
				a.cfg.Host = host
			}
			if flags.Changed("port") {
				a.cfg.Port = port
			}
			if flags.Changed("no-cache") {
				a.cfg.NoCache = noCache
			}
			if flags.Changed("cache-ttl") {
				a.cfg.CacheTTLSeconds = cacheTTL
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.serve(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&transport, "transport", "t", "stdio", "Transport to serve on: stdio or sse")
	flags.StringVar(&host, "host", "127.0.0.1", "Host to listen on with the sse transport")
	flags.IntVarP(&port, "port", "p", 3000, "Port to listen on with the sse transport")
	flags.BoolVar(&noCache, "no-cache", false, "Disable the result cache")
	flags.IntVar(&cacheTTL, "cache-ttl", 300, "Seconds a tool result is reused")

	return cmd
}

func (a *app) serve(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c, release, err := a.newCache(ctx, reg)
	if err != nil {
		return err
	}
	defer release()

	tools, err := a.newResearchServer(c)
	if err != nil {
		return err
	}

	options := []mcp.ServerOption{
		mcp.WithToolServer(tools),
		mcp.WithServerMaxConcurrentCalls(int64(a.cfg.MaxConcurrentCalls)),
		mcp.WithServerLogger(a.logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			a.logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", info.Name),
				slog.String("clientVersion", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			a.logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}

	a.logger.Info("starting server",
		slog.String("transport", a.cfg.Transport),
		slog.Bool("cache", !a.cfg.NoCache),
		slog.Duration("cacheTTL", a.cfg.CacheTTL()),
		slog.String("cacheStore", a.cfg.CacheStore))

	if a.cfg.Transport == config.TransportSSE {
		return a.serveSSE(ctx, reg, options)
	}
	return a.serveStdIO(ctx, options)
}

func (a *app) serveStdIO(ctx context.Context, options []mcp.ServerOption) error {
	transport := mcp.NewStdIO(os.Stdin, os.Stdout, mcp.WithStdIOLogger(a.logger))
	srv := mcp.NewServer(mcp.Info{Name: serverName, Version: version}, transport, options...)

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	select {
	case <-served:
		// Stdin closed.
		return nil
	case <-ctx.Done():
	}

	return a.shutdown(srv, nil)
}

func (a *app) serveSSE(ctx context.Context, gatherer prometheus.Gatherer, options []mcp.ServerOption) error {
	transport := mcp.NewSSEServer(messageEndpoint, mcp.WithSSEServerLogger(a.logger))
	srv := mcp.NewServer(mcp.Info{Name: serverName, Version: version}, transport, options...)

	mux := http.NewServeMux()
	mux.Handle(sseEndpoint, transport.HandleSSE())
	mux.Handle(messageEndpoint, transport.HandleMessage())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.Addr(), err)
	}

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	httpErrs := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrs <- err
		}
		close(httpErrs)
	}()
	go srv.Serve()

	a.logger.Info("listening", slog.String("addr", ln.Addr().String()),
		slog.String("sse", sseEndpoint), slog.String("message", messageEndpoint))

	select {
	case err := <-httpErrs:
		return errors.Join(fmt.Errorf("http server failed: %w", err), a.shutdown(srv, nil))
	case <-ctx.Done():
	}

	return a.shutdown(srv, httpSrv)
}

// shutdown stops the MCP server, then the HTTP listener when there is one, within the
// configured timeout.
func (a *app) shutdown(srv mcp.Server, httpSrv *http.Server) error {
	a.logger.Info("shutting down", slog.Duration("timeout", a.cfg.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown mcp server: %w", err))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown http server: %w", err))
		}
	}
	return errors.Join(errs...)
}
