package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/node"
	"github.com/garden-co/cojson/internal/transport"
	"github.com/garden-co/cojson/internal/wire"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Ready is called with the bound address once the server accepts
	// connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a sync node",
		Long: `Run a sync node that accepts WebSocket clients on /sync and keeps a
connection to every configured upstream peer.

Values received from peers are persisted in the configured storage and
relayed to interested peers. The node stops on SIGINT or SIGTERM.

Example:
  cojson serve
  cojson serve -c node.yaml --listen :4200 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "invalid config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	level := cfg.LogLevel
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	codec, err := wire.CodecByName(cfg.Codec)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "invalid codec", err)
	}
	provider := crypto.NewDefault()
	secret, generated, err := loadAgentSecret(provider, cfg.AgentSecretFile)
	if err != nil {
		return out.Fail(ExitCommandError, CodeAgentSecret, "cannot load agent secret", err)
	}
	if generated {
		logger.Warn("no agentSecretFile configured, running as a new agent")
	}

	logger.Info("opening storage", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path)
	storage, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "cannot open storage", err)
	}
	defer func() {
		if closeErr := storage.Close(); closeErr != nil {
			logger.Error("error closing storage", "error", closeErr)
		}
	}()

	n, err := node.New(provider, secret,
		node.WithStorage(storage),
		node.WithLogger(logger),
		node.WithLoadRetries(cfg.LoadRetries, cfg.RetryDelay),
	)
	if err != nil {
		return out.Fail(ExitFailure, CodeAgentSecret, "cannot start node", err)
	}
	defer n.Close()

	srv := &syncServer{
		node: n,
		ws: transport.WebSocketConfig{
			Codec:        codec,
			PingInterval: cfg.PingInterval,
			PongWait:     cfg.PingTimeout,
			Logger:       logger,
		},
		metrics: cfg.Metrics,
		logger:  logger,
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "cannot listen", err)
	}
	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{Handler: srv.router(), ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	var dialers sync.WaitGroup
	for _, peer := range cfg.Peers {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			srv.dialPeer(ctx, peer)
		}()
	}

	addr := ln.Addr().String()
	logger.Info("node serving", "addr", addr, "agent", n.Agent(), "peers", len(cfg.Peers), "codec", codec.Name())
	out.VerboseLog("listening on %s", addr)
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		cancel()
		dialers.Wait()
		return WrapExitError(ExitFailure, "server error", err)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http shutdown", "error", err)
	}
	dialers.Wait()
	logger.Info("node stopped gracefully")
	return nil
}

