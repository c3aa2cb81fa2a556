package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"xdao.co/receipts/antientropy"
	"xdao.co/receipts/antientropy/grpcsync"
	"xdao.co/receipts/internal/config"
	"xdao.co/receipts/internal/log"
	"xdao.co/receipts/keys"
	"xdao.co/receipts/store/registry"
)

const metricsNamespace = "receipts"

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	var syncOnStart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync protocol and sync with peers periodically",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, syncOnStart)
		},
	}
	cmd.Flags().BoolVar(&syncOnStart, "sync-on-start", false, "sync with every peer before the first interval elapses")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger log.Logger, syncOnStart bool) error {
	if cfg.KeyFile != "" {
		ks := &keys.KeyStore{}
		seed, err := ks.LoadSeed("", "", "", cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("key_file: %w", err)
		}
		author, err := keys.AuthorFromSeed(seed)
		if err != nil {
			return fmt.Errorf("key_file: %w", err)
		}
		logger = logger.With("node", author.Short())
	}

	n, err := openNode(ctx, cfg, registry.UsageDaemon, logger)
	if err != nil {
		return err
	}
	defer n.close()

	metrics := antientropy.NopMetrics()
	if cfg.MetricsAddr != "" {
		metrics = antientropy.PrometheusMetrics(metricsNamespace)
	}
	engine := newEngine(n, cfg, logger, metrics)
	scope, err := cfg.Scope()
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	srv := grpc.NewServer(grpcsync.ServerOptions()...)
	grpcsync.RegisterSyncServer(srv, grpcsync.NewServer(engine, logger))

	errCh := make(chan error, 2)
	go func() {
		logger.Info("serving sync", "addr", lis.Addr().String())
		errCh <- srv.Serve(lis)
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var ps *peerSet
	if len(cfg.Peers) > 0 {
		if ps, err = dialPeers(cfg.Peers); err != nil {
			srv.Stop()
			return err
		}
		defer ps.Close()
	}

	syncOnce := func() {
		if ps == nil {
			return
		}
		reports, err := engine.SyncAll(ctx, ps.peers, scope)
		if err != nil && ctx.Err() == nil {
			logger.Error("sync pass failed", "err", err)
		}
		for _, r := range reports {
			if r.Deferred {
				logger.Info("peer deferred", "peer", r.Peer, "err", r.LastErr)
			}
		}
	}
	if syncOnStart {
		syncOnce()
	}

	ticker := time.NewTicker(cfg.Sync.Interval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-errCh:
			runErr = err
			break loop
		case <-ticker.C:
			syncOnce()
		}
	}

	logger.Info("shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	srv.GracefulStop()
	return runErr
}
