package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shopsync/backend/internal/config"
	"shopsync/backend/internal/httpapi"
	"shopsync/backend/internal/reconcile"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "daemon",
	Short:   "Run the sync daemon and the local HTTP API",
	Long: `Run the sync loop, the realtime listener, the connectivity probe, the
optional bundle inbox watcher and the local HTTP API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if err := validateSecurityConfig(cfg); err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{probe: true, realtime: true})
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger.WithField("module", "syncd")

	go a.prober.Run(ctx)
	if err := a.orch.Start(ctx); err != nil {
		return err
	}

	var inbox *reconcile.InboxWatcher
	if cfg.InboxDir != "" {
		inbox = reconcile.NewInboxWatcher(cfg.InboxDir, a.reconciler, "inbox", a.logger)
		if err := inbox.Start(ctx); err != nil {
			log.Warnf("inbox watcher disabled: %v", err)
			inbox = nil
		} else {
			log.WithField("dir", cfg.InboxDir).Info("watching bundle inbox")
		}
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, a.service)
	api := httpapi.New(a.service, auth, a.orch, a.reconciler, cfg.AllowedOrigin, a.logger)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		// The status stream is long-lived; handlers bound their own writes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("syncd listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown error: %v", err)
	}
	if inbox != nil {
		if err := inbox.Stop(); err != nil {
			log.Warnf("stop inbox watcher: %v", err)
		}
	}
	if err := a.orch.Stop(); err != nil {
		log.Warnf("stop orchestrator: %v", err)
	}
	log.Info("syncd stopped")
	return runErr
}
