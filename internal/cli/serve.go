package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kpnc/server/internal/account"
	"github.com/kpnc/server/internal/config"
	"github.com/kpnc/server/internal/fcm"
	"github.com/kpnc/server/internal/httpapi"
	"github.com/kpnc/server/internal/identitycache"
	"github.com/kpnc/server/internal/imageboard"
	"github.com/kpnc/server/internal/imageboard/chan4"
	"github.com/kpnc/server/internal/imageboard/dvach"
	"github.com/kpnc/server/internal/invite"
	"github.com/kpnc/server/internal/logs"
	"github.com/kpnc/server/internal/obs"
	"github.com/kpnc/server/internal/reply"
	"github.com/kpnc/server/internal/store"
	"github.com/kpnc/server/internal/throttle"
	"github.com/kpnc/server/internal/watch"
	"github.com/kpnc/server/internal/watcher"
)

const (
	logFlushInterval     = 5 * time.Second
	inviteCleanupInterval = 30 * time.Minute
)

// newServeCommand runs the HTTP server, thread watcher, FCM
// dispatcher, invite cleanup and throttle-reset loops until a signal
// is received (SPEC_FULL.md CLI section), grounded on
// internal/cli/run.go's runEngine: config load, store open, signal
// handling, then a blocking run.
func newServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "serve",
		Short:         "Run the push-notification service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parentCtx context.Context, opts *RootOptions) error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("kpncd serve: %w", err)
	}
	logEnv := obs.Env(env.Environment)
	switch opts.LogFormat {
	case "text":
		logEnv = obs.EnvDev
	case "json":
		logEnv = obs.EnvProd
	}

	policy, err := config.LoadPolicy()
	if err != nil {
		return fmt.Errorf("kpncd serve: %w", err)
	}
	allowlist, err := config.LoadBoardAllowlist()
	if err != nil {
		return fmt.Errorf("kpncd serve: %w", err)
	}

	s, err := store.Open(parentCtx, env.DatabaseConnectionString)
	if err != nil {
		return fmt.Errorf("kpncd serve: %w", err)
	}

	logStore := logs.New(s.DB())
	dbHandler := obs.NewDBHandler(logStore)
	logger := obs.NewLoggerWithSink(logEnv, dbHandler).With("component", "kpncd")

	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("error closing database", "error", err)
		}
	}()

	identity := identitycache.New()
	if err := identity.WarmUp(parentCtx, s.DB()); err != nil {
		return fmt.Errorf("kpncd serve: warm up identity cache: %w", err)
	}

	accounts := account.New(s.DB())
	watches := watch.New(s.DB(), identity, accounts)
	replies := reply.New(s.DB())
	invites := invite.New(s.DB(), accounts)

	registry := imageboard.NewRegistry()
	registry.Register(chan4.New(allowlist.For("4chan")))
	registry.Register(dvach.New(allowlist.For("dvach")))

	th := throttle.New(policy.Throttle, logger.With("component", "throttle"))
	fcmClient := fcm.NewHTTPClient(env.FirebaseAPIKey, http.DefaultClient)
	wt := watcher.New(s.DB(), identity, watches, replies, registry, logger.With("component", "watcher"),
		watcher.WithPollInterval(env.ThreadWatcherTimeout))
	dispatcher := fcm.New(replies, registry, fcmClient, policy.Dispatch.ChunkSize, env.ApplicationType, logger.With("component", "fcm"))

	api := httpapi.New(accounts, watches, replies, invites, logStore, registry, th, fcmClient, env.ApplicationType, logger.With("component", "httpapi"))
	httpServer := &http.Server{Addr: env.ListenAddr, Handler: api.Routes()}

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

	go dbHandler.Run(ctx, logFlushInterval, func(err error) { logger.Error("log flush failed", "error", err) })
	go th.ResetLoop(ctx, time.Duration(policy.Throttle.ResetIntervalSeconds)*time.Second)
	go invite.Cleanup(ctx, s.DB(), logger.With("component", "invite"), inviteCleanupInterval)
	go runLoop(ctx, logger.With("component", "watcher"), wt.Run)
	go runDispatchLoop(ctx, logger.With("component", "fcm"), dispatcher.Run, env.ThreadWatcherTimeout)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", env.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
		cancel()
	}

	if err := httpapi.Shutdown(context.Background(), httpServer); err != nil {
		logger.Error("error during http shutdown", "error", err)
	}
	return nil
}

// runLoop drives a self-looping component (the thread watcher already
// sleeps between cycles internally) and logs a fatal-looking exit if
// it returns for any reason other than context cancellation.
func runLoop(ctx context.Context, logger interface {
	Error(msg string, args ...any)
}, run func(context.Context) error) {
	if err := run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("background loop exited unexpectedly", "error", err)
	}
}

// runDispatchLoop repeatedly runs a single-cycle function (the FCM
// dispatcher has no internal sleep loop, unlike the watcher) on the
// same cadence as the thread watcher's poll interval, until ctx is
// cancelled.
func runDispatchLoop(ctx context.Context, logger interface {
	Warn(msg string, args ...any)
}, run func(context.Context) error, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := run(ctx); err != nil {
			logger.Warn("dispatch cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
