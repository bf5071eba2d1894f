package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"mailpush/internal/api"
	"mailpush/internal/config"
	"mailpush/internal/database"
	"mailpush/internal/pingsync"
	"mailpush/internal/repository"
	"mailpush/internal/services"
	"mailpush/internal/utils"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the push service and its HTTP API",
		Long: `Start the push service: migrate the database, start a ping for every account that
should push, and serve the HTTP API until interrupted. With push.exit_when_idle the
process also exits once no account needs a ping.`,
		RunE: runServe,
	}
}

func heartbeatPolicy(cfg *config.Config) services.HeartbeatPolicy {
	return services.HeartbeatPolicy{
		Default: cfg.Push.HeartbeatDefault,
		Min:     cfg.Push.HeartbeatMin,
		Max:     cfg.Push.HeartbeatMax,
		Step:    cfg.Push.HeartbeatStep,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mainLogger := utils.NewLogger("Main")
	mainLogger.Info("Starting mailpush with log level %s", cfg.Log.Level)

	if err := database.Initialize(databaseConfig(cfg)); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()
	db := database.GetDB()

	// Initialize repositories
	mailProviderRepo := repository.NewMailProviderRepository(db)
	emailAccountRepo := repository.NewEmailAccountRepository(db)
	mailboxRepo := repository.NewMailboxRepository(db)
	oauth2GlobalConfigRepo := repository.NewOAuth2GlobalConfigRepository(db)
	activityRepo := repository.NewActivityLogRepository(db)

	if err := mailProviderRepo.SeedDefaultProviders(); err != nil {
		mainLogger.Warn("Failed to seed default providers: %v", err)
	}

	clk := clock.RealClock{}
	heartbeat := heartbeatPolicy(cfg)

	// IMAP side: IDLE pings and folder syncs
	dialer := services.NewIMAPDialer(services.NewOAuth2TokenProvider(oauth2GlobalConfigRepo), cfg.Push.DialTimeout, cfg.Push.IMAPDebug)
	executor := services.NewIMAPIdleExecutor(emailAccountRepo, dialer, heartbeat, clk)
	syncer := services.NewIMAPFolderSyncer(emailAccountRepo, mailboxRepo, dialer)
	resolver := services.NewAccountPushResolver(emailAccountRepo, mailboxRepo, heartbeat)
	retry := services.NewTimerRetryScheduler(clk, cfg.Push.SyncErrorBackoff, cfg.Push.MaxRetryBackoff)

	// Observers
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := services.NewMetrics(registry)
	events := services.NewEventHub()
	recorder := services.NewActivityRecorder(activityRepo)
	defer recorder.Stop()

	lifecycle := services.NewLifecycle(clk, cfg.Push.ExitWhenIdle)
	lifecycle.OnChange(recorder.RecordLifecycle)

	synchronizer := pingsync.New(executor, resolver, resolver, retry,
		pingsync.WithHost(lifecycle),
		pingsync.WithClock(clk),
		pingsync.WithSyncErrorBackoff(cfg.Push.SyncErrorBackoff),
		pingsync.WithObserver(metrics),
		pingsync.WithObserver(events),
		pingsync.WithObserver(recorder),
	)
	metrics.TrackSynchronizer(registry, synchronizer)

	var svcOpts []services.PushServiceOption
	if cfg.Push.KickEnabled {
		svcOpts = append(svcOpts, services.WithKicker(clk, cfg.Push.KickInterval))
	}
	pushService := services.NewPushService(synchronizer, emailAccountRepo, resolver, syncer, retry, svcOpts...)
	executor.SetChangeHandler(pushService.MailboxChanged)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started, err := pushService.RestartPings(ctx)
	if err != nil {
		mainLogger.Error("Failed to start pings: %v", err)
	} else {
		mainLogger.Info("Started %d pings", started)
	}

	handler := api.NewAPIHandler(pushService, activityRepo, events, lifecycle)
	srv := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           api.NewRouter(handler, registry),
		ReadHeaderTimeout: serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		mainLogger.Info("Server is running on http://%s", cfg.ServerAddress())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		mainLogger.Info("Shutting down server...")
	case <-lifecycle.Idle():
		mainLogger.Info("No account needs a ping, exiting")
	case runErr = <-serverErr:
		mainLogger.Error("Server failed: %v", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLogger.Warn("HTTP server shutdown: %v", err)
	}
	mainLogger.Info("Stopping push service...")
	if err := pushService.Shutdown(shutdownCtx); err != nil {
		mainLogger.Warn("Push service did not stop cleanly: %v", err)
	}
	mainLogger.Info("Server exited")
	return runErr
}
