package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"sqragent/internal/bot"
	"sqragent/internal/chain"
	"sqragent/internal/config"
	"sqragent/internal/db"
	"sqragent/internal/jobapi"
	"sqragent/internal/metrics"
	"sqragent/internal/notify"
	"sqragent/internal/opsserver"
	"sqragent/internal/poller"
	"sqragent/internal/retry"
	"sqragent/internal/session"
	"sqragent/internal/telegram"
	"sqragent/internal/tts"
	"sqragent/internal/webcontent"
	"sqragent/internal/worker"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

const shutdownTimeout = 10 * time.Second

// Run starts the daemon: Telegram listener + poller pool + alert dispatcher
// + ops server. Blocks until SIGINT/SIGTERM is received.
func Run(cfg *config.Config) error {
	if err := os.MkdirAll(filepath.Dir(cfg.PIDFile), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := WritePID(cfg.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.PIDFile)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	// Crash recovery: sessions live in memory, so paid requests of a previous
	// run can no longer be tracked.
	recovered, err := store.RecoverInterruptedPayments(context.Background(), "bot restarted while the request was in progress")
	if err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		slog.Warn("failed interrupted payments", "count", recovered)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mint, err := solana.PublicKeyFromBase58(cfg.Solana.TokenMint)
	if err != nil {
		return fmt.Errorf("token mint: %w", err)
	}
	recipient, err := solana.PublicKeyFromBase58(cfg.Solana.RecipientWallet)
	if err != nil {
		return fmt.Errorf("recipient wallet: %w", err)
	}

	m := metrics.New()
	httpClient := &http.Client{Timeout: 60 * time.Second}
	policy := retry.DefaultPolicy()

	tg, err := telegram.New(cfg.Telegram.Token, "", nil, cfg.Telegram.Debug)
	if err != nil {
		return err
	}
	if err := tg.SetCommands(ctx, bot.Menu()); err != nil {
		slog.Warn("publish command menu failed", "err", err)
	}

	jobs := jobapi.New(cfg.Jobs.BaseURL, cfg.Jobs.APIKey, httpClient, policy)
	speech := tts.New(cfg.TTS.BaseURL, cfg.TTS.TempDir, httpClient, policy)
	delivery := poller.NewDelivery(tg, speech, cfg.TTS.Language)
	verifier := chain.NewVerifier(cfg.Solana.RPCURL, recipient, cfg.TxTimeout(), chain.WithObserver(m.Verification))

	pool := worker.NewPool(cfg.Jobs.MaxPollers, cfg.Jobs.MaxPollers)

	// The poller reports back to the machine, which owns the pool of pollers.
	var machine *session.Machine
	pollCfg := poller.DefaultConfig()
	pollCfg.MaxAttempts = cfg.Jobs.MaxAttempts
	pollCfg.Interval = cfg.PollInterval()
	pollCfg.GracePeriod = cfg.GracePeriod()
	tracker := poller.New(jobs, tg, delivery, pollCfg,
		func(ctx context.Context, job poller.Job, res poller.Result) { machine.JobFinished(ctx, job, res) },
		poller.WithObserver(m))

	machine = session.NewMachine(session.NewStore(), session.Config{
		TxTimeout:       cfg.TxTimeout(),
		TextCost:        decimal.NewFromInt(cfg.Solana.TextCost),
		AudioCost:       decimal.NewFromInt(cfg.Solana.AudioCost),
		Mint:            mint,
		RecipientWallet: cfg.Solana.RecipientWallet,
		TokenSymbol:     cfg.Solana.TokenSymbol,
		SupportContact:  cfg.Members.Support,
		EditWindow:      cfg.EditWindow(),
	}, session.Deps{
		Transport: tg,
		Verifier:  verifier,
		Jobs:      jobs,
		Ledger:    store,
		Scheduler: pool,
		Poller:    tracker,
		Delivery:  delivery,
		Observer:  m,
	})

	b := bot.New(bot.Config{
		Mint:           mint,
		TokenSymbol:    cfg.Solana.TokenSymbol,
		TextCost:       decimal.NewFromInt(cfg.Solana.TextCost),
		AudioCost:      decimal.NewFromInt(cfg.Solana.AudioCost),
		Members:        cfg.Members.Authorized,
		SupportContact: cfg.Members.Support,
	}, bot.Deps{
		Transport: tg,
		Machine:   machine,
		Knowledge: store,
		Balances:  chain.NewBalanceReader(cfg.Solana.RPCURL, policy, nil),
		Names:     chain.NewSNSResolver(cfg.Solana.SNSResolverURL, httpClient, policy),
		Pages:     webcontent.NewFetcher(nil, webcontent.DefaultMaxBytes),
		Files:     tg,
	})

	m.Gauge("pollers_active", "Pollers currently tracking a job.", func() float64 { return float64(pool.Active()) })
	m.Gauge("pollers_queued", "Pollers waiting for a free worker.", func() float64 { return float64(pool.Pending()) })
	m.Gauge("sessions_active", "Chats with a request in progress.", func() float64 { return float64(machine.Store().Active()) })

	pool.Start(ctx)

	opsSrv := opsserver.NewServer(store, opsserver.Gauges{
		ActivePollers:  pool.Active,
		QueuedPollers:  pool.Pending,
		ActiveSessions: machine.Store().Active,
	}, m.Handler())
	httpSrv := &http.Server{
		Addr:         cfg.Ops.Listen,
		Handler:      opsSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("ops server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "err", err)
		}
	}()

	dispatcher := notify.NewDispatcher(
		store,
		notify.BuildSenders(cfg.Notifications, nil, tg),
		cfg.Notifications.Triggers,
	)
	dispatcher.OnDelivery(m.AlertDelivered)
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Run(ctx, tg.Listen(ctx, cfg.Telegram.PollTimeout))
	}()

	slog.Info("daemon started", "bot", tg.Username(), "max_pollers", cfg.Jobs.MaxPollers, "ops", cfg.Ops.Listen)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping...")

	// Force-exit on second signal.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpSrv.Shutdown(shutdownCtx)
		pool.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("daemon stopped")
	case <-shutdownCtx.Done():
		slog.Error("shutdown timed out, forcing exit", "timeout", shutdownTimeout)
		os.Exit(1)
	}

	return nil
}
