package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/imscore/internal/banner"
	"github.com/sebas/imscore/internal/cdr"
	"github.com/sebas/imscore/internal/config"
	"github.com/sebas/imscore/internal/console"
	"github.com/sebas/imscore/internal/dialer"
	"github.com/sebas/imscore/internal/logger"
	"github.com/sebas/imscore/internal/metrics"
	"github.com/sebas/imscore/internal/proxy"
	"github.com/sebas/imscore/internal/registrar"
	"github.com/sebas/imscore/internal/sipauth"
	"github.com/sebas/imscore/internal/users"
)

const registrarSweepPeriod = 30 * time.Second

func main() {
	logger.Init(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	dyn, err := config.NewDynamic(cfg.ConfigFile)
	if err != nil {
		slog.Error("failed to load dynamic config", "error", err)
		os.Exit(1)
	}
	if lvl := dyn.GetString(config.KeyLogLevel, ""); lvl != "" {
		logger.SetLevel(lvl)
	}

	cdrs, err := cdr.NewEngine(cfg.CDRDir, dyn.GetBool(config.KeyCDRMergeMode, true), slog.Default())
	if err != nil {
		slog.Error("failed to initialise cdr engine", "error", err)
		os.Exit(1)
	}

	userStore, err := users.NewStore(cfg.UsersFile)
	if err != nil {
		slog.Error("failed to initialise user store", "error", err)
		os.Exit(1)
	}

	auth := sipauth.New(cfg.Realm, userStore.Password, slog.Default())
	reg := registrar.New(auth, cdrs, slog.Default())

	core, err := proxy.New(cfg, dyn, reg, auth, cdrs, slog.Default())
	if err != nil {
		slog.Error("failed to create sip core", "error", err)
		os.Exit(1)
	}

	dial := dialer.NewManager(cfg.ServerIP, cfg.ServerPort, cfg.ServerIP, dialer.Settings{
		Username:  cfg.DialerUsername,
		Password:  cfg.DialerPassword,
		MediaFile: cfg.DialerMediaFile,
	}, reg, slog.Default())

	metricsRegistry := metrics.NewRegistry(&statsProvider{reg: reg, core: core, dial: dial}, time.Now())
	surface := console.New(reg, core.State(), dyn, cdrs, userStore, dial, metricsRegistry)

	// Dynamic knobs with immediate effect.
	dyn.OnChange(func(key string, value any) {
		switch key {
		case config.KeyLogLevel:
			if s, ok := value.(string); ok {
				logger.SetLevel(s)
			}
		case config.KeyCDRMergeMode:
			if b, ok := value.(bool); ok {
				cdrs.SetMergeMode(b)
			}
		}
	})

	banner.Print("imscore SIP proxy/registrar", []banner.ConfigLine{
		{Label: "SIP address", Value: cfg.ListenAddr()},
		{Label: "Realm", Value: cfg.Realm},
		{Label: "CDR directory", Value: cfg.CDRDir},
		{Label: "User store", Value: cfg.UsersFile},
		{Label: "Log level", Value: logger.GetLevel()},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Housekeeping: binding sweep, nonce expiry, CDR flushed-set ageing.
	go func() {
		ticker := time.NewTicker(registrarSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.SweepExpired()
				auth.CleanExpired()
				cdrs.CleanupFlushed()
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- core.Serve(ctx)
	}()

	// Give the listener a moment, then report readiness counters.
	go func() {
		time.Sleep(time.Second)
		st := surface.Stats()
		slog.Info("console surface ready",
			"bindings", st.Bindings,
			"dialogs", st.ActiveDialogs,
			"users", len(surface.Users()),
		)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			slog.Error("sip socket failed", "addr", cfg.ListenAddr(), "error", err)
			os.Exit(1)
		}
	}

	// Shutdown in reverse of initialisation.
	cancel()
	if ok, msg := dial.Stop(); ok {
		slog.Info("dialer stopped", "detail", msg)
	}
	if err := core.Close(); err != nil {
		slog.Warn("error closing sip core", "error", err)
	}
	cdrs.FlushAll()
	slog.Info("shutdown complete")
}

// statsProvider adapts the live components to the metrics collector.
type statsProvider struct {
	reg  *registrar.Registrar
	core *proxy.Proxy
	dial *dialer.Manager
}

func (s *statsProvider) BindingCount() int      { return s.reg.BindingCount() }
func (s *statsProvider) DialogCount() int       { return s.core.State().Dialogs.Len() }
func (s *statsProvider) PendingCount() int      { return s.core.State().Pending.Len() }
func (s *statsProvider) BranchCount() int       { return s.core.State().Branches.Len() }
func (s *statsProvider) DialerActiveCalls() int { return s.dial.Status().ActiveCalls }
