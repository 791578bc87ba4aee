package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/api"
	"github.com/dgnsrekt/pagecopy/internal/browser"
	"github.com/dgnsrekt/pagecopy/internal/cdpcontrol"
	"github.com/dgnsrekt/pagecopy/internal/clipboard"
	"github.com/dgnsrekt/pagecopy/internal/config"
	"github.com/dgnsrekt/pagecopy/internal/controller"
	"github.com/dgnsrekt/pagecopy/internal/events"
	"github.com/dgnsrekt/pagecopy/internal/history"
	"github.com/dgnsrekt/pagecopy/internal/netutil"
	"github.com/dgnsrekt/pagecopy/internal/notify"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("page_copier config loaded",
		"cdp_url", cfg.GetCDPURL(),
		"bind_addr", cfg.BindAddr,
		"page_patterns", cfg.PagePatterns,
		"targets_file", cfg.TargetsFile,
		"revert_delay_ms", cfg.RevertDelayMS,
		"eval_timeout_ms", cfg.EvalTimeoutMS,
		"sync_interval_ms", cfg.SyncIntervalMS,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	targets, err := config.ResolveTargets(cfg.TargetsFile)
	if err != nil {
		slog.Error("failed to load targets", "path", cfg.TargetsFile, "error", err)
		os.Exit(1)
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	hist, err := history.Open(cfg.HistoryFile, cfg.HistorySize)
	if err != nil {
		slog.Error("failed to open history", "path", cfg.HistoryFile, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := hist.Close(); err != nil {
			slog.Debug("history close failed", "error", err)
		}
	}()

	broker := events.NewBroker()
	if cfg.NotifyURL != "" {
		states, err := notify.ParseStates(cfg.NotifyStates)
		if err != nil {
			slog.Error("invalid COPIER_NOTIFY_STATES", "error", err)
			os.Exit(1)
		}
		go notify.New(cfg.NotifyURL, nil, states).Run(ctx, broker)
		slog.Info("outcome notifications enabled", "endpoint", cfg.NotifyURL, "states", cfg.NotifyStates)
	}

	cdpClient := cdpcontrol.NewClient(cfg.GetCDPURL(), cdpcontrol.Options{
		Patterns:    cfg.Patterns(),
		Targets:     targets,
		EvalTimeout: cfg.EvalTimeout(),
	})
	svc := controller.NewService(cdpClient, controller.Options{
		Targets:     targets,
		RevertDelay: cfg.RevertDelay(),
		Clipboard:   clipboard.NewSystem(),
		History:     hist,
		Events:      broker,
	})
	defer svc.Close()
	cdpClient.SetEventHandler(svc.HandleEvent)

	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("failed to connect CDP controller", "cdp_url", cfg.GetCDPURL(), "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()
	go cdpClient.Watch(ctx, cfg.SyncInterval())

	srv := &http.Server{Handler: api.NewServer(svc, broker), ReadHeaderTimeout: 10 * time.Second}
	bindAddr := ln.Addr().String()

	go func() {
		slog.Info("page_copier listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("page_copier server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("page_copier shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("page_copier shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
