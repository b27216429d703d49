package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/termfilechooser/internal/api"
	"github.com/mattjoyce/termfilechooser/internal/auth"
	"github.com/mattjoyce/termfilechooser/internal/config"
	"github.com/mattjoyce/termfilechooser/internal/events"
	"github.com/mattjoyce/termfilechooser/internal/filechooser"
	"github.com/mattjoyce/termfilechooser/internal/history"
	"github.com/mattjoyce/termfilechooser/internal/lock"
	"github.com/mattjoyce/termfilechooser/internal/log"
	"github.com/mattjoyce/termfilechooser/internal/mailbox"
	"github.com/mattjoyce/termfilechooser/internal/picker"
	"github.com/mattjoyce/termfilechooser/internal/reactor"
	"github.com/mattjoyce/termfilechooser/internal/storage"
	"golang.org/x/sys/unix"
)

const replaceTimeout = 5 * time.Second

// startFlags are the command line overrides of start.
type startFlags struct {
	configPath string
	picker     string
	defaultDir string
	logLevel   string
	listen     string
	replace    bool
}

func parseStartFlags(args []string) (startFlags, error) {
	var f startFlags
	fs := newFlagSet("start")
	fs.StringVar(&f.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&f.picker, "picker", "", "Picker command")
	fs.StringVar(&f.defaultDir, "default-dir", "", "Default folder")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level")
	fs.StringVar(&f.listen, "listen", "", "HTTP listen address")
	fs.BoolVar(&f.replace, "replace", false, "Replace a running instance")
	fs.BoolVar(&f.replace, "r", false, "Replace a running instance (shorthand)")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if fs.NArg() > 0 {
		return f, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return f, nil
}

// loadConfig loads the explicit or discovered configuration.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.Discover()
	}
	return config.Load(path)
}

// apply overlays the command line on cfg.
func (f startFlags) apply(cfg *config.Config) {
	if f.picker != "" {
		cfg.Picker.Command = f.picker
	}
	if f.defaultDir != "" {
		cfg.Picker.DefaultDir = f.defaultDir
	}
	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}
	if f.listen != "" {
		cfg.API.Listen = f.listen
	}
}

func chooserConfig(cfg *config.Config) filechooser.Config {
	return filechooser.Config{
		DefaultFolder: cfg.Picker.DefaultDir,
		DefaultName:   cfg.Picker.DefaultName,
		Timeout:       cfg.Picker.Timeout,
	}
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{
			Token:  t.Token,
			Scopes: t.Scopes,
		})
	}
	return api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
		Tokens: tokens,
	}
}

func runStart(args []string) int {
	flags, err := parseStartFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	flags.apply(cfg)
	if err := config.Verify(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("termfilechooser starting", "version", version, "config", cfg.SourcePath, "picker", cfg.Picker.Command)

	acquire := lock.AcquirePIDLock
	if flags.replace {
		acquire = func(path string) (*lock.PIDLock, error) { return lock.Replace(path, replaceTimeout) }
	}
	pidLock, err := acquire(cfg.Service.LockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running, use --replace)", "path", cfg.Service.LockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	hist := history.New(db)

	code, err := serve(cfg, hist, logger)
	if err != nil {
		logger.Error("event loop failed", "error", err)
	}
	logger.Info("termfilechooser stopped", "code", code)
	return code
}

// serve runs the reactor until a termination signal or a fatal error.
func serve(cfg *config.Config, hist *history.Store, logger *slog.Logger) (int, error) {
	r, err := reactor.New()
	if err != nil {
		return 1, err
	}
	defer r.Cleanup()

	mb, err := mailbox.New(r)
	if err != nil {
		return 1, err
	}

	hub := events.NewHub(256)
	chooser := filechooser.New(r, picker.New(cfg.Picker.Command), chooserConfig(cfg), hub)
	if err := chooser.Start(); err != nil {
		return 1, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// stop runs on the reactor goroutine.
	stop := func(code int) {
		chooser.Shutdown()
		chooser.Stop()
		mb.Close()
		cancel()
		r.Quit(code)
	}
	for _, sig := range []unix.Signal{unix.SIGINT, unix.SIGTERM} {
		if _, err := r.AddSignal(sig, func(_ *reactor.Callback, s unix.Signal) error {
			logger.Info("received signal, shutting down", "signal", s.String())
			stop(0)
			return nil
		}); err != nil {
			return 1, fmt.Errorf("register %s: %w", sig, err)
		}
	}

	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		srv := api.New(apiConfig(cfg), mb, chooser, hist, hub, log.WithComponent("api"))
		go func() {
			defer close(apiDone)
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("API server failed", "error", err)
				_ = mb.Post(func() { stop(1) })
			}
		}()
	} else {
		close(apiDone)
		logger.Warn("API disabled, no requests can be received")
	}

	if cfg.State.Retention > 0 {
		go pruneHistory(ctx, hist, cfg.State.Retention, logger)
	}

	code, err := r.Run()
	cancel()
	<-apiDone
	return code, err
}

// pruneHistory drops expired history now and then hourly.
func pruneHistory(ctx context.Context, hist *history.Store, retention time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := hist.Prune(ctx, retention)
		if err != nil && ctx.Err() == nil {
			logger.Warn("failed to prune history", "error", err)
		} else if n > 0 {
			logger.Info("pruned history", "removed", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
