package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ovabuilder/internal/builder"
	"ovabuilder/internal/checkout"
	"ovabuilder/internal/commits"
	"ovabuilder/internal/config"
	"ovabuilder/internal/history"
	"ovabuilder/internal/security"
	"ovabuilder/pkg/fileutil"
)

// app holds everything a command needs, wired from the config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  history.Store
	engine *builder.Engine
	cloner *checkout.Cloner
	runner *builder.Runner
}

// newApp loads the config and wires the components. logOut receives the JSON
// log stream.
func newApp(logOut io.Writer) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	if cfg.File != "" {
		logger.Debug("Loaded configuration", "config", cfg.File)
	}

	store, err := history.Open(cfg.History.Backend, cfg.HistoryPath())
	if err != nil {
		return nil, err
	}

	if fileutil.FileExists(store.Path()) {
		if err := security.ValidateSecurePermissions(store.Path()); err != nil {
			logger.Warn("History log has insecure permissions", "error", err)
		}
	}

	resolver := commits.NewClient(commits.Options{
		Token:             cfg.GitHubToken,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Timeout:           cfg.HTTP.Timeout,
		RequestsPerMinute: cfg.HTTP.RequestsPerMinute,
		Logger:            logger,
	})

	engine := builder.NewEngine(resolver, store, builder.Repos{
		Source:       cfg.Source.APIURL,
		SourceBranch: cfg.Source.Branch,
		Installer:    cfg.Installer.APIURL,
	})

	packager, err := builder.NewCommandPackager(
		cfg.Build.Command,
		time.Duration(cfg.Build.Timeout)*time.Second,
		cfg.Build.ArtifactPattern,
		logger,
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	cloner := checkout.NewCloner(cfg.WorkspaceDir(), time.Duration(cfg.Build.GitTimeout)*time.Second, logger)
	opts := builder.RunnerOptions{
		Cloner: cloner,
		CloneURLs: builder.CloneURLs{
			Source:    cfg.Source.CloneURL,
			Installer: cfg.Installer.CloneURL,
		},
		KeepWorkspaces: cfg.Build.KeepWorkspaces,
		Logger:         logger,
	}
	// A nil *CommandPackager must stay a nil interface.
	if packager != nil {
		opts.Packager = packager
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		store:  store,
		engine: engine,
		cloner: cloner,
		runner: builder.NewRunner(engine, opts),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// setupLogging opens logPath for appending and returns a writer that copies
// to stdout and the file. The caller closes the file.
func setupLogging(logPath string) (io.Writer, *os.File, error) {
	if err := security.CreateSecureDir(filepath.Dir(logPath), security.PermDirectory); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, security.PermLogFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return io.MultiWriter(os.Stdout, file), file, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
