package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coffersTech/nanolog-export/internal/config"
	"github.com/coffersTech/nanolog-export/internal/engine"
	"github.com/coffersTech/nanolog-export/internal/export"
	"github.com/coffersTech/nanolog-export/internal/render"
	"github.com/coffersTech/nanolog-export/internal/settings"
	"github.com/coffersTech/nanolog-export/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	dataDir    string
}

func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:          "nanolog-export",
		Short:        "Columnar log store with debounced, single-flight exports",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "directory holding .nano segments (overrides config)")

	cmd.AddCommand(
		newServeCmd(&g),
		newIngestCmd(&g),
		newExportCmd(&g),
		newOptionsCmd(&g),
		newStatsCmd(&g),
		newInspectCmd(),
	)
	return cmd
}

// app bundles what every command opens.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	qe       *engine.QueryEngine
	reader   *storage.ColumnReader
	settings *settings.SQLiteStore
}

func openApp(g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dataDir != "" {
		cfg.DataDir = g.dataDir
		cfg.Export.SettingsPath = filepath.Join(cfg.DataDir, "settings.db")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	reader, err := storage.NewColumnReader()
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	writer, err := storage.NewColumnWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create writer: %w", err)
	}
	qe, err := engine.NewQueryEngine(cfg.DataDir, reader.ReadSnapshot, writer.WriteSegment, cfg.Retention.Duration, logger)
	if err != nil {
		return nil, err
	}
	qe.MaxTableSize = cfg.MaxTableSize

	st, err := settings.Open(cfg.Export.SettingsPath)
	if err != nil {
		qe.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: logger, qe: qe, reader: reader, settings: st}, nil
}

func (a *app) newCoordinator(ctx context.Context) (*export.Coordinator, error) {
	return export.NewCoordinator(ctx, export.Config{
		Store:    a.qe,
		Renderer: render.TextRenderer{},
		Settings: a.settings,
		Verifier: a.reader,
		TempDir:  a.cfg.Export.TempDir,
		Debounce: a.cfg.Export.Debounce.Duration,
		Logger:   a.log.Named("export"),
		Now:      time.Now,
	})
}

func (a *app) Close() {
	if err := a.qe.Close(); err != nil {
		a.log.Error("Final flush failed", zap.Error(err))
	}
	if err := a.settings.Close(); err != nil {
		a.log.Warn("Failed to close settings database", zap.Error(err))
	}
	a.log.Sync()
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
