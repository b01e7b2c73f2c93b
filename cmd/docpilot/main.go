package main

import (
	"fmt"
	"os"

	"docpilot/internal/backend"
	"docpilot/internal/clipboard"
	"docpilot/internal/config"
	"docpilot/internal/export"
	"docpilot/internal/history"
	"docpilot/internal/logging"
	"docpilot/internal/ui"
	"docpilot/internal/workflow"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "docpilot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Parse()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := history.Open(cfg.HistoryPath, cfg.ResetHistory)
	if err != nil {
		return err
	}
	defer store.Close()

	exp, err := export.New(cfg.ExportDir)
	if err != nil {
		return err
	}

	// The generator may be served from its own deployment.
	clients := map[workflow.Tool]*backend.Client{
		workflow.ToolGenerator:    backend.New(cfg.GeneratorBaseURL(), cfg.Timeout, log.Named("backend")),
		workflow.ToolDocumentChat: backend.New(cfg.BaseURL, cfg.Timeout, log.Named("backend")),
	}
	newController := func(t workflow.Tool) *workflow.Controller {
		return workflow.New(t, clients[t], workflow.Options{
			Archiver:   store,
			Exporter:   exp,
			Credential: cfg.APIKey,
			Logger:     log,
		})
	}

	log.Info("starting",
		zap.String("base_url", cfg.BaseURL),
		zap.String("generator_url", cfg.GeneratorBaseURL()),
		zap.String("history", cfg.HistoryPath),
		zap.String("exports", exp.Dir()),
	)
	m := ui.NewModel(ui.Options{
		Config:        cfg,
		NewController: newController,
		History:       store,
		Copier:        clipboard.New(),
		Logger:        log,
	})
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}
