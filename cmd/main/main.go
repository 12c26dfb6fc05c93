package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CTAG07/Sundew/pkg/service"
	"github.com/CTAG07/Sundew/pkg/wordcheck"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "sundew",
	Short:        "Sundew - a hybrid n-gram and neural text generator",
	Long:         `Sundew trains a character-level model on submitted text and serves generation and evaluation over an HTTP API.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "Path to the config file (.json, .yaml or .yml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// env is everything a command needs to talk to the model.
type env struct {
	cm     *ConfigManager
	logger *slog.Logger
	db     *sql.DB
	gate   *wordcheck.Gate
	svc    *service.Service
}

// openEnv loads the config and brings up the database, word validator and
// service. Logs go to logOut.
func openEnv(ctx context.Context, path string, logOut io.Writer) (*env, error) {
	cm, err := NewConfigManager(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	config := cm.Get()

	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: parseLogLevel(config.Server.LogLevel)}))
	cm.SetLogger(logger)

	if err = os.MkdirAll(config.Server.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err = os.MkdirAll(filepath.Dir(config.Server.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := initDB(config.Server.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gate := wordcheck.Select(*config.WordValidator, logger)

	svc, err := service.New(ctx, db, config.Service(), gate, logger)
	if err != nil {
		_ = gate.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to start service: %w", err)
	}
	return &env{cm: cm, logger: logger, db: db, gate: gate, svc: svc}, nil
}

// Close stops the service, then releases the validator and database.
func (e *env) Close() {
	e.svc.Close()
	if err := e.gate.Close(); err != nil {
		e.logger.Error("Failed to close word validator", "error", err)
	}
	e.logger.Info("Closing database connection.")
	if err := e.db.Close(); err != nil {
		e.logger.Error("Failed to close database", "error", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	baseLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	actionChan := make(chan string, 1)

	go func() {
		osSignalChan := make(chan os.Signal, 1)
		signal.Notify(osSignalChan, syscall.SIGINT, syscall.SIGTERM)
		<-osSignalChan // Wait for a signal
		baseLogger.Info("OS signal received, initiating shutdown.")
		actionChan <- actionShutdown
	}()

	for {
		action, err := run(actionChan, configPath)
		if err != nil {
			baseLogger.Error("An error occurred during server run, shutting down.", "error", err)
			return err
		}

		if action == actionRestart {
			baseLogger.Info("--- Server Restarting ---")
			continue
		}
		break
	}

	baseLogger.Info("Sundew has shut down.")
	return nil
}

// run hosts the api server and the corpus inbox, and returns whenever the server is shutdown or restarted
func run(actionChan chan string, path string) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := openEnv(ctx, path, os.Stdout)
	if err != nil {
		return "", err
	}
	defer e.Close()
	logger := e.logger
	config := e.cm.Get()
	logger.Info("Starting server cycle...", "version", Version)

	server, err := NewServer(e.cm, logger, e.db, e.svc, actionChan)
	if err != nil {
		return "", fmt.Errorf("failed to create server object: %w", err)
	}
	apiHttpServer := &http.Server{Addr: config.Server.ApiAddr, Handler: server.Handler()}

	inboxDone := make(chan struct{})
	if inboxCfg := config.Server.InboxConfig; inboxCfg != nil && inboxCfg.Dir != "" {
		inbox, err := NewInbox(*inboxCfg, e.svc, logger)
		if err != nil {
			logger.Error("Corpus inbox disabled", "dir", inboxCfg.Dir, "error", err)
			close(inboxDone)
		} else {
			logger.Info("Watching corpus inbox", "dir", inboxCfg.Dir)
			go func() {
				defer close(inboxDone)
				inbox.Run(ctx)
			}()
		}
	} else {
		close(inboxDone)
	}

	go func() {
		logger.Info("Starting api server", "address", apiHttpServer.Addr)
		if err := apiHttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Api server failed", "error", err)
		}
	}()

	action := <-actionChan // Block here until API or OS signal sends an action.

	logger.Info("Stopping server for " + action + "...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err = apiHttpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Api server shutdown failed", "error", err)
	}
	cancel()
	<-inboxDone
	logger.Info("HTTP server and inbox stopped.")

	return action, nil
}
