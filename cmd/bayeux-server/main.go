package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/config"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/database"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/event"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/server"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const storeConnectTimeout = 15 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bayeux-server",
	Short: "Bayeux publish/subscribe server",
	Long: `Runs a Bayeux server with long-polling and WebSocket transports.

The configuration is read from a JSON or YAML file and can be overridden
with BAYEUX_* environment variables. A missing file is created with the
default settings.`,
	SilenceUsage: true,
	RunE:         serveRun,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  configRun,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the configuration file")
	rootCmd.AddCommand(configCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.ReadConfig(configPath)
	if errors.Is(err, config.ErrConfigCreated) {
		return nil, fmt.Errorf("%w: %s", err, configPath)
	}
	return cfg, err
}

func configRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	loggerCallback := logger.Init(level, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)

	ctx, cancel := context.WithTimeout(cmd.Context(), storeConnectTimeout)
	store, err := database.NewStore(ctx, cfg.Store, cfg.AppName)
	cancel()
	if err != nil {
		logger.ErrorF("Error occured while initializing %s store, details: %v", cfg.Store.Kind, err)
		_ = cleaner.Clean()
		return err
	}

	srv := server.New(cfg, store)
	if err := srv.Start(context.Background()); err != nil {
		logger.ErrorF("Error occured while starting server, details: %v", err)
		cleaner.Add(database.NewStoreCloseCallback(store))
		_ = cleaner.Clean()
		return err
	}
	cleaner.Add(srv)
	cleaner.Add(database.NewStoreCloseCallback(store))

	<-cleaner.Done()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
