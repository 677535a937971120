package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kennyphilp/trainsai/config"
	"github.com/kennyphilp/trainsai/storage"
)

// Process exit codes. Runtime failures after a clean start use
// exitRuntime so supervisors can tell them apart from config mistakes.
const (
	exitOK      = 0
	exitConfig  = 2
	exitStore   = 3
	exitRuntime = 4
)

var rootCmd = &cobra.Command{
	Use:          "trainsai",
	Short:        "Darwin push port cancellation tracker",
	Long:         "Tracks live train cancellations from the National Rail Darwin push port and serves them over HTTP",
	SilenceUsage: true,
}

var (
	configPath string
	logLevel   string
	logFile    string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "log-file", "", "", "log file path, rotated at 10 MiB; stdout only when empty")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(stationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger() *logrus.Entry {
	log := logrus.New()

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if logFile != "" {
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 10,
		}))
	}

	return logrus.NewEntry(log)
}

// The store path selects the backend: a postgres URL, the literal
// "memory", or a SQLite file path.
func openStorage(cfg *config.Config) (storage.Storage, error) {
	path := cfg.Store.Path
	switch {
	case path == "memory":
		return storage.NewMemoryStorage(), nil
	case strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://"):
		return storage.NewPSQLStorage(path, false)
	default:
		return storage.NewSQLiteStorage(path)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
