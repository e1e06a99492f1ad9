package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animalrunner/listener/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "listener",
	Short: "Real-time animal sound classifier with a UDP verdict sink",
	Long: `listener - turns microphone audio into debounced animal verdicts.

Audio is windowed and classified by the inference sidecar; a majority vote
over recent detections is sent to the game client as "<label>,<share>".

With no subcommand, listener runs 'serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, probeCmd, listenCmd, labelsCmd)
}

// loadConfig reads configuration and installs the default logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(newLogger(cfg.LogLevel, cfg.LogFormat))
	return cfg, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
