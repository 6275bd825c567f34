// Command drawsettle runs the price-window pipeline and the position
// settlement API. It loads configuration, validates it, sets up signal
// handling, and starts the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/drawsettle/internal/app"
	"github.com/alanyoungcy/drawsettle/internal/config"
	"github.com/alanyoungcy/drawsettle/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty for env only)")
	encryptKey := flag.String("encrypt-key", "", "encrypt DRAWSETTLE_KEY_HEX with DRAWSETTLE_KEY_PASSWORD into this file and exit")
	flag.Parse()

	if *encryptKey != "" {
		if err := writeEncryptedKey(*encryptKey); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("drawsettle starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}

	logger.Info("drawsettle stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func writeEncryptedKey(path string) error {
	keyHex := os.Getenv("DRAWSETTLE_KEY_HEX")
	password := os.Getenv("DRAWSETTLE_KEY_PASSWORD")
	if keyHex == "" || password == "" {
		return errors.New("DRAWSETTLE_KEY_HEX and DRAWSETTLE_KEY_PASSWORD must be set")
	}
	blob, err := crypto.EncryptKey(keyHex, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
