package main

// cmd/server/main.go: runs torrents from the command line with the status
// API always on, configured only through config.yaml and TORRENTD_ env.
import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"torrentd/internal/client"
	"torrentd/internal/config"
	"torrentd/internal/torrent"
	"torrentd/pkg/logger"
)

const defaultStatusAddr = ":8080"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(os.Getenv("TORRENTD_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.StatusAddr == "" {
		cfg.StatusAddr = defaultStatusAddr
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: server <magnet URI | .torrent file>")
	}

	log := logger.NewLogger(cfg.LogLevel)
	fs := afero.NewOsFs()

	src, err := torrent.ParseSource(fs, args[0])
	if err != nil {
		return err
	}

	c := client.New(cfg, client.Options{Fs: fs, Logger: log})
	hash, err := c.Add(src)
	if err != nil {
		return fmt.Errorf("failed to add torrent: %w", err)
	}
	log.Info().Str("infoHash", hash.HexString()).Str("savePath", cfg.SavePath).Msg("Server started")

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.Run(ctx)
}
