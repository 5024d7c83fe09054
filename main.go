package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"torrentd/internal/client"
	"torrentd/internal/config"
	"torrentd/internal/torrent"
	"torrentd/pkg/logger"
)

var log zerolog.Logger

var app = &cli.App{
	Name:        "torrentd",
	Usage:       "Download torrents and pick up where you left off.",
	Description: "A resumable BitTorrent client",
	Before: func(ctx *cli.Context) error {
		level := "info"
		if ctx.Bool("debug") {
			level = "debug"
		}
		log = logger.NewConsoleLogger(level)
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:   "download",
			Usage:  "downloads a single torrent from a magnet URI or .torrent file",
			Action: download,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "torrent",
					Aliases:  []string{"t"},
					Usage:    "magnet URI or path to a .torrent file",
					Required: true,
				},
				&cli.StringFlag{
					Name:    "save-path",
					Aliases: []string{"o"},
					Usage:   "directory the torrent's files are written to",
				},
				&cli.StringFlag{
					Name:  "resume-file",
					Usage: "file holding resume data between runs",
				},
				&cli.StringSliceFlag{
					Name:  "peer",
					Usage: "peer address (host:port) to connect to, may be repeated",
				},
				&cli.StringFlag{
					Name:  "status-addr",
					Usage: "serve the status API on this address",
				},
				&cli.BoolFlag{
					Name:  "no-progress",
					Usage: "log status lines instead of drawing a progress bar",
				},
			},
		},
	},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to a config file (default ./config.yaml when present)",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
			Usage:   "enable debug logging output for troubleshooting and development",
		},
	},
}

func download(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if ctx.IsSet("save-path") {
		cfg.SavePath = ctx.String("save-path")
	}
	if ctx.IsSet("resume-file") {
		cfg.ResumeFile = ctx.String("resume-file")
	}
	if ctx.IsSet("status-addr") {
		cfg.StatusAddr = ctx.String("status-addr")
	}
	cfg.Peers = append(cfg.Peers, ctx.StringSlice("peer")...)

	fs := afero.NewOsFs()
	src, err := torrent.ParseSource(fs, ctx.String("torrent"))
	if err != nil {
		return err
	}

	opts := client.Options{Fs: fs, Logger: log}
	if !ctx.Bool("no-progress") {
		opts.ProgressOut = os.Stdout
	}
	c := client.New(cfg, opts)
	if _, err := c.Add(src); err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.Run(runCtx)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
