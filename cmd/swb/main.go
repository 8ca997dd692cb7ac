// Command swb is the thin command-line surface over the broadcast and
// spectate pipelines: parse flags, resolve configuration, and hand off to
// the internal packages that do the actual streaming.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v3"

	"github.com/gcpreston/swb-go/internal/broadcast"
	"github.com/gcpreston/swb-go/internal/config"
	"github.com/gcpreston/swb-go/internal/logging"
	"github.com/gcpreston/swb-go/internal/replay"
	"github.com/gcpreston/swb-go/internal/spectate"
)

var (
	statusStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	bridgeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func main() {
	app := &cli.Command{
		Name:  "swb",
		Usage: "bridge and mirror client for real-time game-replay broadcasting",
		Commands: []*cli.Command{
			broadcastCommand(),
			spectateCommand(),
		},
	}
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func broadcastCommand() *cli.Command {
	return &cli.Command{
		Name:  "broadcast",
		Usage: "stream one or more game sources to the relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dest", Usage: "relay websocket url"},
			&cli.StringSliceFlag{Name: "source", Usage: "scheme://host:port source endpoint, repeatable"},
			&cli.BoolFlag{Name: "verbose", Usage: "raise log level to debug"},
			&cli.BoolFlag{Name: "skip-update", Usage: "accepted for compatibility; swb-go has no self-update mechanism"},
		},
		Action: runBroadcast,
	}
}

func runBroadcast(ctx context.Context, c *cli.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, cleanup, err := setupLogging(cfg, c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, sessionLog, sessionID := logging.WithSession(ctx, log, "")
	sessionLog.Info("broadcast: session starting", logging.String("session_id", sessionID))

	dest := c.String("dest")
	if dest == "" {
		dest = cfg.RelayDest
	}
	sources := c.StringSlice("source")
	if len(sources) == 0 {
		sources = []string{config.DefaultSourceSpec}
	}

	ctx, stop := signalContext(ctx, sessionLog)
	defer stop()

	fmt.Println(statusStyle.Render(fmt.Sprintf("connecting %d source(s) to %s", len(sources), dest)))

	result, err := broadcast.Run(ctx, broadcast.Options{Sources: sources, Dest: dest, Log: sessionLog})
	if err != nil {
		return err
	}
	fmt.Println(bridgeStyle.Render(fmt.Sprintf("bridge id: %s", result.BridgeID)))
	return nil
}

func spectateCommand() *cli.Command {
	return &cli.Command{
		Name:      "spectate",
		Usage:     "mirror a remote stream into the local playback executable",
		ArgsUsage: "<stream-id | ws-url>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "raise log level to debug"},
			&cli.IntFlag{Name: "max-files", Usage: "retain at most this many game files (0 = unlimited)"},
			&cli.DurationFlag{Name: "max-age", Usage: "discard game files older than this (0 = unlimited)"},
		},
		Action: runSpectate,
	}
}

func runSpectate(ctx context.Context, c *cli.Command) error {
	if c.Args().Len() == 0 {
		return errors.New("spectate: a stream id or websocket url is required")
	}
	wsURL, err := resolveSpectateURL(c.Args().First())
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, cleanup, err := setupLogging(cfg, c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, sessionLog, sessionID := logging.WithSession(ctx, log, "")
	sessionLog.Info("spectate: session starting", logging.String("session_id", sessionID), logging.String("url", wsURL))

	facade := config.NewFacade()
	outputDir, err := facade.SpectateOutputDir()
	if err != nil {
		return err
	}
	commSpecPath, err := facade.CommSpecPath()
	if err != nil {
		return err
	}
	playbackPath, err := facade.PlaybackExecutablePath()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx, sessionLog)
	defer stop()

	fmt.Println(statusStyle.Render(fmt.Sprintf("mirroring %s into %s", wsURL, playbackPath)))

	return spectate.Run(ctx, spectate.Options{
		URL:                    wsURL,
		OutputDir:              outputDir,
		CommSpecPath:           commSpecPath,
		PlaybackExecutablePath: playbackPath,
		Retention: replay.RetentionPolicy{
			MaxFiles: int(c.Int("max-files")),
			MaxAge:   c.Duration("max-age"),
		},
		Log: sessionLog,
	})
}

// resolveSpectateURL expands a bare integer stream ID into the default
// viewer socket URL; any other argument must already be a websocket URL.
func resolveSpectateURL(arg string) (string, error) {
	if n, err := strconv.Atoi(arg); err == nil {
		return fmt.Sprintf("wss://spectatormode.tv/viewer_socket/websocket?stream_id=%d&full_replay=true", n), nil
	}
	if strings.Contains(arg, "://") {
		return arg, nil
	}
	return "", fmt.Errorf("spectate: %q is neither an integer stream id nor a websocket url", arg)
}

func setupLogging(cfg *config.RuntimeConfig, verbose bool) (*logging.Logger, func(), error) {
	if verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return log, func() { _ = log.Sync() }, nil
}

// signalContext derives a cancellable context from parent that cancels
// gracefully on the first SIGINT/SIGTERM and force-exits with status 2 on a
// second.
func signalContext(parent context.Context, log *logging.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			log.Warn("swb: shutdown requested, stopping gracefully")
			cancel()
		case <-done:
			return
		}
		select {
		case <-sigCh:
			log.Error("swb: second shutdown signal received, forcing exit")
			os.Exit(2)
		case <-done:
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}
