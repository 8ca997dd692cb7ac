// Package spectate implements the inbound mirror pipeline: a WebSocket byte
// stream is parsed into replay events, written to rolling game files, and
// mirrored live into an external playback process as each new game starts.
package spectate

import (
	"context"
	"fmt"
	"time"

	"github.com/gcpreston/swb-go/internal/logging"
	"github.com/gcpreston/swb-go/internal/replay"
)

// Options configures a single spectate session. Callers resolve on-disk
// paths via config.Facade before building Options; spectate itself has no
// platform-config dependency, which keeps it independently testable.
type Options struct {
	// URL is the fully resolved viewer WebSocket URL.
	URL string
	// OutputDir is where rolling Game_*.slp files are written.
	OutputDir string
	// CommSpecPath is the mirror control file path (launch.json).
	CommSpecPath string
	// PlaybackExecutablePath is the external mirror-playback executable.
	PlaybackExecutablePath string
	// Retention, if non-zero, is enforced by a background cleaner sweeping
	// the output directory.
	Retention replay.RetentionPolicy
	Log       *logging.Logger
}

// Run drives one spectate session to completion: it connects the inbound
// stream, feeds every payload to a replay.Writer, spawns the playback
// process on the first new-game event, and returns once the inbound stream
// ends or the playback process exits (whichever comes first cancels the
// other).
func Run(ctx context.Context, opts Options) error {
	log := opts.Log
	if log == nil {
		log = logging.L()
	}
	outputDir := opts.OutputDir
	commSpecPath := opts.CommSpecPath
	playbackExecPath := opts.PlaybackExecutablePath
	if outputDir == "" || commSpecPath == "" || playbackExecPath == "" {
		return fmt.Errorf("spectate: OutputDir, CommSpecPath, and PlaybackExecutablePath are required")
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound, err := ConnectInbound(sessionCtx, opts.URL, log)
	if err != nil {
		return err
	}
	defer inbound.Close()

	if opts.Retention.MaxFiles > 0 || opts.Retention.MaxAge > 0 {
		cleaner := replay.NewCleaner(outputDir, opts.Retention, log)
		go cleaner.Run(sessionCtx, 10*time.Minute)
	}

	var playback *PlaybackProcess
	playbackExited := make(chan error, 1)

	writer, err := replay.NewWriter(outputDir, func(path string) error {
		if _, err := WriteCommSpec(commSpecPath, path); err != nil {
			return err
		}
		if playback == nil {
			p, err := StartPlayback(sessionCtx, playbackExecPath, commSpecPath, log)
			if err != nil {
				return err
			}
			playback = p
			go func() {
				err := <-playback.Done()
				playbackExited <- err
				cancel()
			}()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("spectate: create replay writer: %w", err)
	}
	defer writer.Close()

	var playbackErr error
	for {
		select {
		case <-sessionCtx.Done():
			if playback != nil {
				_ = playback.Kill()
			}
			select {
			case playbackErr = <-playbackExited:
			default:
			}
			if inbound.Err() != nil {
				return inbound.Err()
			}
			return playbackErr

		case payload, ok := <-inbound.Payloads():
			if !ok {
				cancel()
				if playback != nil {
					_ = playback.Kill()
					playbackErr = <-playbackExited
				}
				return inbound.Err()
			}
			if _, err := writer.Write(payload); err != nil {
				log.Warn("spectate: rejecting malformed replay blob", logging.Error(err))
				cancel()
				return fmt.Errorf("spectate: write replay event: %w", err)
			}
		}
	}
}
