package spectate

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/gcpreston/swb-go/internal/logging"
)

// PlaybackProcess supervises the external mirror-playback executable.
// It is spawned once per spectate session and driven entirely by the
// comm spec file on disk; the process itself is expected to watch that
// file for a changed commandId.
type PlaybackProcess struct {
	cmd  *exec.Cmd
	done chan error
}

// StartPlayback launches execPath with the arguments "-i <commSpecPath>",
// tying the child's lifetime to ctx.
func StartPlayback(ctx context.Context, execPath, commSpecPath string, log *logging.Logger) (*PlaybackProcess, error) {
	if log == nil {
		log = logging.L()
	}
	cmd := exec.CommandContext(ctx, execPath, "-i", commSpecPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spectate: start playback process %s: %w", execPath, err)
	}
	log.Info("spectate: playback process started", logging.String("executable", execPath), logging.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	return &PlaybackProcess{cmd: cmd, done: done}, nil
}

// Done resolves when the playback process exits, carrying its wait error
// (nil for a clean exit).
func (p *PlaybackProcess) Done() <-chan error { return p.done }

// Kill terminates the playback process if still running. Safe to call after
// the process has already exited.
func (p *PlaybackProcess) Kill() error {
	if p == nil || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
