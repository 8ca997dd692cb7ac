// Package replay incrementally parses an inbound replay event stream and
// materializes it as a sequence of on-disk game files, rolling over to a new
// file each time a fresh game is observed.
package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	tagPayloadSizes byte = 0x35
	tagGameStart    byte = 0x36
	tagGameEnd      byte = 0x39
)

// payloadSizes maps an event tag to the number of body bytes that follow it.
type payloadSizes map[byte]uint16

// GameFileNamer produces the filename used for a newly started game file.
// NewWriter installs DefaultGameFileNamer; tests pin the writer's clock
// instead of replacing the namer. If the name is already taken, the writer
// adds a numeric suffix (Game_..._2.slp).
type GameFileNamer func(startedAt time.Time) string

// DefaultGameFileNamer reproduces the on-disk naming convention
// `Game_YYYYMMDDHHMMSS.slp`.
func DefaultGameFileNamer(startedAt time.Time) string {
	return fmt.Sprintf("Game_%s.slp", startedAt.Format("20060102150405"))
}

// Writer consumes boundary-aligned replay event blobs and writes each event
// verbatim to the current game file, rolling the file over whenever a new
// Event Payload Sizes event (tag 0x35) is observed.
//
// Write, CurrentPath and Close take the writer's mutex, so concurrent calls
// are serialized (the spectate pipeline has exactly one writer goroutine per
// session).
type Writer struct {
	mu        sync.Mutex
	outputDir string
	namer     GameFileNamer
	now       func() time.Time
	onNewGame func(path string) error

	sizes       payloadSizes
	currentFile *os.File
	currentPath string
	// orphaned holds files from games that were superseded by a mid-game
	// rollover (a new 0x35 observed before that game's 0x39 arrived). Per
	// the writer's invariant, such files are never closed by the rollover
	// itself; only a Game-End event or Writer.Close terminates them.
	orphaned []*os.File
}

// NewWriter constructs a Writer that rolls files into outputDir. onNewGame,
// if non-nil, is invoked synchronously every time a new game file is opened
// (the spectate pipeline uses this hook to drive mirror control).
func NewWriter(outputDir string, onNewGame func(path string) error) (*Writer, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("replay: output directory must be provided")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("replay: create output directory: %w", err)
	}
	return &Writer{
		outputDir: outputDir,
		namer:     DefaultGameFileNamer,
		now:       time.Now,
		onNewGame: onNewGame,
	}, nil
}

// CurrentPath returns the path of the currently open game file, or "" if
// none is open.
func (w *Writer) CurrentPath() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// Write consumes zero or more complete, boundary-aligned replay events from
// blob and writes each verbatim to the current game file. It satisfies
// io.Writer.
func (w *Writer) Write(blob []byte) (int, error) {
	if w == nil {
		return 0, fmt.Errorf("replay: writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	offset := 0
	for offset < len(blob) {
		tag := blob[offset]

		if tag == tagPayloadSizes {
			if offset+1 >= len(blob) {
				return offset, fmt.Errorf("replay: truncated payload sizes event")
			}
			size := int(blob[offset+1])
			bodyStart := offset + 1
			if size%3 != 1 {
				return offset, fmt.Errorf("replay: invalid payload sizes length %d", size)
			}
			if bodyStart+size > len(blob) {
				return offset, fmt.Errorf("replay: truncated payload sizes body")
			}
			body := blob[bodyStart : bodyStart+size]
			sizes, err := parsePayloadSizes(body[1:])
			if err != nil {
				return offset, err
			}
			if err := w.rolloverLocked(sizes); err != nil {
				return offset, err
			}
			if err := w.writeEventLocked(tag, body); err != nil {
				return offset, err
			}
			offset = bodyStart + size
			continue
		}

		if w.sizes == nil {
			return offset, fmt.Errorf("replay: stream not aligned: expected event payload sizes (0x35) first, got %#02x", tag)
		}
		length, ok := w.sizes[tag]
		if !ok {
			return offset, fmt.Errorf("replay: unknown event tag %#02x", tag)
		}
		bodyStart := offset + 1
		bodyEnd := bodyStart + int(length)
		if bodyEnd > len(blob) {
			return offset, fmt.Errorf("replay: truncated event body for tag %#02x", tag)
		}
		body := blob[bodyStart:bodyEnd]
		if err := w.writeEventLocked(tag, body); err != nil {
			return offset, err
		}
		offset = bodyEnd

		if tag == tagGameEnd {
			w.closeCurrentLocked()
			w.sizes = nil
		}
	}
	return len(blob), nil
}

// parsePayloadSizes decodes the body of an Event Payload Sizes event: a
// sequence of {code_u8, size_u16_big_endian} triples. The sizes map must
// contain GameStart (0x36) and GameEnd (0x39), per the on-wire contract.
func parsePayloadSizes(body []byte) (payloadSizes, error) {
	if len(body)%3 != 0 {
		return nil, fmt.Errorf("replay: payload sizes body length %d not a multiple of 3", len(body))
	}
	sizes := make(payloadSizes, len(body)/3)
	for i := 0; i < len(body); i += 3 {
		code := body[i]
		size := uint16(body[i+1])<<8 | uint16(body[i+2])
		sizes[code] = size
	}
	if _, ok := sizes[tagGameStart]; !ok {
		return nil, fmt.Errorf("replay: payload sizes missing game start (0x36)")
	}
	if _, ok := sizes[tagGameEnd]; !ok {
		return nil, fmt.Errorf("replay: payload sizes missing game end (0x39)")
	}
	return sizes, nil
}

// rolloverLocked opens a new game file and invokes the new-game hook. If a
// previous game's file is still open (no Game-End event arrived for it), it
// is parked as orphaned rather than closed, per the writer's invariant that
// a new game never implicitly closes the one before it. Callers must hold
// w.mu.
func (w *Writer) rolloverLocked(sizes payloadSizes) error {
	if w.currentFile != nil {
		w.orphaned = append(w.orphaned, w.currentFile)
		w.currentFile = nil
		w.currentPath = ""
	}

	name := w.namer(w.now().UTC())
	path := filepath.Join(w.outputDir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	// A name already in use (two games started in the same second) gets a
	// numeric suffix rather than truncating the earlier game's file.
	ext := filepath.Ext(name)
	for n := 2; os.IsExist(err); n++ {
		path = filepath.Join(w.outputDir, fmt.Sprintf("%s_%d%s", name[:len(name)-len(ext)], n, ext))
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	}
	if err != nil {
		return fmt.Errorf("replay: create game file: %w", err)
	}
	w.currentFile = file
	w.currentPath = path
	w.sizes = sizes

	if w.onNewGame != nil {
		if err := w.onNewGame(path); err != nil {
			return fmt.Errorf("replay: new game hook: %w", err)
		}
	}
	return nil
}

func (w *Writer) writeEventLocked(tag byte, body []byte) error {
	if w.currentFile == nil {
		// No game file is open, so the event is discarded. Write does not
		// drop events that arrive before a payload-sizes event: it returns
		// an error for them before reaching this point.
		return nil
	}
	if _, err := w.currentFile.Write([]byte{tag}); err != nil {
		return fmt.Errorf("replay: write event tag: %w", err)
	}
	if _, err := w.currentFile.Write(body); err != nil {
		return fmt.Errorf("replay: write event body: %w", err)
	}
	return nil
}

func (w *Writer) closeCurrentLocked() {
	if w.currentFile == nil {
		return
	}
	_ = w.currentFile.Close()
	w.currentFile = nil
	w.currentPath = ""
}

// Close releases the currently open game file, if any, along with any
// orphaned files left open by mid-game rollovers. It does not reset the
// writer's payload-sizes state; callers tearing down a session should
// discard the Writer entirely.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeCurrentLocked()
	for _, f := range w.orphaned {
		_ = f.Close()
	}
	w.orphaned = nil
	return nil
}
