// Package broadcast wires together the source adapters, the multiplexer,
// the frame codec, and the relay client into the end-to-end broadcast
// pipeline: gameplay bytes from one or more sources, framed and forwarded to
// the relay, until every source ends or the relay connection closes.
package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/gcpreston/swb-go/internal/frame"
	"github.com/gcpreston/swb-go/internal/logging"
	"github.com/gcpreston/swb-go/internal/multiplex"
	"github.com/gcpreston/swb-go/internal/relay"
	"github.com/gcpreston/swb-go/internal/source"
)

// Options configures a single broadcast run.
type Options struct {
	// Sources are the raw "scheme://host:port" source strings to connect.
	// Source i is tagged with the relay-assigned BridgeInfo.StreamIDs[i].
	Sources []string
	// Dest is the relay's WebSocket URL, e.g. "wss://host/bridge_socket/websocket".
	Dest string
	Log  *logging.Logger
}

// Result reports the bridge the session broadcast under, for display to the
// operator once the pipeline has connected.
type Result struct {
	BridgeID string
}

// connectedSource pairs a running Stream with the Interrupt used to tear it
// down, plus the endpoint it was dialed from, for logging.
type connectedSource struct {
	endpoint  source.Endpoint
	stream    source.Stream
	interrupt *source.Interrupt
}

// Run connects every configured source, opens the relay session, and drives
// the merge-encode-send pipeline until either all sources end (clean finish)
// or the relay connection is lost (every source is then interrupted so the
// call can return promptly). It blocks until the session is fully torn down.
func Run(ctx context.Context, opts Options) (Result, error) {
	log := opts.Log
	if log == nil {
		log = logging.L()
	}
	if len(opts.Sources) == 0 {
		return Result{}, fmt.Errorf("broadcast: at least one source is required")
	}

	connected, err := connectSources(opts.Sources, log)
	if err != nil {
		interruptAll(connected)
		return Result{}, err
	}
	defer interruptAll(connected)

	client, err := relay.Dial(ctx, opts.Dest, len(connected), log)
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: connect relay: %w", err)
	}
	defer client.Close()

	info, err := client.BridgeInfo(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: await bridge info: %w", err)
	}
	if len(info.StreamIDs) < len(connected) {
		return Result{}, fmt.Errorf("broadcast: relay assigned %d stream ids for %d sources", len(info.StreamIDs), len(connected))
	}

	streams := make([]source.Stream, len(connected))
	for i, c := range connected {
		streams[i] = c.stream
	}
	merged, err := multiplex.Merge(streams, info.StreamIDs)
	if err != nil {
		return Result{}, fmt.Errorf("broadcast: merge sources: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		forward(merged, client, log)
		client.Close()
	}()

	go func() {
		defer wg.Done()
		_ = client.Monitor().WaitForClose(ctx)
		interruptAll(connected)
	}()

	wg.Wait()

	log.Info("broadcast: session ended", logging.String("bridge_id", info.BridgeID))
	return Result{BridgeID: info.BridgeID}, nil
}

// forward drains the merged stream, framing and sending every packet until
// the merge ends (all sources finished) or a send permanently fails.
func forward(merged <-chan multiplex.Packet, client *relay.Client, log *logging.Logger) {
	for pkt := range merged {
		encoded, err := frame.Encode(pkt.StreamID, pkt.Payload)
		if err != nil {
			log.Warn("broadcast: drop malformed packet", logging.Int("stream_id", int(pkt.StreamID)), logging.Error(err))
			continue
		}
		if err := client.Send(encoded); err != nil {
			log.Warn("broadcast: relay send failed, ending forward loop", logging.Error(err))
			return
		}
	}
}

func connectSources(raw []string, log *logging.Logger) ([]connectedSource, error) {
	connected := make([]connectedSource, 0, len(raw))
	for _, r := range raw {
		ep, err := source.ParseEndpoint(r)
		if err != nil {
			return connected, fmt.Errorf("broadcast: parse source %q: %w", r, err)
		}

		var stream source.Stream
		var interrupt *source.Interrupt
		switch ep.Scheme {
		case source.SchemeEmulator:
			stream, interrupt, err = source.ConnectEmulator(ep, log)
		default:
			stream, interrupt, err = source.ConnectConsole(ep, log)
		}
		if err != nil {
			return connected, fmt.Errorf("broadcast: connect source %s: %w", ep, err)
		}
		log.Info("broadcast: source connected", logging.String("endpoint", ep.String()))
		connected = append(connected, connectedSource{endpoint: ep, stream: stream, interrupt: interrupt})
	}
	return connected, nil
}

func interruptAll(connected []connectedSource) {
	for _, c := range connected {
		if c.interrupt != nil {
			c.interrupt.Trigger()
		}
	}
}
