// Package multiplex fans a set of independent source byte-streams into one
// ordered sequence of (stream_id, payload) pairs, preserving each source's
// own order while giving no source priority over another.
package multiplex

import (
	"fmt"
	"sync"

	"github.com/gcpreston/swb-go/internal/source"
)

// Packet is one (stream_id, payload) pair produced by the merge.
type Packet struct {
	StreamID uint32
	Payload  []byte
}

// Merge fans streams into a single channel of Packets, tagging each stream's
// payloads with the corresponding entry of streamIDs (positional
// assignment). streamIDs must be at least as long as streams. The returned
// channel closes once every input stream has ended; a single stream ending
// early does not end the merge. Each source goroutine runs independently,
// so no source can starve another of delivery.
func Merge(streams []source.Stream, streamIDs []uint32) (<-chan Packet, error) {
	if len(streamIDs) < len(streams) {
		return nil, fmt.Errorf("multiplex: got %d stream ids for %d streams", len(streamIDs), len(streams))
	}

	out := make(chan Packet)
	var wg sync.WaitGroup
	wg.Add(len(streams))

	for i, stream := range streams {
		id := streamIDs[i]
		go func(stream source.Stream, id uint32) {
			defer wg.Done()
			for payload := range stream.Payloads() {
				if len(payload) == 0 {
					continue
				}
				out <- Packet{StreamID: id, Payload: payload}
			}
		}(stream, id)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}
