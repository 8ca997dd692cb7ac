package multiplex

import (
	"testing"
	"time"

	"github.com/gcpreston/swb-go/internal/source"
)

type fakeStream struct {
	payloads chan []byte
}

func newFakeStream(blobs ...[]byte) *fakeStream {
	s := &fakeStream{payloads: make(chan []byte, len(blobs)+1)}
	for _, b := range blobs {
		s.payloads <- b
	}
	close(s.payloads)
	return s
}

func (s *fakeStream) Payloads() <-chan []byte { return s.payloads }
func (s *fakeStream) Err() error              { return nil }

var _ source.Stream = (*fakeStream)(nil)

func drain(t *testing.T, out <-chan Packet, timeout time.Duration) []Packet {
	t.Helper()
	var got []Packet
	deadline := time.After(timeout)
	for {
		select {
		case pkt, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, pkt)
		case <-deadline:
			t.Fatal("timed out draining merged packets")
		}
	}
}

func TestMergePreservesWithinStreamOrder(t *testing.T) {
	a := newFakeStream([]byte("a1"), []byte("a2"), []byte("a3"))
	b := newFakeStream([]byte("b1"), []byte("b2"))

	out, err := Merge([]source.Stream{a, b}, []uint32{10, 20})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	got := drain(t, out, 2*time.Second)
	if len(got) != 5 {
		t.Fatalf("expected 5 packets, got %d", len(got))
	}

	var aOrder, bOrder []string
	for _, pkt := range got {
		switch pkt.StreamID {
		case 10:
			aOrder = append(aOrder, string(pkt.Payload))
		case 20:
			bOrder = append(bOrder, string(pkt.Payload))
		default:
			t.Fatalf("unexpected stream id %d", pkt.StreamID)
		}
	}
	wantA := []string{"a1", "a2", "a3"}
	wantB := []string{"b1", "b2"}
	for i, v := range wantA {
		if aOrder[i] != v {
			t.Fatalf("stream a order = %v, want %v", aOrder, wantA)
		}
	}
	for i, v := range wantB {
		if bOrder[i] != v {
			t.Fatalf("stream b order = %v, want %v", bOrder, wantB)
		}
	}
}

func TestMergeEndsOnlyWhenAllStreamsEnd(t *testing.T) {
	a := newFakeStream([]byte("solo"))
	slow := &fakeStream{payloads: make(chan []byte)}

	out, err := Merge([]source.Stream{a, slow}, []uint32{1, 2})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	select {
	case pkt := <-out:
		if string(pkt.Payload) != "solo" {
			t.Fatalf("unexpected payload %q", pkt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first packet")
	}

	select {
	case _, ok := <-out:
		if !ok {
			t.Fatal("merge ended before the slow stream closed")
		}
		t.Fatal("unexpected extra packet")
	case <-time.After(100 * time.Millisecond):
		// expected: merge still open, waiting on the slow stream
	}

	close(slow.payloads)

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("expected merge channel to close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for merge to close")
	}
}

func TestMergeRejectsTooFewStreamIDs(t *testing.T) {
	a := newFakeStream([]byte("x"))
	if _, err := Merge([]source.Stream{a}, nil); err == nil {
		t.Fatal("expected error when stream_ids is shorter than streams")
	}
}

func TestMergeFiltersEmptyPayloads(t *testing.T) {
	a := newFakeStream([]byte("keep"), []byte{}, []byte("also-keep"))
	out, err := Merge([]source.Stream{a}, []uint32{1})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	got := drain(t, out, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected empty payload to be filtered, got %d packets", len(got))
	}
}
