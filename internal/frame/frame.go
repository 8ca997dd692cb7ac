// Package frame implements the wire codec used to multiplex several
// gameplay byte streams over one outbound WebSocket connection: an 8-byte
// little-endian header followed by the payload.
package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed length of the stream_id/length header preceding
// every frame's payload.
const HeaderSize = 8

// Encode builds a complete frame for streamID carrying payload: an 8-byte
// little-endian header followed by the payload bytes. payload must be
// non-empty.
func Encode(streamID uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("frame: payload must not be empty")
	}
	header := EncodeHeader(streamID, uint32(len(payload)))
	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out, nil
}

// EncodeHeader builds the 8-byte little-endian {stream_id, length} header.
func EncodeHeader(streamID, length uint32) []byte {
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], streamID)
	binary.LittleEndian.PutUint32(header[4:8], length)
	return header
}

// Decode splits a complete frame into its stream ID and payload, or reports
// an error if the frame is malformed (too short, or a length that disagrees
// with the remaining bytes).
func Decode(data []byte) (streamID uint32, payload []byte, err error) {
	if len(data) < HeaderSize {
		return 0, nil, fmt.Errorf("frame: too short: need %d header bytes, got %d", HeaderSize, len(data))
	}
	streamID = binary.LittleEndian.Uint32(data[0:4])
	length := binary.LittleEndian.Uint32(data[4:8])
	body := data[HeaderSize:]
	if uint64(length) != uint64(len(body)) {
		return 0, nil, fmt.Errorf("frame: declared length %d does not match body length %d", length, len(body))
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("frame: payload must not be empty")
	}
	payload = make([]byte, len(body))
	copy(payload, body)
	return streamID, payload, nil
}
