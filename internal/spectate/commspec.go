package spectate

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
)

// commandIDAlphabet is the character set used for generated command IDs. It
// deliberately avoids google/uuid: the mirror control file's commandId is a
// bare 16-character alphanumeric token, not a UUID.
const commandIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// commandIDLength is the fixed length of a generated command ID.
const commandIDLength = 16

// GenerateCommandID returns a random 16-character alphanumeric token
// identifying one mirror control instruction.
func GenerateCommandID() string {
	buf := make([]byte, commandIDLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// fall back to a fixed-but-valid token rather than panicking.
		for i := range buf {
			buf[i] = commandIDAlphabet[0]
		}
	}
	out := make([]byte, commandIDLength)
	for i, b := range buf {
		out[i] = commandIDAlphabet[int(b)%len(commandIDAlphabet)]
	}
	return string(out)
}

// CommSpec is the on-disk mirror communication specification the playback
// process reads to learn which replay file to follow.
type CommSpec struct {
	Mode      string `json:"mode"`
	CommandID string `json:"commandId"`
	Replay    string `json:"replay"`
}

// WriteCommSpec writes the mirror communication spec to path, generating a
// fresh command ID for replayPath.
func WriteCommSpec(path, replayPath string) (CommSpec, error) {
	spec := CommSpec{
		Mode:      "mirror",
		CommandID: GenerateCommandID(),
		Replay:    replayPath,
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return CommSpec{}, fmt.Errorf("spectate: encode comm spec: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return CommSpec{}, fmt.Errorf("spectate: write comm spec %s: %w", path, err)
	}
	return spec, nil
}
