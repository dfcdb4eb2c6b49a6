package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/IJSComplexMatter/cross-ddm/internal/hw/camera"
	"github.com/IJSComplexMatter/cross-ddm/internal/logic/capture"
)

// maxMessageBytes bounds one framed message (two 16-bit full-frame images fit easily).
const maxMessageBytes = 256 << 20

type kind string

const (
	kindJob   kind = "job"   // parent -> worker
	kindReady kind = "ready" // worker -> parent, cameras armed
	kindGo    kind = "go"    // parent -> worker, start fetching frames
	kindFrame kind = "frame" // worker -> parent
	kindEnd   kind = "end"   // worker -> parent, last message
)

// Job is the acquisition a worker runs.
type Job struct {
	Camera  camera.Settings `msgpack:"camera"`
	Capture capture.Options `msgpack:"capture"`
}

// End is the terminal message. It is sent exactly once and never carries a frame.
type End struct {
	Delivered  int    `msgpack:"delivered"`
	Error      string `msgpack:"error,omitempty"`
	InitCamera int    `msgpack:"init_camera,omitempty"` // set when setup failed
	InitSerial string `msgpack:"init_serial,omitempty"`
}

type message struct {
	Kind kind              `msgpack:"kind"`
	Job  *Job              `msgpack:"job,omitempty"`
	Pair *camera.FramePair `msgpack:"pair,omitempty"`
	End  *End              `msgpack:"end,omitempty"`
}

// writeMessage frames msg as a 4-byte big-endian length followed by msgpack.
func writeMessage(w io.Writer, msg message) error {
	body, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.Kind, err)
	}
	buf := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s message: %w", msg.Kind, err)
	}
	return nil
}

// readMessage reads one framed message. It returns io.EOF only when the
// stream ends cleanly between messages.
func readMessage(r io.Reader) (message, error) {
	var msg message
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return msg, io.EOF
		}
		return msg, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageBytes {
		return msg, fmt.Errorf("message of %d bytes exceeds limit of %d", n, maxMessageBytes)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return msg, fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
