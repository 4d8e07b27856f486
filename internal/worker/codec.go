package worker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andresmejia3/identity/internal/types"
	"github.com/vmihailenco/msgpack/v5"
)

// maxFrame bounds a single message; a full template set for one request must fit.
const maxFrame = 512 * 1024 * 1024

// WriteFrame encodes msg as [uint32 length][msgpack body].
func WriteFrame(w io.Writer, msg types.Message) error {
	body, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Kind, err)
	}
	if len(body) > maxFrame {
		return fmt.Errorf("%s message too large: %d bytes", msg.Kind, len(body))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed message. io.EOF is returned untouched
// when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (types.Message, error) {
	var msg types.Message

	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return msg, err
	}
	size := binary.BigEndian.Uint32(header)
	if size > maxFrame {
		return msg, fmt.Errorf("frame too large: %d bytes", size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return msg, fmt.Errorf("truncated frame: %w", err)
	}
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode frame: %w", err)
	}
	return msg, msg.Validate()
}
