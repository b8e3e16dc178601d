package devicefeed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const FRAME_START byte = 0x99

// MaxPayload is the largest payload the 16 bit length field can carry.
const MaxPayload = 0xFFFF

var (
	errBadFrame       = errors.New("bad frame")
	errBufferTooSmall = errors.New("buffer too small")
)

type FrameMessage struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

// ReadMessage reads one frame into msg.Buffer. Payload aliases the buffer
// and is only valid until the next read.
//
//	0x99 | protocol | length (uint16 LE) | payload | '\n'
func ReadMessage(r io.Reader, msg *FrameMessage) error {
	var length int

	if len(msg.Buffer) < 5 {
		return errBufferTooSmall
	}

	_, err := io.ReadFull(r, msg.Buffer[:4])
	if err != nil {
		return err
	}
	if msg.Buffer[0] != FRAME_START {
		return errBadFrame
	}
	length = int(binary.LittleEndian.Uint16(msg.Buffer[2:4]))
	msg.Protocol = msg.Buffer[1]
	msg.Length = length + 5

	if len(msg.Buffer) < msg.Length {
		return fmt.Errorf("%w: frame of %d bytes", errBufferTooSmall, msg.Length)
	}

	_, err = io.ReadFull(r, msg.Buffer[4:msg.Length])
	if err != nil {
		return err
	}
	if msg.Buffer[msg.Length-1] != '\n' {
		return errBadFrame
	}
	msg.Payload = msg.Buffer[4 : msg.Length-1]
	return nil
}

func WriteMessage(w io.Writer, protocol byte, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	b := make([]byte, len(payload)+5)
	b[0] = FRAME_START
	b[1] = protocol
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[4:], payload)
	b[len(b)-1] = '\n'
	_, err := w.Write(b)
	return err
}
