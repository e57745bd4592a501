// Package protocol defines the command bridge framing.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	pb "github.com/NicolasHaas/gatekeep/pkg/protocol/pb"
)

// MaxControlMessage is the maximum bridge message size (64KB).
const MaxControlMessage = 65536

// ErrMessageTooLarge is returned for frames above MaxControlMessage.
var ErrMessageTooLarge = errors.New("protocol: message too large")

// WriteControlMessage writes a length-prefixed JSON message in a single
// Write call. Format: [4-byte big-endian length][JSON payload]
func WriteControlMessage(w io.Writer, msg *pb.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxControlMessage {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(data))) //nolint:gosec // length already bounds-checked above
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

// ReadControlMessage reads a length-prefixed JSON message. A clean EOF
// before the length prefix is returned unwrapped as io.EOF.
func ReadControlMessage(r io.Reader) (*pb.ControlMessage, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxControlMessage {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	msg := &pb.ControlMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return msg, nil
}
