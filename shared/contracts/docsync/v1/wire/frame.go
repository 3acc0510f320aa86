// Package wire implements the length-delimited framing used on docsync TCP connections.
//
// A frame is a 4-byte big-endian body length followed by a JSON-encoded v1.Message.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	v1 "docsync/shared/contracts/docsync/v1"
)

const (
	headerBytes = 4

	// DefaultMaxFrameBytes bounds a single frame body.
	DefaultMaxFrameBytes = 1 << 20 // 1 MiB
)

// ErrFrameTooLarge is returned when a frame header announces a body above the limit.
// The stream cannot be resynchronised after it.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// MalformedError reports a complete frame whose body is not a valid Message.
// The frame has been consumed, so the next Decode starts at a frame boundary.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return fmt.Sprintf("wire: malformed frame: %v", e.Err) }

func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a recoverable MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// Encoder writes frames to an underlying writer.
// Encode is safe for concurrent use; each call writes one whole frame.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg as a single frame.
func (e *Encoder) Encode(msg v1.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}

	buf := make([]byte, headerBytes+len(body))
	binary.BigEndian.PutUint32(buf[:headerBytes], uint32(len(body)))
	copy(buf[headerBytes:], body)

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(buf)
	return err
}

// Decoder reads frames from an underlying reader.
// It is not safe for concurrent use.
type Decoder struct {
	r        io.Reader
	maxBytes uint32
	header   [headerBytes]byte
}

// NewDecoder returns a Decoder reading from r.
// maxFrameBytes <= 0 selects DefaultMaxFrameBytes.
func NewDecoder(r io.Reader, maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{r: r, maxBytes: uint32(maxFrameBytes)}
}

// Decode reads the next frame.
//
// It returns io.EOF when the stream ends cleanly between frames,
// io.ErrUnexpectedEOF when it ends inside a frame, ErrFrameTooLarge for an
// oversized header and *MalformedError for an undecodable body.
func (d *Decoder) Decode() (v1.Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return v1.Message{}, err
	}

	n := binary.BigEndian.Uint32(d.header[:])
	if n > d.maxBytes {
		return v1.Message{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, d.maxBytes)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return v1.Message{}, io.ErrUnexpectedEOF
		}
		return v1.Message{}, err
	}

	var msg v1.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return v1.Message{}, &MalformedError{Err: err}
	}
	return msg, nil
}
