package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	ndgerrors "github.com/nakamochi/ndg/errors"
)

// ProtocolVersion is the single byte written after the length prefix of
// every frame. Bumping it is a breaking wire change.
const ProtocolVersion byte = 1

// maxMessageBytes bounds a single frame's payload so a corrupt or hostile
// peer can't make the daemon allocate unbounded memory for a length
// prefix.
const maxMessageBytes = 4 << 20 // 4 MiB

// Encoder writes framed Envelope messages: a 4-byte big-endian length
// (covering the version byte plus the JSON body), the version byte, then
// the JSON body.
type Encoder struct {
	w *bufio.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// WriteEnvelope frames and flushes kind/payload in one call.
func (e *Encoder) WriteEnvelope(kind string, payload interface{}) error {
	body, err := Encode(kind, payload)
	if err != nil {
		return err
	}
	return e.writeFrame(body)
}

func (e *Encoder) writeFrame(body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)+1))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if err := e.w.WriteByte(ProtocolVersion); err != nil {
		return err
	}
	if _, err := e.w.Write(body); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads framed Envelope messages written by Encoder.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadEnvelope blocks for the next frame. A clean peer disconnect (the UI
// pipe closing between frames) surfaces as io.EOF, which callers treat as
// an EndOfStream, not a protocol error.
func (d *Decoder) ReadEnvelope() (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || int64(n) > maxMessageBytes {
		return Envelope{}, ndgerrors.ErrMessageTooLarge
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(d.r, frame); err != nil {
		// A frame header with no body behind it (peer died mid-write) is
		// always a protocol error, never treated as a clean EndOfStream.
		if err == io.EOF {
			return Envelope{}, io.ErrUnexpectedEOF
		}
		return Envelope{}, err
	}

	version, body := frame[0], frame[1:]
	if version != ProtocolVersion {
		return Envelope{}, ndgerrors.ErrProtocolVersion
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// IsEndOfStream reports whether err represents a graceful peer
// disconnect, as opposed to a protocol violation or transport error.
func IsEndOfStream(err error) bool {
	return err == io.EOF
}
