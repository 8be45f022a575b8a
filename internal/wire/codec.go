package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Command is the one-byte tag carried by every frame.
type Command uint8

// Protocol commands. The numeric values are part of the wire contract and
// must match on both ends of a connection.
const (
	CmdHello   Command = 0
	CmdReady   Command = 1
	CmdWorking Command = 2
	CmdUnable  Command = 3
	CmdDone    Command = 4
	CmdAbort   Command = 5
)

var commandNames = [...]string{
	CmdHello:   "HELLO",
	CmdReady:   "READY",
	CmdWorking: "WORKING",
	CmdUnable:  "UNABLE",
	CmdDone:    "DONE",
	CmdAbort:   "ABORT",
}

// String returns the protocol name of the command.
func (c Command) String() string {
	if c.Valid() {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Valid reports whether c is one of the known protocol commands.
func (c Command) Valid() bool {
	return int(c) < len(commandNames)
}

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds the length field (command plus payload).
	DefaultMaxFrameSize = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame's length exceeds the maximum
	// message size, either on encode or when a header is decoded.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

	// ErrEmptyFrame is returned when a header declares a zero length, which
	// leaves no room for the command byte.
	ErrEmptyFrame = errors.New("frame has no command byte")
)

// Frame is one decoded message.
type Frame struct {
	Payload []byte
	Command Command
}

// Encode serializes a frame. It fails with ErrFrameTooLarge when the command
// and payload together exceed max; nothing is produced in that case.
func Encode(cmd Command, payload []byte, max int) ([]byte, error) {
	size := len(payload) + 1
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	if size > max {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%s frame of %d bytes (max %d)", cmd, size, max)
	}

	buf := make([]byte, HeaderSize+size)
	binary.BigEndian.PutUint32(buf, uint32(size))
	buf[HeaderSize] = byte(cmd)
	copy(buf[HeaderSize+1:], payload)
	return buf, nil
}

// WriteFrame encodes a frame and writes it to w in a single Write call.
func WriteFrame(w io.Writer, cmd Command, payload []byte, max int) error {
	buf, err := Encode(cmd, payload, max)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrapf(err, "write %s frame", cmd)
	}
	return nil
}

// Decoder reassembles frames from arbitrarily split chunks of a byte stream.
// A Decoder is not safe for concurrent use; each connection owns one.
type Decoder struct {
	buf []byte
	max int
	// pending is the length of the frame whose header has been consumed but
	// whose body is not complete yet. Zero means a header is expected next.
	pending int
}

// NewDecoder returns a decoder that rejects frames longer than max.
// A non-positive max selects DefaultMaxFrameSize.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &Decoder{max: max}
}

// Feed appends p to the decoder's buffer and returns every frame that is now
// complete, in stream order. On ErrFrameTooLarge or ErrEmptyFrame the frames
// decoded before the bad header are still returned, the buffered bytes are
// discarded and the stream must be considered unusable.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	off := 0
	for {
		if d.pending == 0 {
			if len(d.buf)-off < HeaderSize {
				break
			}
			size := binary.BigEndian.Uint32(d.buf[off:])
			if size == 0 {
				d.reset()
				return frames, ErrEmptyFrame
			}
			if uint64(size) > uint64(d.max) {
				d.reset()
				return frames, errors.Wrapf(ErrFrameTooLarge, "declared length %d (max %d)", size, d.max)
			}
			d.pending = int(size)
			off += HeaderSize
		}

		if len(d.buf)-off < d.pending {
			break
		}

		body := d.buf[off : off+d.pending]
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		frames = append(frames, Frame{Command: Command(body[0]), Payload: payload})

		off += d.pending
		d.pending = 0
	}

	// Keep only the unconsumed tail.
	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	return frames, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) reset() {
	d.buf = d.buf[:0]
	d.pending = 0
}

// Reader pulls frames from an io.Reader one at a time, reading in chunks and
// feeding them through a Decoder.
type Reader struct {
	r     io.Reader
	err   error
	dec   *Decoder
	chunk []byte
	queue []Frame
}

// NewReader wraps r. Frames longer than max are rejected.
func NewReader(r io.Reader, max int) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(max),
		chunk: make([]byte, 32*1024),
	}
}

// Next blocks until a complete frame is available. It returns io.EOF when the
// stream ends cleanly on a frame boundary and io.ErrUnexpectedEOF when it ends
// inside a frame. Once an error has been returned every later call returns it
// too; frames decoded before the error are delivered first.
func (r *Reader) Next() (Frame, error) {
	for len(r.queue) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}

		n, err := r.r.Read(r.chunk)
		if n > 0 {
			frames, derr := r.dec.Feed(r.chunk[:n])
			r.queue = append(r.queue, frames...)
			if derr != nil {
				r.err = derr
				continue
			}
		}
		if err != nil {
			if err == io.EOF && r.dec.Buffered() > 0 {
				err = io.ErrUnexpectedEOF
			}
			r.err = err
		}
	}

	f := r.queue[0]
	r.queue = r.queue[1:]
	return f, nil
}
