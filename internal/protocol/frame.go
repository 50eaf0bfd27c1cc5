// Package protocol implements the local control channel: POPPO-framed
// JSON messages over a unix socket (named pipe on Windows), a command
// registry on the server side and a request/response client.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout: 5-byte magic, 4-byte big-endian payload length, payload.
var frameMagic = []byte("POPPO")

const (
	frameHeaderLen = 9
	// MaxFrameLen bounds a single message payload. Anything larger is a
	// corrupt or hostile stream.
	MaxFrameLen = 16 << 20
)

var (
	// ErrBadMagic means the stream is misaligned or not ours.
	ErrBadMagic = errors.New("bad frame magic")
	// ErrFrameTooLarge rejects oversized length prefixes.
	ErrFrameTooLarge = errors.New("frame exceeds maximum length")
)

// EncodeFrame wraps a JSON payload in the wire framing.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, frameHeaderLen+len(payload))
	copy(out, frameMagic)
	binary.BigEndian.PutUint32(out[5:9], uint32(len(payload)))
	copy(out[frameHeaderLen:], payload)
	return out
}

// DecodeFrame extracts the first complete frame from buf, returning the
// payload and the residual bytes after it. ok is false when buf does not
// yet hold a whole frame; the caller keeps buf and reads more.
func DecodeFrame(buf []byte) (payload, rest []byte, ok bool, err error) {
	if len(buf) < frameHeaderLen {
		return nil, buf, false, nil
	}
	if !bytes.Equal(buf[:5], frameMagic) {
		return nil, buf, false, ErrBadMagic
	}
	n := binary.BigEndian.Uint32(buf[5:9])
	if n > MaxFrameLen {
		return nil, buf, false, ErrFrameTooLarge
	}
	total := frameHeaderLen + int(n)
	if len(buf) < total {
		return nil, buf, false, nil
	}
	return buf[frameHeaderLen:total], buf[total:], true, nil
}

// WriteFrame encodes and writes one frame.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(EncodeFrame(payload))
	return err
}

// ReadFrame blocks until one whole frame is read from r and returns its
// payload. The bufio.Reader carries any residual bytes into the next
// call, so back-to-back frames in a single write are each seen intact.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[:5], frameMagic) {
		return nil, fmt.Errorf("%w: % x", ErrBadMagic, header[:5])
	}
	n := binary.BigEndian.Uint32(header[5:9])
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
