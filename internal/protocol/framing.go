package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire framing:
//
//	+--------+-----------------+----------------+
//	| "MKSF" | uint32 len (BE) | JSON frame body |
//	+--------+-----------------+----------------+
//
// The marker lets a reader detect a desynchronized stream instead of
// interpreting random bytes as a length.
var Magic = [4]byte{'M', 'K', 'S', 'F'}

const (
	headerLen = 8
	// DefaultMaxFrame bounds a single body; upload chunks are the largest frames.
	DefaultMaxFrame = 16 << 20
)

// AppendFraming encodes f and prefixes the magic marker and body length.
func AppendFraming(f *Frame) ([]byte, error) {
	body, err := Encode(f)
	if err != nil {
		return nil, err
	}
	return frameBytes(body), nil
}

func frameBytes(body []byte) []byte {
	out := make([]byte, headerLen+len(body))
	copy(out[0:4], Magic[:])
	binary.BigEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[headerLen:], body)
	return out
}

// WriteFrame writes one framed message to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := AppendFraming(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one framed body from r. maxBody <= 0 means DefaultMaxFrame.
// A bad marker or oversize length leaves the stream unusable; the caller
// should drop the connection.
func ReadFrame(r io.Reader, maxBody int) ([]byte, error) {
	if maxBody <= 0 {
		maxBody = DefaultMaxFrame
	}
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[0:4], Magic[:]) {
		return nil, fmt.Errorf("%w: %q", ErrBadMagic, hdr[0:4])
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if int64(length) > int64(maxBody) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Reader wraps a connection for repeated frame reads.
type Reader struct {
	r       *bufio.Reader
	maxBody int
}

func NewReader(r io.Reader, maxBody int) *Reader {
	return &Reader{r: bufio.NewReader(r), maxBody: maxBody}
}

// Next returns the next frame body.
func (fr *Reader) Next() ([]byte, error) {
	return ReadFrame(fr.r, fr.maxBody)
}
