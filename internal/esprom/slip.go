package esprom

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// SLIP framing bytes
const (
	slipEnd    = 0xc0
	slipEsc    = 0xdb
	slipEscEnd = 0xdc
	slipEscEsc = 0xdd
)

var (
	ErrTimeout      = errors.New("timed out waiting for loader response")
	ErrInvalidFrame = errors.New("invalid SLIP frame")
)

// slipEncode wraps packet in a SLIP frame
func slipEncode(packet []byte) []byte {
	out := make([]byte, 0, len(packet)+8)
	out = append(out, slipEnd)
	for _, b := range packet {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

// slipDecode removes the escaping of a frame body (without delimiters)
func slipDecode(body []byte) ([]byte, error) {
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != slipEsc {
			out = append(out, b)
			continue
		}
		i++
		if i == len(body) {
			return nil, ErrInvalidFrame
		}
		switch body[i] {
		case slipEscEnd:
			out = append(out, slipEnd)
		case slipEscEsc:
			out = append(out, slipEsc)
		default:
			return nil, ErrInvalidFrame
		}
	}
	return out, nil
}

// nextFrame extracts the first complete frame from buf. Bytes before the
// opening delimiter (boot messages, noise) are discarded.
func nextFrame(buf []byte) (frame, rest []byte, ok bool, err error) {
	for {
		start := bytes.IndexByte(buf, slipEnd)
		if start < 0 {
			return nil, nil, false, nil
		}
		buf = buf[start:]
		end := bytes.IndexByte(buf[1:], slipEnd)
		if end < 0 {
			return nil, buf, false, nil
		}
		body := buf[1 : end+1]
		rest = buf[end+2:]
		if len(body) == 0 {
			// back-to-back delimiters: the second one opens the next frame
			buf = buf[1:]
			continue
		}
		frame, err = slipDecode(body)
		return frame, rest, true, err
	}
}

// frameReader accumulates bytes from a port and yields SLIP frames
type frameReader struct {
	r       io.Reader
	pending []byte
	buf     []byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r, buf: make([]byte, 512)}
}

// readFrame returns the next frame or ErrTimeout once deadline passes.
// The underlying reader is expected to return (0, nil) on its own read
// timeout.
func (f *frameReader) readFrame(ctx context.Context, deadline time.Time) ([]byte, error) {
	for {
		frame, rest, ok, err := nextFrame(f.pending)
		if ok {
			f.pending = append(f.pending[:0:0], rest...)
			if err != nil {
				continue
			}
			return frame, nil
		}
		f.pending = rest

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimeout
		}

		n, err := f.r.Read(f.buf)
		if n > 0 {
			f.pending = append(f.pending, f.buf[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// reset drops buffered bytes
func (f *frameReader) reset() {
	f.pending = nil
}
