package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultMaxLineSize bounds a single header line.
	DefaultMaxLineSize = 8192

	// DefaultMaxBodySize bounds the declared Content-Length of a frame.
	DefaultMaxBodySize = 16 << 20
)

var (
	ErrDecode               = errors.New("Frame could not be decoded")
	ErrMalformedHeader      = errors.New("Header line is malformed, it appears to be missing a ':' between the name and the value")
	ErrInvalidContentLength = errors.New("Content-Length is not a valid length")
	ErrLineTooLong          = errors.New("Header line is longer than the maximum line size")
	ErrBodyTooLarge         = errors.New("Body is larger than the maximum body size")
	ErrUnexpectedEOF        = errors.New("Frame is malformed, received EOF before parsing a full frame")
)

// DecodeError is returned when the byte stream can no longer be trusted. Once
// a Decoder has returned a DecodeError it returns the same error forever.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDecode, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) true for every DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

type DecoderOptions struct {
	// MaxLineSize bounds each header line, defaults to DefaultMaxLineSize
	MaxLineSize int

	// MaxBodySize bounds Content-Length, defaults to DefaultMaxBodySize
	MaxBodySize int
}

// Decoder reads frames from a byte stream. The stream may be fragmented
// arbitrarily, the decoder buffers partial frames until they are complete.
//
// A Decoder is not safe for concurrent use, there should be exactly one
// reader per connection.
type Decoder struct {
	r *bufio.Reader

	maxLineSize int
	maxBodySize int

	// err is sticky, see DecodeError
	err error
}

func NewDecoder(r io.Reader, options DecoderOptions) *Decoder {
	if options.MaxLineSize <= 0 {
		options.MaxLineSize = DefaultMaxLineSize
	}

	if options.MaxBodySize <= 0 {
		options.MaxBodySize = DefaultMaxBodySize
	}

	return &Decoder{
		r:           bufio.NewReader(r),
		maxLineSize: options.MaxLineSize,
		maxBodySize: options.MaxBodySize,
	}
}

// ReadMessage reads bytes from the underlying Reader until a full frame has
// been decoded.
//
// It returns io.EOF when the stream ends cleanly between two frames, a
// *DecodeError when the stream is malformed or ends mid frame, and any other
// error from the underlying Reader as is.
func (d *Decoder) ReadMessage() (*Message, error) {
	if d.err != nil {
		return nil, d.err
	}

	msg, err := d.readMessage()
	if err != nil {
		d.err = err
		return nil, err
	}

	return msg, nil
}

func (d *Decoder) readMessage() (*Message, error) {
	msg := &Message{}

	for {
		line, err := d.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(msg.Headers) == 0 {
				return nil, io.EOF
			}

			if errors.Is(err, io.EOF) {
				return nil, &DecodeError{Err: ErrUnexpectedEOF}
			}

			return nil, err
		}

		if len(line) == 0 {
			if len(msg.Headers) == 0 {
				// Stray blank line between frames
				continue
			}

			break
		}

		header, err := ParseHeader(line)
		if err != nil {
			return nil, &DecodeError{Err: err}
		}

		msg.Headers = append(msg.Headers, header)
	}

	length, ok, err := msg.ContentLength()
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	if !ok {
		return msg, nil
	}

	if length > d.maxBodySize {
		return nil, &DecodeError{Err: fmt.Errorf("%d bytes: %w", length, ErrBodyTooLarge)}
	}

	msg.Body = make([]byte, length)
	if _, err := io.ReadFull(d.r, msg.Body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, &DecodeError{Err: ErrUnexpectedEOF}
		}

		return nil, err
	}

	return msg, nil
}

// readLine returns the next line without its terminator. It returns io.EOF
// only if the stream ended before any byte of the line was read, a partial
// trailing line is reported as a DecodeError.
func (d *Decoder) readLine() ([]byte, error) {
	var line []byte

	for {
		chunk, err := d.r.ReadSlice('\n')
		if len(line)+len(chunk) > d.maxLineSize+2 {
			return nil, &DecodeError{Err: ErrLineTooLong}
		}

		switch {
		case err == nil:
			// Avoid the copy if the first read produced a full line.
			if line == nil {
				line = chunk
			} else {
				line = append(line, chunk...)
			}

			line = line[:len(line)-1]
			if len(line) == 0 {
				return line, nil
			}

			line = RemoveTrailingCR(line)
			if len(line) > d.maxLineSize {
				return nil, &DecodeError{Err: ErrLineTooLong}
			}

			return bytes.Clone(line), nil

		case errors.Is(err, bufio.ErrBufferFull):
			line = append(line, chunk...)

		case errors.Is(err, io.EOF):
			if len(line)+len(chunk) == 0 {
				return nil, io.EOF
			}

			return nil, &DecodeError{Err: ErrUnexpectedEOF}

		default:
			return nil, err
		}
	}
}

// ParseHeader splits a raw header line on its first ':'. Leading whitespace
// is trimmed from the value.
func ParseHeader(line []byte) (Header, error) {
	idx := bytes.IndexByte(line, ':')
	if idx <= 0 {
		return Header{}, fmt.Errorf("Failed to parse '%s': %w", string(line), ErrMalformedHeader)
	}

	return Header{
		Name:  string(line[:idx]),
		Value: string(bytes.TrimLeft(line[idx+1:], " \t")),
	}, nil
}

// RemoveTrailingCR strips an optional trailing '\r'.
func RemoveTrailingCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[:len(data)-1]
	}

	return data
}
