package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	LineTerminator    = []byte("\n")
	MessageTerminator = []byte("\n\n")
)

// ErrInvalidCommand means a command would not go out as exactly one command,
// and so could not be paired with exactly one reply.
var ErrInvalidCommand = errors.New("Invalid command")

// ValidateCommand checks that command encodes to a single command line. A
// trailing line terminator is allowed, EncodeCommand drops it.
func ValidateCommand(command string) error {
	command = strings.TrimRight(command, "\r\n")

	if command == "" {
		return fmt.Errorf("%w: command is empty", ErrInvalidCommand)
	}

	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: command contains a line break", ErrInvalidCommand)
	}

	return nil
}

// ValidateMultiLineCommand checks that lines encode to a single multi line
// command: at least one line, none of them blank or holding a line break.
func ValidateMultiLineCommand(lines []string) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: command has no lines", ErrInvalidCommand)
	}

	for n, line := range lines {
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			return fmt.Errorf("%w: line %d is blank", ErrInvalidCommand, n+1)
		}

		if strings.ContainsAny(line, "\r\n") {
			return fmt.Errorf("%w: line %d contains a line break", ErrInvalidCommand, n+1)
		}
	}

	return nil
}

// EncodeCommand serialises a single line command, terminated by a blank line.
func EncodeCommand(command string) []byte {
	command = strings.TrimRight(command, "\r\n")

	b := make([]byte, 0, len(command)+len(MessageTerminator))
	b = append(b, command...)
	return append(b, MessageTerminator...)
}

// EncodeMultiLineCommand serialises a multi line command: every line followed
// by a line terminator, then a final blank line.
func EncodeMultiLineCommand(lines []string) []byte {
	var buf bytes.Buffer

	for _, line := range lines {
		buf.WriteString(strings.TrimRight(line, "\r\n"))
		buf.Write(LineTerminator)
	}

	buf.Write(LineTerminator)
	return buf.Bytes()
}

func WriteCommand(w io.Writer, command string) error {
	_, err := w.Write(EncodeCommand(command))
	return err
}

func WriteMultiLineCommand(w io.Writer, lines []string) error {
	_, err := w.Write(EncodeMultiLineCommand(lines))
	return err
}

// EncodeMessage serialises msg as a frame. When msg has a body its
// Content-Length header is set to match.
func EncodeMessage(msg *Message) []byte {
	var buf bytes.Buffer

	headers := msg.Headers
	if len(msg.Body) > 0 {
		framed := &Message{Headers: append([]Header(nil), msg.Headers...)}
		framed.Set(HeaderContentLength, strconv.Itoa(len(msg.Body)))
		headers = framed.Headers
	}

	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.Write(LineTerminator)
	}

	buf.Write(LineTerminator)
	buf.Write(msg.Body)

	return buf.Bytes()
}

func WriteMessage(w io.Writer, msg *Message) error {
	_, err := w.Write(EncodeMessage(msg))
	return err
}
