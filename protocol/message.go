package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Header is a single `Name: Value` pair.
type Header struct {
	Name  string
	Value string
}

// Message is a decoded frame. Headers keep their wire order, Body is nil for
// header-only frames.
type Message struct {
	Headers []Header
	Body    []byte
}

// CommandError is returned by ErrorOrNil when the engine rejected a command.
type CommandError struct {
	Text string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("Command rejected: %s", e.Text)
}

// Get returns the value of the first header called name.
func (m *Message) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}

	return "", false
}

// Header returns the value of the first header called name, or "".
func (m *Message) Header(name string) string {
	v, _ := m.Get(name)
	return v
}

func (m *Message) HasHeader(name string) bool {
	_, ok := m.Get(name)
	return ok
}

// Set replaces the value of the first header called name, or appends it.
func (m *Message) Set(name, value string) {
	for i := range m.Headers {
		if m.Headers[i].Name == name {
			m.Headers[i].Value = value
			return
		}
	}

	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

func (m *Message) ContentType() string {
	return m.Header(HeaderContentType)
}

// ContentLength returns the declared body length. ok is false when the frame
// has no Content-Length header.
func (m *Message) ContentLength() (length int, ok bool, err error) {
	raw, ok := m.Get(HeaderContentLength)
	if !ok {
		return 0, false, nil
	}

	length, err = strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || length < 0 {
		return 0, true, fmt.Errorf("Failed to parse '%s': %w", raw, ErrInvalidContentLength)
	}

	return length, true, nil
}

func (m *Message) ReplyText() string {
	return m.Header(HeaderReplyText)
}

// JobUUID returns the Job-UUID header of a bgapi reply.
func (m *Message) JobUUID() (string, bool) {
	id, ok := m.Get(HeaderJobUUID)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}

	return id, true
}

// IsOK reports whether a command reply or api response signals success.
func (m *Message) IsOK() bool {
	return m.ErrorOrNil() == nil
}

// ErrorOrNil returns an error if the engine rejected the command this message
// answers. Otherwise it returns nil.
func (m *Message) ErrorOrNil() error {
	switch ContentType(m.ContentType()) {
	case ContentCommandReply:
		text := m.ReplyText()
		if strings.HasPrefix(text, ReplyErr) {
			return &CommandError{Text: strings.TrimSpace(strings.TrimPrefix(text, ReplyErr))}
		}

	case ContentAPIResponse:
		if strings.HasPrefix(string(m.Body), ReplyErr) {
			return &CommandError{Text: strings.TrimSpace(strings.TrimPrefix(string(m.Body), ReplyErr))}
		}
	}

	return nil
}

func (m *Message) String() string {
	var b strings.Builder

	for _, h := range m.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}

	if len(m.Body) > 0 {
		b.WriteByte('\n')
		b.Write(m.Body)
	}

	return b.String()
}
