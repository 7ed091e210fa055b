package protocol

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/luma/esl/internal/jsonpath"
)

// Format is the sub-format of an event body.
type Format string

const (
	FormatPlain Format = "plain"
	FormatJSON  Format = "json"
	FormatXML   Format = "xml"
)

var (
	ErrUnknownFormat = errors.New("Event body format is not supported")
	ErrInvalidJSON   = errors.New("Event body is not a JSON object")
)

// FormatOf returns the event sub-format encoded in a Content-Type.
func FormatOf(contentType string) (Format, bool) {
	switch ContentType(contentType) {
	case ContentEventPlain:
		return FormatPlain, true
	case ContentEventJSON:
		return FormatJSON, true
	case ContentEventXML:
		return FormatXML, true
	default:
		return "", false
	}
}

// BodyDecoder decodes the fields, and an optional nested body, carried in
// the body of an event frame.
type BodyDecoder interface {
	DecodeBody(body []byte) (fields []Header, nested []byte, err error)
}

type BodyDecoderFunc func(body []byte) ([]Header, []byte, error)

func (f BodyDecoderFunc) DecodeBody(body []byte) ([]Header, []byte, error) {
	return f(body)
}

// BodyDecoders maps each sub-format to the decoder used for it.
type BodyDecoders map[Format]BodyDecoder

// DefaultBodyDecoders handles every sub-format the engine can send.
func DefaultBodyDecoders() BodyDecoders {
	return BodyDecoders{
		FormatPlain: BodyDecoderFunc(DecodePlainBody),
		FormatJSON:  BodyDecoderFunc(DecodeJSONBody),
		FormatXML:   BodyDecoderFunc(DecodeXMLBody),
	}
}

// Event is a Message the engine pushed to us.
//
// If the body could not be decoded the raw Message is still available and
// DecodeErr is set; Fields and Body are left empty.
type Event struct {
	*Message

	Name   string
	Format Format

	// Fields decoded from the body, in body order
	Fields []Header

	// Body nested inside the event body, e.g. the output of a background job.
	// The raw frame body is ev.Message.Body.
	Body []byte

	DecodeErr error
}

// NewEvent wraps msg using DefaultBodyDecoders.
func NewEvent(msg *Message) *Event {
	return DefaultBodyDecoders().NewEvent(msg)
}

// NewEvent wraps msg, decoding its body with the decoder registered for its
// sub-format.
func (d BodyDecoders) NewEvent(msg *Message) *Event {
	ev := &Event{Message: msg}

	format, ok := FormatOf(msg.ContentType())
	if !ok {
		ev.DecodeErr = fmt.Errorf("Failed to decode '%s': %w", msg.ContentType(), ErrUnknownFormat)
		ev.Name = msg.Header(HeaderEventName)
		return ev
	}

	ev.Format = format

	decoder, ok := d[format]
	if !ok {
		ev.DecodeErr = fmt.Errorf("Failed to decode '%s': %w", format, ErrUnknownFormat)
	} else if fields, nested, err := decoder.DecodeBody(msg.Body); err != nil {
		ev.DecodeErr = err
	} else {
		ev.Fields = fields
		ev.Body = nested
	}

	if name, ok := msg.Get(HeaderEventName); ok {
		ev.Name = name
	} else {
		ev.Name = ev.Field(HeaderEventName)
	}

	return ev
}

// Field returns the first decoded field called name, or "".
func (e *Event) Field(name string) string {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value
		}
	}

	return ""
}

// JobUUID returns the Job-UUID a BACKGROUND_JOB event belongs to.
func (e *Event) JobUUID() string {
	if id := e.Field(HeaderJobUUID); id != "" {
		return id
	}

	return e.Header(HeaderJobUUID)
}

// MarshalJSON encodes the event fields as a flat JSON object. The nested body,
// if any, is stored under "_body" like the engine's own json format does.
func (e *Event) MarshalJSON() ([]byte, error) {
	out := []byte(`{}`)

	var err error
	for _, f := range e.Fields {
		if out, err = sjson.SetBytes(out, jsonpath.Escape(f.Name), f.Value); err != nil {
			return nil, err
		}
	}

	if !gjson.GetBytes(out, jsonpath.Escape(HeaderEventName)).Exists() && e.Name != "" {
		if out, err = sjson.SetBytes(out, jsonpath.Escape(HeaderEventName), e.Name); err != nil {
			return nil, err
		}
	}

	if len(e.Body) > 0 {
		if out, err = sjson.SetBytes(out, "_body", string(e.Body)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// DecodePlainBody decodes a header block of URL encoded values, optionally
// followed by a nested Content-Length body.
func DecodePlainBody(body []byte) ([]Header, []byte, error) {
	var (
		fields []Header
		rest   = body
	)

	for len(rest) > 0 {
		var line []byte

		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			line, rest = rest, nil
		} else {
			line, rest = rest[:idx], rest[idx+1:]
		}

		line = RemoveTrailingCR(line)
		if len(line) == 0 {
			break
		}

		h, err := ParseHeader(line)
		if err != nil {
			return nil, nil, err
		}

		if v, err := url.PathUnescape(h.Value); err == nil {
			h.Value = v
		}

		fields = append(fields, h)
	}

	nested := &Message{Headers: fields}
	length, ok, err := nested.ContentLength()
	if err != nil {
		return nil, nil, err
	}

	if !ok {
		return fields, nil, nil
	}

	if len(rest) < length {
		return nil, nil, fmt.Errorf("Nested body declares %d bytes, %d available: %w",
			length, len(rest), ErrUnexpectedEOF)
	}

	return fields, rest[:length], nil
}

// DecodeJSONBody decodes a flat JSON object. "_body" holds the nested body.
func DecodeJSONBody(body []byte) ([]Header, []byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, nil, ErrInvalidJSON
	}

	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return nil, nil, ErrInvalidJSON
	}

	var (
		fields []Header
		nested []byte
	)

	doc.ForEach(func(key, value gjson.Result) bool {
		if key.String() == "_body" {
			nested = []byte(value.String())
			return true
		}

		v := value.String()
		if value.IsArray() || value.IsObject() {
			v = value.Raw
		}

		fields = append(fields, Header{Name: key.String(), Value: v})
		return true
	})

	return fields, nested, nil
}

// DecodeXMLBody decodes an `<event><headers>...</headers><body>...</body></event>`
// document. Each child element of <headers> is a field.
func DecodeXMLBody(body []byte) ([]Header, []byte, error) {
	var (
		fields []Header
		nested []byte

		path  []string
		value strings.Builder
	)

	dec := xml.NewDecoder(bytes.NewReader(body))

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			value.Reset()

		case xml.CharData:
			value.Write(t)

		case xml.EndElement:
			switch {
			case len(path) == 3 && path[1] == "headers":
				v := value.String()
				if u, err := url.PathUnescape(v); err == nil {
					v = u
				}

				fields = append(fields, Header{Name: t.Name.Local, Value: v})

			case len(path) == 2 && path[1] == "body":
				nested = []byte(value.String())
			}

			if len(path) > 0 {
				path = path[:len(path)-1]
			}

			value.Reset()
		}
	}

	return fields, nested, nil
}

