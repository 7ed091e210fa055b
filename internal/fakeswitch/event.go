package fakeswitch

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"

	"github.com/tidwall/sjson"

	"github.com/luma/esl/internal/jsonpath"
	"github.com/luma/esl/protocol"
)

// Event is an event to publish to subscribed connections.
type Event struct {
	Name    string
	Headers []protocol.Header

	// Body nested inside the event body, optional
	Body []byte
}

// Encode serialises ev as a complete event frame in format.
func (ev Event) Encode(format protocol.Format) ([]byte, error) {
	var (
		body        []byte
		contentType protocol.ContentType
		err         error
	)

	switch format {
	case protocol.FormatJSON:
		contentType = protocol.ContentEventJSON
		body, err = ev.encodeJSON()

	case protocol.FormatXML:
		contentType = protocol.ContentEventXML
		body = ev.encodeXML()

	default:
		contentType = protocol.ContentEventPlain
		body = ev.encodePlain()
	}

	if err != nil {
		return nil, err
	}

	return protocol.EncodeMessage(&protocol.Message{
		Headers: []protocol.Header{{Name: protocol.HeaderContentType, Value: string(contentType)}},
		Body:    body,
	}), nil
}

func (ev Event) fields() []protocol.Header {
	return append([]protocol.Header{{Name: protocol.HeaderEventName, Value: ev.Name}}, ev.Headers...)
}

func (ev Event) encodePlain() []byte {
	var buf bytes.Buffer

	for _, h := range ev.fields() {
		fmt.Fprintf(&buf, "%s: %s\n", h.Name, url.PathEscape(h.Value))
	}

	if len(ev.Body) > 0 {
		fmt.Fprintf(&buf, "%s: %s\n\n", protocol.HeaderContentLength, strconv.Itoa(len(ev.Body)))
		buf.Write(ev.Body)
		return buf.Bytes()
	}

	buf.WriteByte('\n')
	return buf.Bytes()
}

func (ev Event) encodeJSON() ([]byte, error) {
	out := []byte(`{}`)

	var err error
	for _, h := range ev.fields() {
		if out, err = sjson.SetBytes(out, jsonpath.Escape(h.Name), h.Value); err != nil {
			return nil, err
		}
	}

	if len(ev.Body) > 0 {
		if out, err = sjson.SetBytes(out, "_body", string(ev.Body)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (ev Event) encodeXML() []byte {
	var buf bytes.Buffer

	buf.WriteString("<event>\n  <headers>\n")
	for _, h := range ev.fields() {
		fmt.Fprintf(&buf, "    <%s>", h.Name)
		xml.EscapeText(&buf, []byte(url.PathEscape(h.Value)))
		fmt.Fprintf(&buf, "</%s>\n", h.Name)
	}
	buf.WriteString("  </headers>\n")

	if len(ev.Body) > 0 {
		buf.WriteString("  <body>")
		xml.EscapeText(&buf, ev.Body)
		buf.WriteString("</body>\n")
	}

	buf.WriteString("</event>")
	return buf.Bytes()
}
