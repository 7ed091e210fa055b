package protocol

// ContentType values found in the Content-Type header of frames sent by the engine.
type ContentType string

const (
	ContentAuthRequest      ContentType = "auth/request"
	ContentCommandReply     ContentType = "command/reply"
	ContentAPIResponse      ContentType = "api/response"
	ContentEventPlain       ContentType = "text/event-plain"
	ContentEventJSON        ContentType = "text/event-json"
	ContentEventXML         ContentType = "text/event-xml"
	ContentDisconnectNotice ContentType = "text/disconnect-notice"
	ContentRudeRejection    ContentType = "text/rude-rejection"
)

// Header names the client cares about.
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderReplyText     = "Reply-Text"
	HeaderJobUUID       = "Job-UUID"
	HeaderEventName     = "Event-Name"
)

// Reply-Text and api body prefixes.
const (
	ReplyOk  = "+OK"
	ReplyErr = "-ERR"
)

// Kind is the classification of a decoded frame.
type Kind int

const (
	KindUnknown Kind = iota
	KindCommandReply
	KindAPIResponse
	KindEvent
	KindAuthRequest
	KindDisconnectNotice
	KindRudeRejection
)

func (k Kind) String() string {
	switch k {
	case KindCommandReply:
		return "command-reply"
	case KindAPIResponse:
		return "api-response"
	case KindEvent:
		return "event"
	case KindAuthRequest:
		return "auth-request"
	case KindDisconnectNotice:
		return "disconnect-notice"
	case KindRudeRejection:
		return "rude-rejection"
	default:
		return "unknown"
	}
}

// IsReply returns true for the kinds that answer a command and therefore
// consume the head of the correlation queue.
func (k Kind) IsReply() bool {
	return k == KindCommandReply || k == KindAPIResponse
}

// Classify returns the Kind of msg based on its Content-Type header.
func Classify(msg *Message) Kind {
	switch ContentType(msg.ContentType()) {
	case ContentCommandReply:
		return KindCommandReply
	case ContentAPIResponse:
		return KindAPIResponse
	case ContentEventPlain, ContentEventJSON, ContentEventXML:
		return KindEvent
	case ContentAuthRequest:
		return KindAuthRequest
	case ContentDisconnectNotice:
		return KindDisconnectNotice
	case ContentRudeRejection:
		return KindRudeRejection
	default:
		return KindUnknown
	}
}
