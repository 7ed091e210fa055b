package client

type LifecycleEventKind int

const (
	EventReady LifecycleEventKind = iota
	EventAuthFailed
	EventClosed
)

func (k LifecycleEventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventAuthFailed:
		return "auth-failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LifecycleEvent is passed to an Observer whenever a connection becomes ready,
// fails to authenticate, or closes.
//
// Cause is nil for EventReady and for a connection closed by a local call to
// Close. Otherwise it matches one of ErrRemoteDisconnect, ErrTransport,
// ErrAuthenticationFailure, ErrProtocolViolation, ErrRejected or
// protocol.ErrDecode.
type LifecycleEvent struct {
	Kind       LifecycleEventKind
	RemoteAddr string
	Cause      error
}

// Observer is notified of lifecycle events, in order, on a goroutine
// dedicated to the connection. It may call Close.
type Observer interface {
	OnConnectionEvent(ev LifecycleEvent)
}

type ObserverFunc func(ev LifecycleEvent)

func (f ObserverFunc) OnConnectionEvent(ev LifecycleEvent) {
	f(ev)
}
