// Package event defines the stable call-lifecycle events emitted by the
// server pipeline and client invoker, and the sink interface used to
// observe them.
package event

import (
	"fmt"

	"github.com/varavelio/grpcstack/codes"
)

// ID is a stable numeric event identifier; listeners key off ID rather
// than Name, so renaming Name never breaks a subscriber.
type ID int

const (
	CallStart            ID = 1
	CallStop             ID = 2
	CallFailed           ID = 3
	CallDeadlineExceeded ID = 4
	MessageSent          ID = 5
	MessageReceived      ID = 6
	CallUnimplemented    ID = 7
	CallCommited         ID = 8

	// The remaining IDs are warning-level diagnostics raised by the
	// deadline manager, the call context and the call pipeline. They are not part of the
	// call-lifecycle sequence above and a listener that only cares about
	// call outcomes can ignore them.
	DeadlineTimerRescheduled               ID = 20
	InvalidTimeoutIgnored                  ID = 21
	UnableToDisableMaxRequestBodySizeLimit ID = 22
	DeadlineCancellationError              ID = 23
	UnsupportedRequestProtocol             ID = 24
	UnsupportedRequestContentType          ID = 25
)

var names = map[ID]string{
	CallStart:            "CallStart",
	CallStop:             "CallStop",
	CallFailed:           "CallFailed",
	CallDeadlineExceeded: "CallDeadlineExceeded",
	MessageSent:          "MessageSent",
	MessageReceived:      "MessageReceived",
	CallUnimplemented:    "CallUnimplemented",
	CallCommited:         "CallCommited",

	DeadlineTimerRescheduled:               "DeadlineTimerRescheduled",
	InvalidTimeoutIgnored:                  "InvalidTimeoutIgnored",
	UnableToDisableMaxRequestBodySizeLimit: "UnableToDisableMaxRequestBodySizeLimit",
	DeadlineCancellationError:              "DeadlineCancellationError",
	UnsupportedRequestProtocol:             "UnsupportedRequestProtocol",
	UnsupportedRequestContentType:          "UnsupportedRequestContentType",
}

func (id ID) String() string {
	if s, ok := names[id]; ok {
		return s
	}
	return fmt.Sprintf("Event(%d)", id)
}

// Event is the fixed payload shape shared by every event ID. Not every
// field is populated for every ID; see the New* constructors below for
// which fields each event carries.
type Event struct {
	ID         ID
	FullMethod string
	Attempt    int
	Code       codes.Code
	Err        error

	// Reason is set only on CallCommited, naming why the engine stopped
	// spawning attempts (e.g. "ResponseHeadersReceived", "Throttled").
	Reason string
}

func (e Event) String() string {
	if e.ID == CallCommited {
		return fmt.Sprintf("%s(method=%s attempts=%d reason=%s)", e.ID, e.FullMethod, e.Attempt, e.Reason)
	}
	return fmt.Sprintf("%s(method=%s attempt=%d code=%s)", e.ID, e.FullMethod, e.Attempt, e.Code)
}

// Sink receives events as they occur. Implementations must not block the
// caller for long; a sink that needs to do I/O should hand the event off
// to its own worker.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Multi fans one event out to several sinks in registration order.
type Multi []Sink

func (m Multi) Handle(e Event) {
	for _, s := range m {
		if s != nil {
			s.Handle(e)
		}
	}
}

// Nop discards every event; the zero value of Sink interfaces used
// without a Multi should prefer this over a nil check at each call site.
var Nop Sink = SinkFunc(func(Event) {})

func NewCallStart(fullMethod string) Event {
	return Event{ID: CallStart, FullMethod: fullMethod}
}

func NewCallStop(fullMethod string) Event {
	return Event{ID: CallStop, FullMethod: fullMethod}
}

func NewCallFailed(fullMethod string, code codes.Code, err error) Event {
	return Event{ID: CallFailed, FullMethod: fullMethod, Code: code, Err: err}
}

func NewCallDeadlineExceeded(fullMethod string) Event {
	return Event{ID: CallDeadlineExceeded, FullMethod: fullMethod, Code: codes.DeadlineExceeded}
}

func NewMessageSent(fullMethod string, attempt int) Event {
	return Event{ID: MessageSent, FullMethod: fullMethod, Attempt: attempt}
}

func NewMessageReceived(fullMethod string, attempt int) Event {
	return Event{ID: MessageReceived, FullMethod: fullMethod, Attempt: attempt}
}

func NewCallUnimplemented(fullMethod string) Event {
	return Event{ID: CallUnimplemented, FullMethod: fullMethod, Code: codes.Unimplemented}
}

// NewCallCommited reports that a call reached its terminal outcome;
// attempts is the number of attempts spawned and reason names why the
// engine stopped (one of the client package's CommitReason values).
func NewCallCommited(fullMethod string, reason string, attempts int) Event {
	return Event{ID: CallCommited, FullMethod: fullMethod, Attempt: attempts, Reason: reason}
}

func NewDeadlineTimerRescheduled(fullMethod string) Event {
	return Event{ID: DeadlineTimerRescheduled, FullMethod: fullMethod}
}

func NewInvalidTimeoutIgnored(fullMethod string, err error) Event {
	return Event{ID: InvalidTimeoutIgnored, FullMethod: fullMethod, Err: err}
}

func NewUnableToDisableMaxRequestBodySizeLimit(err error) Event {
	return Event{ID: UnableToDisableMaxRequestBodySizeLimit, Err: err}
}

func NewDeadlineCancellationError(fullMethod string, err error) Event {
	return Event{ID: DeadlineCancellationError, FullMethod: fullMethod, Err: err}
}

func NewUnsupportedRequestProtocol(proto string) Event {
	return Event{ID: UnsupportedRequestProtocol, Err: fmt.Errorf("unsupported request protocol: %s", proto)}
}

func NewUnsupportedRequestContentType(contentType string) Event {
	return Event{ID: UnsupportedRequestContentType, Err: fmt.Errorf("unsupported content-type: %s", contentType)}
}
