// Package calllog is the default event.Sink: it renders each call-lifecycle
// and diagnostic event as one structured logrus entry.
package calllog

import (
	"github.com/sirupsen/logrus"

	"github.com/varavelio/grpcstack/event"
)

// Sink adapts a logrus.FieldLogger to event.Sink. It is registered by
// default but is an ordinary subscriber, not part of the event package's
// own API.
type Sink struct {
	log logrus.FieldLogger
}

// New wraps log. A nil log falls back to logrus.StandardLogger().
func New(log logrus.FieldLogger) *Sink {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sink{log: log}
}

var _ event.Sink = (*Sink)(nil)

// Handle implements event.Sink.
func (s *Sink) Handle(e event.Event) {
	fields := logrus.Fields{"grpc.event": e.ID.String()}
	if e.FullMethod != "" {
		fields["grpc.method"] = e.FullMethod
	}
	if e.Attempt > 0 {
		fields["grpc.attempt"] = e.Attempt
	}
	if e.Reason != "" {
		fields["grpc.commit_reason"] = e.Reason
	}
	entry := s.log.WithFields(fields)

	switch e.ID {
	case event.CallStart:
		entry.Debug("call started")
	case event.CallStop:
		entry.Debug("call finished")
	case event.CallCommited:
		entry.Debug("call committed")
	case event.MessageSent:
		entry.Trace("message sent")
	case event.MessageReceived:
		entry.Trace("message received")
	case event.CallUnimplemented:
		entry.Warn("call to unimplemented method")
	case event.CallDeadlineExceeded:
		entry.Warn("call deadline exceeded")
	case event.CallFailed:
		entry.WithField("grpc.code", e.Code.String()).Warn("call failed")
	case event.DeadlineTimerRescheduled:
		entry.Debug("deadline timer rescheduled for a far-future deadline")
	case event.InvalidTimeoutIgnored:
		entry.WithError(e.Err).Warn("invalid grpc-timeout header ignored")
	case event.UnableToDisableMaxRequestBodySizeLimit:
		entry.WithError(e.Err).Warn("unable to disable request body size limit")
	case event.DeadlineCancellationError:
		entry.WithError(e.Err).Warn("deadline cancellation registration failed")
	case event.UnsupportedRequestProtocol:
		entry.WithError(e.Err).Warn("rejected request: unsupported protocol")
	case event.UnsupportedRequestContentType:
		entry.WithError(e.Err).Warn("rejected request: unsupported content-type")
	default:
		entry.Debug("event")
	}
}
