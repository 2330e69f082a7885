package server

import (
	"context"
	"sync"
	"time"

	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/internal/timeoutcodec"
	"github.com/varavelio/grpcstack/status"
)

// maxTimerDueTime bounds a single timer's due time; deadlines further out
// are reached through a chain of reschedules rather than one long timer,
// so platforms with a maximum timer duration are never handed one directly.
const maxTimerDueTime = 6 * time.Hour

// DeadlineManager owns the single absolute deadline for one call: it
// reschedules an underlying timer in a chain until the deadline is
// reached, then cancels the call and records a terminal status.
type DeadlineManager struct {
	fullMethod string
	deadline   time.Time
	formatted  string
	cancel     context.CancelCauseFunc
	sink       event.Sink

	mu      sync.Mutex
	timer   *time.Timer
	status  *status.Status
	done    chan struct{}
	running bool
	closed  bool
}

// NewDeadlineManager installs a timer chain that cancels ctx's derived
// context when deadline is reached. It returns the derived context the
// call must use downstream, and the manager the caller uses to read the
// deadline-exceeded status and to Dispose when the call ends.
func NewDeadlineManager(ctx context.Context, fullMethod string, timeout time.Duration, sink event.Sink) (context.Context, *DeadlineManager) {
	deadline := time.Now().Add(timeout)
	derived, cancel := context.WithCancelCause(ctx)

	m := &DeadlineManager{
		fullMethod: fullMethod,
		deadline:   deadline,
		formatted:  timeoutcodec.Format(timeout),
		cancel:     cancel,
		sink:       sink,
		done:       make(chan struct{}),
	}
	m.scheduleNext()
	return derived, m
}

func (m *DeadlineManager) scheduleNext() {
	remaining := time.Until(m.deadline)
	due := remaining
	rescheduled := false
	if due > maxTimerDueTime {
		due = maxTimerDueTime
		rescheduled = true
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = time.AfterFunc(due, m.fire)
	m.mu.Unlock()

	if rescheduled {
		m.emit(event.NewDeadlineTimerRescheduled(m.fullMethod))
	}
}

func (m *DeadlineManager) fire() {
	if time.Now().Before(m.deadline) {
		m.scheduleNext()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.status = status.Newf(codes.DeadlineExceeded,
		"Request with timeout of %s has exceeded its deadline.", m.formatted)
	m.mu.Unlock()

	m.emit(event.NewCallDeadlineExceeded(m.fullMethod))

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.emit(event.NewDeadlineCancellationError(m.fullMethod, statusPanic(r)))
			}
		}()
		m.cancel(m.status.Err())
	}()

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	close(m.done)
}

// Status returns the DeadlineExceeded status once the timer has fired, or
// nil if the deadline has not (yet) been reached.
func (m *DeadlineManager) Status() *status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Dispose stops the timer chain. If the deadline handler is already
// running, Dispose waits for it to finish so status-write and log
// ordering stay deterministic; any timer fire after Dispose is a no-op.
func (m *DeadlineManager) Dispose() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
	}
	running := m.running
	m.mu.Unlock()

	if running {
		<-m.done
	}
}

func (m *DeadlineManager) emit(e event.Event) {
	if m.sink != nil {
		m.sink.Handle(e)
	}
}

func statusPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return status.Errorf(codes.Internal, "%v", r)
}
