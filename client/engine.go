// Package client implements the user-facing call invoker and the
// retry/hedging engine that sits between it and the wire.
package client

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/varavelio/grpcstack/codes"
	"github.com/varavelio/grpcstack/event"
	"github.com/varavelio/grpcstack/metadata"
	"github.com/varavelio/grpcstack/client/throttle"
	"github.com/varavelio/grpcstack/serviceconfig"
	"github.com/varavelio/grpcstack/status"
)

// CommitReason names why the engine stopped spawning attempts and
// surfaced a result to the caller.
type CommitReason int

const (
	ResponseHeadersReceived CommitReason = iota
	FatalStatusCode
	Canceled
	ExceededAttemptCount
	Throttled
	DeadlineExceeded
)

func (r CommitReason) String() string {
	switch r {
	case ResponseHeadersReceived:
		return "ResponseHeadersReceived"
	case FatalStatusCode:
		return "FatalStatusCode"
	case Canceled:
		return "Canceled"
	case ExceededAttemptCount:
		return "ExceededAttemptCount"
	case Throttled:
		return "Throttled"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	default:
		return "CommitReason(unknown)"
	}
}

// AttemptOutcome is what one attempt reports back to the engine once it
// finishes (or, for a committing attempt, once headers arrive).
type AttemptOutcome struct {
	// Committed is true once this attempt received response headers; in
	// retry mode that alone commits it, in hedging mode it wins the race
	// against sibling attempts.
	Committed       bool
	Status          *status.Status
	ResponseHeaders metadata.MD
	Response        any

	// Pushback reflects the server's grpc-retry-pushback-ms trailer, read
	// only when Committed is false.
	HasPushback   bool
	PushbackStop  bool
	PushbackDelay time.Duration
}

// AttemptExecutor runs one attempt of a call. Implementations own the
// actual HTTP round trip; the engine only needs the outcome.
type AttemptExecutor interface {
	Execute(ctx context.Context, attemptNumber int) AttemptOutcome
}

// AttemptExecutorFunc adapts a function to AttemptExecutor.
type AttemptExecutorFunc func(ctx context.Context, attemptNumber int) AttemptOutcome

func (f AttemptExecutorFunc) Execute(ctx context.Context, n int) AttemptOutcome { return f(ctx, n) }

// Engine drives one call through zero or more attempts according to its
// method's retry or hedging policy.
type Engine struct {
	FullMethod     string
	Policy         serviceconfig.MethodConfig
	Throttle       *throttle.Throttle
	Executor       AttemptExecutor
	Sink           event.Sink
	MaxAttemptsCap int // channel-wide ceiling on policy.MaxAttempts
}

// Outcome is what the invoker surfaces to the caller once the engine
// commits.
type Outcome struct {
	Status       *status.Status
	Headers      metadata.MD
	Response     any
	CommitReason CommitReason
	Attempts     int
}

func (e *Engine) emit(ev event.Event) {
	if e.Sink != nil {
		e.Sink.Handle(ev)
	}
}

// Run executes the call to commit, choosing retry, hedging, or a single
// attempt depending on the resolved policy.
func (e *Engine) Run(ctx context.Context) Outcome {
	switch {
	case e.Policy.Retry != nil:
		return e.runRetry(ctx)
	case e.Policy.Hedging != nil:
		return e.runHedging(ctx)
	default:
		return e.runSingle(ctx)
	}
}

func (e *Engine) runSingle(ctx context.Context) Outcome {
	outcome := e.Executor.Execute(ctx, 1)
	reason := ResponseHeadersReceived
	if !outcome.Committed {
		reason = FatalStatusCode
	}
	if outcome.Committed {
		e.Throttle.CallSuccess()
	} else {
		e.Throttle.CallFailure()
	}
	e.emit(event.NewCallCommited(e.FullMethod, reason.String(), 1))
	return Outcome{Status: outcome.Status, Headers: outcome.ResponseHeaders, Response: outcome.Response, CommitReason: reason, Attempts: 1}
}

func (e *Engine) runRetry(ctx context.Context) Outcome {
	policy := e.Policy.Retry
	maxAttempts := serviceconfig.CapMaxAttempts(policy.MaxAttempts, e.MaxAttemptsCap)
	backoff := policy.InitialBackoff

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return e.cancelOutcome(ctx, attempt-1)
		}

		outcome := e.Executor.Execute(ctx, attempt)
		if outcome.Committed {
			e.Throttle.CallSuccess()
			e.emit(event.NewCallCommited(e.FullMethod, ResponseHeadersReceived.String(), attempt))
			return Outcome{Status: outcome.Status, Headers: outcome.ResponseHeaders, Response: outcome.Response, CommitReason: ResponseHeadersReceived, Attempts: attempt}
		}
		e.Throttle.CallFailure()

		retryable := policy.RetryableStatusCodes[outcome.Status.Code()]
		switch {
		case outcome.HasPushback && outcome.PushbackStop:
			e.emit(event.NewCallCommited(e.FullMethod, FatalStatusCode.String(), attempt))
			return Outcome{Status: outcome.Status, CommitReason: FatalStatusCode, Attempts: attempt}
		case !retryable:
			e.emit(event.NewCallCommited(e.FullMethod, FatalStatusCode.String(), attempt))
			return Outcome{Status: outcome.Status, CommitReason: FatalStatusCode, Attempts: attempt}
		case attempt >= maxAttempts:
			e.emit(event.NewCallCommited(e.FullMethod, ExceededAttemptCount.String(), attempt))
			return Outcome{Status: outcome.Status, CommitReason: ExceededAttemptCount, Attempts: attempt}
		case !e.Throttle.Permits():
			e.emit(event.NewCallCommited(e.FullMethod, Throttled.String(), attempt))
			return Outcome{Status: outcome.Status, CommitReason: Throttled, Attempts: attempt}
		}

		var delay time.Duration
		if outcome.HasPushback {
			delay = outcome.PushbackDelay
		} else {
			delay = fullJitter(backoff)
			backoff = nextBackoff(backoff, policy.BackoffMultiplier, policy.MaxBackoff)
		}
		if err := sleepOrDone(ctx, delay); err != nil {
			return e.cancelOutcome(ctx, attempt)
		}
	}
}

type hedgeResult struct {
	attempt int
	outcome AttemptOutcome
}

func (e *Engine) runHedging(ctx context.Context) Outcome {
	policy := e.Policy.Hedging
	maxAttempts := serviceconfig.CapMaxAttempts(policy.MaxAttempts, e.MaxAttemptsCap)

	ctx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	results := make(chan hedgeResult, maxAttempts)
	var wg sync.WaitGroup

	spawn := func(n int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome := e.Executor.Execute(ctx, n)
			select {
			case results <- hedgeResult{n, outcome}:
			case <-ctx.Done():
			}
		}()
	}

	spawned := 1
	spawn(1)

	delay := policy.HedgingDelay
	if delay <= 0 {
		delay = time.Nanosecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	var lastFatal *AttemptOutcome
	completed := 0

	for {
		var tick <-chan time.Time
		if spawned < maxAttempts && e.Throttle.Permits() {
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			wg.Wait()
			return e.cancelOutcome(ctx, spawned)

		case <-tick:
			spawned++
			spawn(spawned)
			timer.Reset(delay)

		case r := <-results:
			completed++
			if r.outcome.Committed {
				e.Throttle.CallSuccess()
				cancelAll()
				wg.Wait()
				e.emit(event.NewCallCommited(e.FullMethod, ResponseHeadersReceived.String(), spawned))
				return Outcome{Status: r.outcome.Status, Headers: r.outcome.ResponseHeaders, Response: r.outcome.Response, CommitReason: ResponseHeadersReceived, Attempts: spawned}
			}
			e.Throttle.CallFailure()
			if !policy.NonFatalStatusCodes[r.outcome.Status.Code()] {
				o := r.outcome
				lastFatal = &o
			}
			if completed >= spawned && spawned >= maxAttempts {
				cancelAll()
				wg.Wait()
				if lastFatal != nil {
					e.emit(event.NewCallCommited(e.FullMethod, FatalStatusCode.String(), spawned))
					return Outcome{Status: lastFatal.Status, CommitReason: FatalStatusCode, Attempts: spawned}
				}
				e.emit(event.NewCallCommited(e.FullMethod, ExceededAttemptCount.String(), spawned))
				return Outcome{Status: r.outcome.Status, CommitReason: ExceededAttemptCount, Attempts: spawned}
			}
		}
	}
}

func (e *Engine) cancelOutcome(ctx context.Context, attempts int) Outcome {
	if ctx.Err() == context.DeadlineExceeded {
		e.emit(event.NewCallCommited(e.FullMethod, DeadlineExceeded.String(), attempts))
		return Outcome{
			Status:       status.New(codes.DeadlineExceeded, "Deadline exceeded before the call committed."),
			CommitReason: DeadlineExceeded,
			Attempts:     attempts,
		}
	}
	e.emit(event.NewCallCommited(e.FullMethod, Canceled.String(), attempts))
	return Outcome{
		Status:       status.New(codes.Canceled, "Call canceled by the client."),
		CommitReason: Canceled,
		Attempts:     attempts,
	}
}

// fullJitter picks a uniform random delay in [0, max].
func fullJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func nextBackoff(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
