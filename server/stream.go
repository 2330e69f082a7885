package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/frame"
)

// Reader is the handler-facing view of the client's message stream. Recv
// returns io.EOF once the client has closed its stream; reads are safe
// for concurrent use with a Writer's writes on the same call (duplex) but
// a Reader itself is not safe for concurrent Recv calls.
type Reader struct {
	ctx    context.Context
	codec  *frame.Codec
	body   io.Reader
	method grpcstack.MethodDesc

	mu      sync.Mutex
	current any
}

func newReader(ctx context.Context, codec *frame.Codec, body io.Reader, method grpcstack.MethodDesc) *Reader {
	return &Reader{ctx: ctx, codec: codec, body: body, method: method}
}

// Recv blocks for the next client message. Given an already-canceled
// context it returns synchronously without attempting any I/O.
func (r *Reader) Recv() (any, error) {
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := r.codec.ReadNext(r.body)
		done <- result{payload, err}
	}()

	select {
	case <-r.ctx.Done():
		return nil, r.ctx.Err()
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		if res.payload == nil {
			return nil, io.EOF
		}
		msg, err := r.method.RequestDeserializer(res.payload)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.current = msg
		r.mu.Unlock()
		return msg, nil
	}
}

// Current returns the last message Recv produced, or nil between reads.
func (r *Reader) Current() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

var (
	errWriteInProgress = errors.New("Can't write the message because the previous write is in progress.")
	errStreamCompleted = errors.New("Request stream has already been completed.")
)

// Writer is the handler-facing view of the response message stream. A
// single direction (repeated calls to Write) is strictly serialized: a
// second Write while a prior one is still in flight fails, as does any
// Write after the writer has been completed.
type Writer struct {
	codec  *frame.Codec
	w      io.Writer
	method grpcstack.MethodDesc

	// onFirstWrite, if set, runs once before the first frame is written,
	// so response headers commit together with (or before) that message.
	onFirstWrite func()

	mu        sync.Mutex
	writing   bool
	completed bool
	started   bool
}

func newWriter(codec *frame.Codec, w io.Writer, method grpcstack.MethodDesc) *Writer {
	return &Writer{codec: codec, w: w, method: method}
}

// Write serializes and frames one response message.
func (w *Writer) Write(msg any, opts frame.WriteOptions) error {
	w.mu.Lock()
	if w.completed {
		w.mu.Unlock()
		return errStreamCompleted
	}
	if w.writing {
		w.mu.Unlock()
		return errWriteInProgress
	}
	w.writing = true
	firstWrite := !w.started
	w.started = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.writing = false
		w.mu.Unlock()
	}()

	if firstWrite && w.onFirstWrite != nil {
		w.onFirstWrite()
	}

	payload, err := w.method.ResponseSerializer(msg)
	if err != nil {
		return err
	}
	return w.codec.Write(w.w, payload, opts)
}

// complete marks the writer closed; further Write calls fail.
func (w *Writer) complete() {
	w.mu.Lock()
	w.completed = true
	w.mu.Unlock()
}
