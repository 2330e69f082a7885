package grpcweb

import (
	"io"
	"net/http"
)

// Wrap returns an http.Handler that recognizes grpc-web requests and
// transcodes them to what next (the call pipeline's routes) already
// expects: a plain application/grpc content-type, a raw frame body
// instead of base64, and HTTP/2 semantics instead of HTTP/1.1. Anything
// that isn't a grpc-web request passes through unchanged.
//
// The HTTP/2-vs-1.1 gap is bridged by overwriting ProtoMajor/ProtoMinor
// on the request the handler sees, the same trick grpc-web proxies use
// so a server written against HTTP/2 semantics needs no separate code
// path for browser clients.
func Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		equivalent, ok := ContentType(r.Header.Get("content-type"))
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		original := r.Header.Get("content-type")
		r.Header.Set("content-type", equivalent)
		r.Body = io.NopCloser(newBase64Reader(r.Body))
		r.ProtoMajor, r.ProtoMinor = 2, 0

		next.ServeHTTP(NewResponseWriter(w, original), r)
	})
}
