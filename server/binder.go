package server

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/varavelio/grpcstack"
	"github.com/varavelio/grpcstack/compression"
)

// BinderOptions control how Binder registers a service.
type BinderOptions struct {
	// IgnoreUnknownServices suppresses the global "Service is unimplemented"
	// catch-all route when true.
	IgnoreUnknownServices bool
	Logger                logrus.FieldLogger
}

// Binder discovers a ServiceDesc's methods and registers one route per
// method on an http.ServeMux, plus the unimplemented catch-alls for
// unknown methods of a known service and for entirely unknown services.
type Binder struct {
	mux      *http.ServeMux
	pipeline *Pipeline
	logger   logrus.FieldLogger

	ignoreUnknownServices bool
	catchAllRegistered    bool
}

// NewBinder builds a Binder that registers routes on mux, dispatching
// through pipeline.
func NewBinder(mux *http.ServeMux, pipeline *Pipeline, opts BinderOptions) *Binder {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b := &Binder{
		mux:                   mux,
		pipeline:              pipeline,
		logger:                logger,
		ignoreUnknownServices: opts.IgnoreUnknownServices,
	}
	if !b.ignoreUnknownServices {
		b.registerGlobalCatchAll()
	}
	return b
}

// Register adds every method of svc as its own route, plus (unless
// ignoreService is set) a catch-all for unrecognized methods of svc.
func (b *Binder) Register(svc grpcstack.ServiceDesc, ignoreService bool) error {
	b.logger.WithField("grpc.service", svc.Name).Debug("Discovering")

	for _, method := range svc.Methods {
		if err := b.validateCompression(method); err != nil {
			return err
		}
		pattern := "POST " + method.FullName()
		b.mux.Handle(pattern, b.pipeline.Handler(method))
		b.logger.WithFields(logrus.Fields{
			"grpc.service": svc.Name,
			"grpc.method":  method.Method,
			"grpc.kind":    method.Kind.String(),
		}).Info("Added gRPC method")
	}

	if len(svc.Methods) == 0 {
		b.logger.WithField("grpc.service", svc.Name).Warn("Could not find bind method; no gRPC methods discovered for service")
	}

	if !ignoreService {
		pattern := "POST /" + svc.Name + "/{method}"
		b.mux.Handle(pattern, b.pipeline.Unimplemented("Method is unimplemented."))
	}
	return nil
}

// validateCompression confirms method's declared response-compression
// algorithm, if any, has a matching provider registered with the
// pipeline's registry.
func (b *Binder) validateCompression(method grpcstack.MethodDesc) error {
	if method.CompressionName == "" {
		return nil
	}
	if _, ok := b.registry().Lookup(method.CompressionName); !ok {
		return fmt.Errorf("the configured response compression algorithm %q does not have a matching compression provider", method.CompressionName)
	}
	return nil
}

func (b *Binder) registry() *compression.Registry {
	return b.pipeline.cfg.Registry
}

// registerGlobalCatchAll adds the "/{service}/{method}" route that fails
// every call to a service this binder never registered.
func (b *Binder) registerGlobalCatchAll() {
	if b.catchAllRegistered {
		return
	}
	b.catchAllRegistered = true
	handler := b.pipeline.Unimplemented("Service is unimplemented.")
	b.mux.HandleFunc("POST /{service}/{method}", func(w http.ResponseWriter, r *http.Request) {
		b.logger.WithField("grpc.path", r.URL.Path).Debug("call to unregistered service")
		handler(w, r)
	})
}
