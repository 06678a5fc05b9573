package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux wraps a multiplexer so every registered route is served through the
// standard OTel HTTP handler, tagged with its route pattern.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{
		wrapped: wrapped,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	mux.wrapped.Handle(pattern, otelhttp.NewHandler(handler, routeTag(pattern)))
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// routeTag strips the method qualifier from a ServeMux pattern so the span
// name is the bare route.
func routeTag(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return resource
	}
	return pattern
}
