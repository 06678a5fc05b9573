package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouteTag(t *testing.T) {
	cases := []struct {
		pattern string
		want    string
	}{
		{"GET /file/info", "/file/info"},
		{"HEAD /file/download", "/file/download"},
		{"POST /magnet/add", "/magnet/add"},
		{"/healthcheck", "/healthcheck"},
		{"PROPFIND /dav", "PROPFIND /dav"},
	}

	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			assert.Equal(t, tc.want, routeTag(tc.pattern))
		})
	}
}

func TestMux_ServesWrappedRoutes(t *testing.T) {
	inner := http.NewServeMux()
	mux := NewMux(inner)

	mux.Handle("GET /file/info", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/file/info", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/file/info", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
