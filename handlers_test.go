package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/open115/bridge/internal/config"
	"github.com/open115/bridge/internal/store"
	"github.com/open115/bridge/internal/token"
	"github.com/open115/bridge/internal/ttlcache"
	"github.com/open115/bridge/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	up     *upstream.Client
	links  *ttlcache.Cache[resolvedLink]
	tokens *token.Store
}

func newTestEnv(t *testing.T, upstreamHandler http.Handler) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, config.StoreConfig{Path: filepath.Join(t.TempDir(), "bridge.db")})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})

	tokens, err := token.NewStore(ctx, db)
	require.NoError(t, err)

	links, err := ttlcache.New[resolvedLink](ctx, db)
	require.NoError(t, err)

	srv := httptest.NewServer(upstreamHandler)
	t.Cleanup(srv.Close)

	source := token.NewSource(tokens, 15*time.Minute)
	up := upstream.New(config.UpstreamConfig{APIURL: srv.URL, PassportURL: srv.URL}, source)

	return &testEnv{up: up, links: links, tokens: tokens}
}

// bootstrap writes a valid credential record, as the token manager would.
func (e *testEnv) bootstrap(t *testing.T) {
	t.Helper()
	err := e.tokens.SetTokens(context.Background(), "access-1", "refresh-1", time.Now().Add(time.Hour).Unix())
	require.NoError(t, err)
}

func granted(data string) string {
	return `{"state":true,"message":"","code":0,"data":` + data + `}`
}

// fakeUpstream answers the file endpoints the handlers exercise, counting
// download-link derivations so tests can observe cache hits.
func fakeUpstream(downloads *atomic.Int32) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /open/folder/get_info", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("path") == "/missing.mkv" {
			w.Write([]byte(granted(`[]`)))
			return
		}
		w.Write([]byte(granted(`{"file_name": "example.mkv", "pick_code": "pc123", "size_byte": 42}`)))
	})

	mux.HandleFunc("POST /open/ufile/downurl", func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		w.Write([]byte(granted(`{
			"pc123": {
				"file_name": "example.mkv",
				"pick_code": "pc123",
				"url": {"url": "https://cdn.example.com/signed"}
			}
		}`)))
	})

	mux.HandleFunc("GET /open/video/play", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(granted(`{"video_url": "https://cdn.example.com/hls.m3u8"}`)))
	})

	return mux
}

func TestHandleDownload_RedirectsAndCaches(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	handler := handleDownload(env.up, env.links, time.Minute)

	for range 2 {
		req := httptest.NewRequest(http.MethodGet, "/file/download?path=/movies/example.mkv", nil)
		req.Header.Set("User-Agent", "VLC/3.0")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://cdn.example.com/signed", rec.Header().Get("Location"))
	}

	// the second request is served from the cache
	assert.Equal(t, int32(1), downloads.Load())
}

// Derived links are bound to the requesting User-Agent, so a different agent
// must trigger a fresh derivation rather than reuse the cached one.
func TestHandleDownload_CacheIsPerUserAgent(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	handler := handleDownload(env.up, env.links, time.Minute)

	for _, agent := range []string{"VLC/3.0", "mpv/0.38"} {
		req := httptest.NewRequest(http.MethodGet, "/file/download?path=/movies/example.mkv", nil)
		req.Header.Set("User-Agent", agent)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusFound, rec.Code)
	}

	assert.Equal(t, int32(2), downloads.Load())
}

func TestHandleDownload_MissingPath(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodGet, "/file/download", nil)
	rec := httptest.NewRecorder()

	handleDownload(env.up, env.links, time.Minute).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Until the manager bootstraps the store, handlers fail fast rather than
// hanging on the upstream.
func TestHandleDownload_CredentialsNotReady(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))

	req := httptest.NewRequest(http.MethodGet, "/file/download?path=/movies/example.mkv", nil)
	rec := httptest.NewRecorder()

	handleDownload(env.up, env.links, time.Minute).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Contains(t, body.Error, "credentials not ready")
	assert.Equal(t, int32(0), downloads.Load())
}

func TestHandleDownload_FileNotFound(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodGet, "/file/download?path=/missing.mkv", nil)
	rec := httptest.NewRecorder()

	handleDownload(env.up, env.links, time.Minute).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlePlay_Redirects(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodGet, "/file/play?path=/movies/example.mkv", nil)
	req.Header.Set("User-Agent", "mpv/0.38")
	rec := httptest.NewRecorder()

	handlePlay(env.up, env.links, time.Minute).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cdn.example.com/hls.m3u8", rec.Header().Get("Location"))
}

// Download and play links for the same path are cached independently.
func TestLinkCache_KindsDoNotCollide(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodGet, "/file/download?path=/movies/example.mkv", nil)
	req.Header.Set("User-Agent", "VLC/3.0")
	rec := httptest.NewRecorder()
	handleDownload(env.up, env.links, time.Minute).ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/file/play?path=/movies/example.mkv", nil)
	req.Header.Set("User-Agent", "VLC/3.0")
	rec = httptest.NewRecorder()
	handlePlay(env.up, env.links, time.Minute).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://cdn.example.com/hls.m3u8", rec.Header().Get("Location"))
}

func TestHandleFileInfo(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodGet, "/file/info?path=/movies/example.mkv", nil)
	rec := httptest.NewRecorder()

	handleFileInfo(env.up).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var info upstream.FileInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "example.mkv", info.FileName)
	assert.Equal(t, "pc123", info.PickCode)
}

func TestHandleFileInfo_NotFound(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	req := httptest.NewRequest(http.MethodGet, "/file/info?path=/missing.mkv", nil)
	rec := httptest.NewRecorder()

	handleFileInfo(env.up).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleMagnetAdd_ClassifiesResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /open/offline/add_task_urls", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(granted(`[
			{"state": true, "code": 0, "message": "", "info_hash": "h1", "url": "magnet:?xt=a"},
			{"state": false, "code": 10008, "message": "task exists", "url": "magnet:?xt=b"},
			{"state": false, "code": 10004, "message": "malformed link", "url": "magnet:?xt=c"}
		]`)))
	})

	env := newTestEnv(t, mux)
	env.bootstrap(t)

	body := `{"magnets": ["magnet:?xt=a", "magnet:?xt=b", "magnet:?xt=c"], "dir_id": "dir-1"}`
	req := httptest.NewRequest(http.MethodPost, "/magnet/add", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handleMagnetAdd(env.up).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var results []magnetResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results, 3)

	assert.Equal(t, "success", results[0].Type)
	assert.Equal(t, "h1", results[0].InfoHash)
	assert.Equal(t, "duplicate", results[1].Type)
	assert.Equal(t, "failed", results[2].Type)
	assert.Equal(t, "malformed link", results[2].Message)
}

func TestHandleMagnetAdd_Validation(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	cases := []struct {
		name string
		body string
	}{
		{"malformed body", `{`},
		{"no magnets", `{"magnets": [], "dir_id": "dir-1"}`},
		{"missing dir_id", `{"magnets": ["magnet:?xt=a"]}`},
		{"not a magnet link", `{"magnets": ["https://example.com/file"], "dir_id": "dir-1"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/magnet/add", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()

			handleMagnetAdd(env.up).ServeHTTP(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleHealthCheck(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()

	handleHealthCheck().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestAllowCORS(t *testing.T) {
	wrapped := allowCORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/file/info", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// preflight is answered without reaching the handler
	req = httptest.NewRequest(http.MethodOptions, "/file/info", nil)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestConfigureServerRoutes(t *testing.T) {
	var downloads atomic.Int32
	env := newTestEnv(t, fakeUpstream(&downloads))
	env.bootstrap(t)

	cfg := config.Config{
		Upstream: config.UpstreamConfig{LinkCacheTTLSeconds: 60},
	}
	handler := configureServerRoutes(cfg, env.up, env.links)

	req := httptest.NewRequest(http.MethodGet, "/healthcheck", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/file/download?path=/movies/example.mkv", nil)
	req.Header.Set("User-Agent", "VLC/3.0")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/file/download?path=/x", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/unknown", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
