package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/open115/bridge/internal/retry"
	"github.com/open115/bridge/internal/token"
	"github.com/open115/bridge/internal/ttlcache"
	"github.com/open115/bridge/internal/upstream"
	"github.com/rs/zerolog/log"
)

// resolvedLink is a derived resource URL memoized in the shared TTL cache.
type resolvedLink struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	PickCode string `json:"pick_code"`
}

func handleFileInfo(up *upstream.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		path := r.URL.Query().Get("path")
		if path == "" {
			writeJSONError(w, http.StatusBadRequest, "path parameter is required")
			return
		}

		info, err := up.FileInfoByPath(r.Context(), path)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Str("path", path).Msg("file info lookup failed")
			writeJSONError(w, status, message)
			return
		}

		writeJSON(w, info)
	})
}

// handleLinkRedirect resolves a path to a derived URL and redirects to it.
// Resolution results are memoized in the shared cache, keyed by a digest of
// the resource path and the client's User-Agent: upstream links are bound to
// the requesting agent, so a different agent must never hit another's entry.
func handleLinkRedirect(
	kind string,
	links *ttlcache.Cache[resolvedLink],
	ttl time.Duration,
	resolve func(r *http.Request, path string) (resolvedLink, error),
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		path := r.URL.Query().Get("path")
		if path == "" {
			writeJSONError(w, http.StatusBadRequest, "path parameter is required")
			return
		}

		key := ttlcache.Key(kind, path, r.Header.Get("User-Agent"))

		link, found, err := links.Get(r.Context(), key)
		if err != nil {
			// degraded cache is not fatal; resolve upstream instead
			log.Warn().Err(err).Msg("link cache read failed")
		}
		if found {
			http.Redirect(w, r, link.URL, http.StatusFound)
			return
		}

		link, err = resolve(r, path)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Str("path", path).Str("kind", kind).Msg("link resolution failed")
			writeJSONError(w, status, message)
			return
		}

		if err := links.Set(r.Context(), key, link, ttl); err != nil {
			log.Warn().Err(err).Msg("link cache write failed")
		}

		http.Redirect(w, r, link.URL, http.StatusFound)
	})
}

func handleDownload(up *upstream.Client, links *ttlcache.Cache[resolvedLink], ttl time.Duration) http.Handler {
	return handleLinkRedirect("download", links, ttl, func(r *http.Request, path string) (resolvedLink, error) {
		info, err := up.FileInfoByPath(r.Context(), path)
		if err != nil {
			return resolvedLink{}, err
		}

		dl, err := up.DownloadURL(r.Context(), info.PickCode, r.Header.Get("User-Agent"))
		if err != nil {
			return resolvedLink{}, err
		}

		return resolvedLink{
			URL:      dl.URL.URL,
			FileName: dl.FileName,
			PickCode: dl.PickCode,
		}, nil
	})
}

func handlePlay(up *upstream.Client, links *ttlcache.Cache[resolvedLink], ttl time.Duration) http.Handler {
	return handleLinkRedirect("play", links, ttl, func(r *http.Request, path string) (resolvedLink, error) {
		info, err := up.FileInfoByPath(r.Context(), path)
		if err != nil {
			return resolvedLink{}, err
		}

		play, err := up.PlayURL(r.Context(), info.PickCode, r.Header.Get("User-Agent"))
		if err != nil {
			return resolvedLink{}, err
		}

		return resolvedLink{
			URL:      play.VideoURL,
			FileName: info.FileName,
			PickCode: info.PickCode,
		}, nil
	})
}

type magnetRequest struct {
	Magnets []string `json:"magnets"`
	DirID   string   `json:"dir_id"`
}

type magnetResult struct {
	State    bool   `json:"state"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	InfoHash string `json:"info_hash,omitempty"`
	URL      string `json:"url"`
	Type     string `json:"type"`
}

func handleMagnetAdd(up *upstream.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req magnetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if len(req.Magnets) == 0 {
			writeJSONError(w, http.StatusBadRequest, "magnets must not be empty")
			return
		}
		if req.DirID == "" {
			writeJSONError(w, http.StatusBadRequest, "dir_id is required")
			return
		}
		for _, magnet := range req.Magnets {
			if !strings.HasPrefix(magnet, "magnet:") {
				writeJSONError(w, http.StatusBadRequest, "magnets must start with \"magnet:\"")
				return
			}
		}

		results, err := up.AddOfflineTasks(r.Context(), req.Magnets, req.DirID)
		if err != nil {
			status, message := errorStatus(err)
			log.Info().Err(err).Int("magnets", len(req.Magnets)).Msg("offline task creation failed")
			writeJSONError(w, status, message)
			return
		}

		response := make([]magnetResult, 0, len(results))
		for _, result := range results {
			out := magnetResult{
				State:    result.State,
				Code:     result.Code,
				Message:  result.Message,
				InfoHash: result.InfoHash,
				URL:      result.URL,
			}
			switch {
			case result.State:
				out.Type = "success"
			case result.Duplicate():
				out.Type = "duplicate"
			default:
				out.Type = "failed"
			}
			response = append(response, out)
		}

		writeJSON(w, response)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// allowCORS is deliberately permissive: the bridge fronts read-only derived
// URLs for browser-based players.
func allowCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Info().Msgf("failed to write response: %v", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus maps an error to the HTTP status and message returned to the
// client. Handlers unable to obtain a token fail fast with 503 rather than
// hanging.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, token.ErrNotBootstrapped), errors.Is(err, token.ErrWaitTimeout):
		return http.StatusServiceUnavailable, "service unavailable: credentials not ready"
	case errors.Is(err, upstream.ErrFileNotFound):
		return http.StatusNotFound, "file not found"
	}

	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway, apiErr.Message
	}

	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) {
		return http.StatusBadGateway, "upstream request failed"
	}

	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
