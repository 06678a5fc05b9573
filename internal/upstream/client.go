// Package upstream is the client for the 115 open-platform API: the refresh
// grant at the passport host, and the file/offline-task operations at the
// API host. Every call authorizes with the process's token source, so a
// refresh landing mid-retry is picked up on the next attempt.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/open115/bridge/internal/config"
	"github.com/open115/bridge/internal/retry"
	"github.com/rs/zerolog/log"
)

// TokenSource supplies a currently valid access token for upstream calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

type Client struct {
	httpClient  *http.Client
	apiURL      string
	passportURL string
	tokens      TokenSource
	policy      retry.Policy
	now         func() time.Time
}

func New(cfg config.UpstreamConfig, tokens TokenSource) *Client {
	return &Client{
		httpClient: &http.Client{
			// bounded so request handlers and manager shutdown never hang on
			// a dead upstream
			Timeout: 20 * time.Second,
		},
		apiURL:      strings.TrimSuffix(cfg.APIURL, "/"),
		passportURL: strings.TrimSuffix(cfg.PassportURL, "/"),
		tokens:      tokens,
		policy:      retry.DefaultPolicy(),
		now:         time.Now,
	}
}

// envelope is the response wrapper every upstream endpoint shares.
type envelope struct {
	State   bool            `json:"state"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(res *http.Response) (envelope, error) {
	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return envelope{}, &retry.StatusError{StatusCode: res.StatusCode, URL: res.Request.URL.String()}
	}

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("decoding upstream response: %w", err)
	}
	return env, nil
}

// RefreshAccessToken exchanges the refresh token for a new grant. Transient
// failures are retried under the client's policy; an explicit rejection is
// returned as *AuthError without further attempts.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (Grant, error) {
	log.Info().Msg("refreshing access token at issuer")

	return retry.Do(ctx, c.policy, func() (Grant, error) {
		form := url.Values{"refresh_token": {refreshToken}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.passportURL+"/open/refreshToken", strings.NewReader(form.Encode()))
		if err != nil {
			return Grant{}, fmt.Errorf("building refresh request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		res, err := c.httpClient.Do(req)
		if err != nil {
			return Grant{}, fmt.Errorf("refresh request failed: %w", err)
		}
		defer res.Body.Close()

		env, err := decodeEnvelope(res)
		if err != nil {
			return Grant{}, err
		}
		if !env.State {
			return Grant{}, &AuthError{Message: env.Message, Code: env.Code}
		}

		var data struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
			ExpiresIn    int64  `json:"expires_in"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return Grant{}, fmt.Errorf("decoding refresh grant: %w", err)
		}

		grant := Grant{
			AccessToken:  data.AccessToken,
			RefreshToken: data.RefreshToken,
			ExpiresAt:    c.now().Unix() + data.ExpiresIn,
		}
		log.Info().Int64("expires_in", data.ExpiresIn).Msg("access token refresh granted")
		return grant, nil
	})
}

// FileInfoByPath resolves a file or folder path to its metadata. Returns
// ErrFileNotFound when the upstream reports no match.
func (c *Client) FileInfoByPath(ctx context.Context, path string) (FileInfo, error) {
	return retry.Do(ctx, c.policy, func() (FileInfo, error) {
		form := url.Values{"path": {path}}
		env, err := c.postForm(ctx, c.apiURL+"/open/folder/get_info", form, "")
		if err != nil {
			return FileInfo{}, err
		}

		// the upstream signals "no such path" with an empty list payload
		if bytes.Equal(bytes.TrimSpace(env.Data), []byte("[]")) {
			return FileInfo{}, ErrFileNotFound
		}

		var info FileInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return FileInfo{}, fmt.Errorf("decoding file info: %w", err)
		}
		return info, nil
	})
}

// DownloadURL derives a download link for the file identified by pickCode.
// The link is bound to the supplied User-Agent, which must match the client
// that will fetch it.
func (c *Client) DownloadURL(ctx context.Context, pickCode, userAgent string) (DownloadInfo, error) {
	return retry.Do(ctx, c.policy, func() (DownloadInfo, error) {
		form := url.Values{"pick_code": {pickCode}}
		env, err := c.postForm(ctx, c.apiURL+"/open/ufile/downurl", form, userAgent)
		if err != nil {
			return DownloadInfo{}, err
		}

		var data map[string]DownloadInfo
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return DownloadInfo{}, fmt.Errorf("decoding download info: %w", err)
		}

		if info, ok := data[pickCode]; ok {
			return info, nil
		}
		for _, info := range data {
			return info, nil
		}
		return DownloadInfo{}, fmt.Errorf("no download info for pick code %s", pickCode)
	})
}

// PlayURL derives a playback link for the video file identified by pickCode.
func (c *Client) PlayURL(ctx context.Context, pickCode, userAgent string) (PlayInfo, error) {
	return retry.Do(ctx, c.policy, func() (PlayInfo, error) {
		endpoint := c.apiURL + "/open/video/play?" + url.Values{"pick_code": {pickCode}}.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return PlayInfo{}, fmt.Errorf("building play request: %w", err)
		}
		if err := c.authorize(ctx, req, userAgent); err != nil {
			return PlayInfo{}, err
		}

		res, err := c.httpClient.Do(req)
		if err != nil {
			return PlayInfo{}, fmt.Errorf("play request failed: %w", err)
		}
		defer res.Body.Close()

		env, err := decodeEnvelope(res)
		if err != nil {
			return PlayInfo{}, err
		}
		if !env.State {
			return PlayInfo{}, &APIError{Message: env.Message, Code: env.Code}
		}

		var info PlayInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return PlayInfo{}, fmt.Errorf("decoding play info: %w", err)
		}
		return info, nil
	})
}

// AddOfflineTasks submits offline-download tasks for the given URLs into the
// directory identified by dirID, returning the upstream's per-task outcomes.
func (c *Client) AddOfflineTasks(ctx context.Context, urls []string, dirID string) ([]TaskResult, error) {
	return retry.Do(ctx, c.policy, func() ([]TaskResult, error) {
		form := url.Values{
			"urls":       {strings.Join(urls, "\n")},
			"wp_path_id": {dirID},
		}
		env, err := c.postForm(ctx, c.apiURL+"/open/offline/add_task_urls", form, "")
		if err != nil {
			return nil, err
		}

		var results []TaskResult
		if err := json.Unmarshal(env.Data, &results); err != nil {
			return nil, fmt.Errorf("decoding task results: %w", err)
		}
		return results, nil
	})
}

// postForm issues an authorized form POST and decodes the shared envelope,
// converting a declined envelope into *APIError.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, userAgent string) (envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return envelope{}, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := c.authorize(ctx, req, userAgent); err != nil {
		return envelope{}, err
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return envelope{}, fmt.Errorf("upstream request failed: %w", err)
	}
	defer res.Body.Close()

	env, err := decodeEnvelope(res)
	if err != nil {
		return envelope{}, err
	}
	if !env.State {
		return envelope{}, &APIError{Message: env.Message, Code: env.Code}
	}
	return env, nil
}

// authorize attaches the bearer token, fetched per attempt so a concurrent
// refresh is honoured, and the caller's User-Agent when the derived link must
// be bound to it.
func (c *Client) authorize(ctx context.Context, req *http.Request, userAgent string) error {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	return nil
}
