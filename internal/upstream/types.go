package upstream

import (
	"errors"
	"fmt"
)

// ErrFileNotFound indicates the upstream resolved the path to no file.
var ErrFileNotFound = errors.New("file not found")

// Grant is the issuer's response to a refresh-token exchange, with the
// relative expiry already converted to an absolute epoch second.
type Grant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
}

// AuthError is an explicit rejection by the credential issuer. It is not
// retryable: the refresh token is invalid or revoked, and operator
// intervention is required.
type AuthError struct {
	Message string
	Code    int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("issuer rejected token refresh: %s (code %d)", e.Message, e.Code)
}

// AuthRejection marks the error as a non-retryable issuer rejection.
func (e *AuthError) AuthRejection() {}

// APIError is a request the upstream service understood and declined
// (envelope state=false on a non-refresh endpoint).
type APIError struct {
	Message string
	Code    int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream declined request: %s (code %d)", e.Message, e.Code)
}

// FileInfo is the metadata the upstream returns for a file or folder path.
type FileInfo struct {
	Count        int        `json:"count"`
	Size         string     `json:"size"`
	SizeByte     int64      `json:"size_byte"`
	FolderCount  int        `json:"folder_count"`
	PlayLong     int        `json:"play_long"`
	ShowPlayLong int        `json:"show_play_long"`
	PTime        string     `json:"ptime"`
	UTime        string     `json:"utime"`
	FileName     string     `json:"file_name"`
	PickCode     string     `json:"pick_code"`
	SHA1         string     `json:"sha1"`
	FileID       string     `json:"file_id"`
	IsMark       string     `json:"is_mark"`
	OpenTime     int64      `json:"open_time"`
	FileCategory string     `json:"file_category"`
	Paths        []PathInfo `json:"paths"`
}

// PathInfo is one ancestor in a file's path chain.
type PathInfo struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

// DownloadInfo is a derived download link for a file, valid for a limited
// period and bound to the requesting client's User-Agent.
type DownloadInfo struct {
	FileName string       `json:"file_name"`
	FileSize int64        `json:"file_size"`
	PickCode string       `json:"pick_code"`
	SHA1     string       `json:"sha1"`
	URL      DownloadLink `json:"url"`
}

type DownloadLink struct {
	URL string `json:"url"`
}

// PlayInfo is a derived playback link for a video file.
type PlayInfo struct {
	VideoURL string `json:"video_url"`
}

// TaskResult reports the outcome of one offline-download task submission.
type TaskResult struct {
	State    bool   `json:"state"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	InfoHash string `json:"info_hash,omitempty"`
	URL      string `json:"url"`
}

// duplicateTaskCode is the upstream's code for a task already queued.
const duplicateTaskCode = 10008

// Duplicate reports whether the failed submission was declined because an
// identical task already exists.
func (r TaskResult) Duplicate() bool {
	return !r.State && r.Code == duplicateTaskCode
}
