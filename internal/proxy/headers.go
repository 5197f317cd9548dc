package proxy

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/auth"
)

const (
	// BlobPrefix paths are immutable and cached for MaxCacheTime.
	BlobPrefix = "/_blob/"
	// FilePrefix paths need a fresh signature on every request.
	FilePrefix = "/_file/"

	// MaxCacheTime is the blob cache lifetime in seconds.
	MaxCacheTime = 86400
)

// FileHMAC signs a host file path with the host secret.
func FileHMAC(path, hostSecret string) string {
	return auth.ComputeHMAC(hostSecret, path)
}

// IsBlob reports whether the request path is a blob path.
func IsBlob(path string) bool { return strings.HasPrefix(path, BlobPrefix) }

// Headers returns the response headers for r served at path. head omits
// the content length.
func Headers(path string, r Response, head bool, now time.Time) http.Header {
	h := make(http.Header)
	if !head {
		h.Set("Content-Length", strconv.Itoa(len(r.Content)))
	}
	if r.ContentType != "" {
		h.Set("Content-Type", r.ContentType)
	}
	if r.LastModified != "" {
		h.Set("Last-Modified", r.LastModified)
	}
	if r.Etag != "" {
		h.Set("Etag", r.Etag)
	}
	switch {
	case IsBlob(path):
		h.Set("Expires", now.UTC().Add(MaxCacheTime*time.Second).Format(http.TimeFormat))
		h.Set("Cache-Control", fmt.Sprintf("private, max-age=%d", MaxCacheTime))
	case r.LastModified != "" && r.ContentType != "":
		h.Set("Cache-Control", "private, max-age=0, must-revalidate")
	}
	return h
}

// Cacheable reports whether the response may be kept by a blob cache.
// Files are cached only when cacheFiles is set and the host reported a
// modification time.
func Cacheable(path string, r Response, head, cacheFiles bool) bool {
	if head || r.Status != http.StatusOK {
		return false
	}
	return IsBlob(path) || (cacheFiles && r.LastModified != "")
}
