package handlers

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/buffer"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/proxy"
)

// MaxCachedFiles bounds the blob cache.
const MaxCachedFiles = 256

// HostCookiePrefix names the cookie carrying a host's shared secret.
const HostCookiePrefix = "TERMHUB_HOST_"

type cachedFile struct {
	header  http.Header
	content []byte
}

// FileHandler proxies /_file and /_blob requests to the host agents.
type FileHandler struct {
	loop       Caller
	auth       *auth.Controller
	hosts      HostDirectory
	tracker    *proxy.Tracker
	cacheFiles bool
	now        func() time.Time

	mu    sync.Mutex
	cache *buffer.FIFOMap[string, cachedFile]
}

// NewFileHandler creates a new FileHandler. cacheFiles lets file responses
// with a modification time into the cache; blobs are always cached.
func NewFileHandler(loop Caller, ctrl *auth.Controller, hosts HostDirectory, tracker *proxy.Tracker, cacheFiles bool) *FileHandler {
	return &FileHandler{
		loop:       loop,
		auth:       ctrl,
		hosts:      hosts,
		tracker:    tracker,
		cacheFiles: cacheFiles,
		now:        time.Now,
		cache:      buffer.NewFIFOMap[string, cachedFile](MaxCachedFiles),
	}
}

func (h *FileHandler) cached(path string) (cachedFile, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Get(path)
}

func (h *FileHandler) store(path string, f cachedFile) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.Set(path, f)
}

// Serve handles GET and HEAD on /_file/*path and /_blob/*path, where path
// is host/filename. File paths need the host's shared secret and an HMAC of
// the file name signed with it.
func (h *FileHandler) Serve(c *gin.Context) {
	reqPath := c.Request.URL.Path
	head := c.Request.Method == http.MethodHead
	host, name, ok := strings.Cut(strings.TrimPrefix(c.Param("path"), "/"), "/")
	if !ok || host == "" || name == "" {
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Null host/filename")
		return
	}
	filePath := "/" + name

	sess, err := session(c, h.loop, h.auth)
	if err != nil {
		sendLoopError(c, err)
		return
	}
	checkHost := c.Query("host")
	anonymous := false
	var hostSecret, expectSecret string
	err = h.loop.Call(c.Request.Context(), func() {
		anonymous = h.auth.Policy() == model.AuthNull
		hostSecret = h.hosts.HostParam(host, "host_secret")
		if checkHost != "" {
			expectSecret = h.hosts.HostParam(checkHost, "host_secret")
		}
	})
	if err != nil {
		sendLoopError(c, err)
		return
	}
	if sess == nil && !anonymous {
		sendError(c, http.StatusForbidden, "FORBIDDEN", "Invalid cookie to access "+reqPath)
		return
	}

	ifModSince := c.GetHeader("If-Modified-Since")
	since, sinceErr := http.ParseTime(ifModSince)
	hasSince := ifModSince != "" && sinceErr == nil

	entry, hit := h.cached(reqPath)
	var modified time.Time
	hasModified := false
	if hit {
		if lm := entry.header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				modified, hasModified = t, true
			}
		}
	}

	if proxy.IsBlob(reqPath) && hit {
		if hasModified && hasSince && !since.Before(modified) {
			c.Status(http.StatusNotModified)
			return
		}
		write(c, entry.header, entry.content, head)
		return
	}

	var fallback *cachedFile
	if strings.HasPrefix(reqPath, proxy.FilePrefix) {
		if code := h.checkFileAccess(c, host, filePath, hostSecret, expectSecret); code != "" {
			sendError(c, http.StatusForbidden, "FORBIDDEN", "Unauthorized access to "+reqPath+" ("+code+")")
			return
		}
		if hit && hasModified && hasSince && since.Before(modified) {
			// The browser copy is older than ours; revalidate ours instead.
			fallback = &entry
			ifModSince = entry.header.Get("Last-Modified")
		}
	}

	resp, ok := h.fetch(c, host, filePath, ifModSince)
	if !ok {
		return
	}
	switch {
	case resp.Status == http.StatusNotModified:
		if fallback != nil && !head {
			write(c, fallback.header, fallback.content, false)
			return
		}
		c.Status(http.StatusNotModified)
		return
	case resp.Status != http.StatusOK:
		c.Status(resp.Status)
		return
	}

	header := proxy.Headers(reqPath, resp, head, h.now())
	write(c, header, resp.Content, head)
	if proxy.Cacheable(reqPath, resp, head, h.cacheFiles) {
		h.store(reqPath, cachedFile{header: header, content: resp.Content})
	}
}

// checkFileAccess returns the code of the first failed check, or "".
func (h *FileHandler) checkFileAccess(c *gin.Context, host, filePath, hostSecret, expectSecret string) string {
	if hostSecret == "" {
		return "ERR1"
	}
	if shared, err := c.Cookie(HostCookiePrefix + strings.ToLower(host)); err == nil && shared != "" {
		if !equal(shared, hostSecret) {
			return "ERR2"
		}
	} else if expectSecret == "" || !equal(expectSecret, c.Query("shared_secret")) {
		return "ERR3"
	}
	if !equal(proxy.FileHMAC(filePath, hostSecret), c.Query("hmac")) {
		return "ERR4"
	}
	return ""
}

// fetch sends a file_request to host and waits for its file_response. A
// host that never answers yields a 504 response from the tracker.
func (h *FileHandler) fetch(c *gin.Context, host, filePath, ifModSince string) (proxy.Response, bool) {
	ch := make(chan proxy.Response, 1)
	id := h.tracker.Add(func(r proxy.Response) { ch <- r })

	var sendErr error
	method := c.Request.Method
	err := h.loop.Call(c.Request.Context(), func() {
		sendErr = h.hosts.Request(host, "", "", "", protocol.New("file_request", id, method, filePath, ifModSince))
	})
	if err == nil {
		err = sendErr
	}
	if err != nil {
		h.tracker.Cancel(id)
		slog.Debug("handlers: file request not sent", "host", logutil.SanitizeForLog(host), "error", err)
		sendError(c, http.StatusNotFound, "HOST_NOT_CONNECTED", "Host "+host+" not connected")
		return proxy.Response{}, false
	}

	select {
	case r := <-ch:
		return r, true
	case <-c.Request.Context().Done():
		h.tracker.Cancel(id)
		return proxy.Response{}, false
	}
}

func write(c *gin.Context, header http.Header, content []byte, head bool) {
	for k, v := range header {
		c.Writer.Header()[k] = v
	}
	c.Writer.WriteHeader(http.StatusOK)
	if !head {
		if _, err := c.Writer.Write(content); err != nil {
			slog.Debug("handlers: file write failed", "error", err)
		}
	}
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RegisterRoutes registers the proxy routes.
func (h *FileHandler) RegisterRoutes(r gin.IRoutes) {
	for _, prefix := range []string{proxy.FilePrefix, proxy.BlobPrefix} {
		r.GET(prefix+"*path", h.Serve)
		r.HEAD(prefix+"*path", h.Serve)
	}
}
