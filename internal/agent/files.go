package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// MaxFileSize bounds files served over the link.
const MaxFileSize = 8 << 20

type fileRequest struct {
	ID         int
	Method     string
	Path       string
	IfModSince string
}

type fileResult struct {
	status  int
	headers map[string]any
	content []byte
}

func (a *Agent) serveFile(req fileRequest) {
	res := a.readFile(req)
	opts := res.headers
	if opts == nil {
		opts = map[string]any{}
	}
	opts["status"] = []any{res.status, http.StatusText(res.status)}
	a.respond("", "", res.content, protocol.New("file_response", req.ID, opts))
}

func (a *Agent) readFile(req fileRequest) fileResult {
	if a.cfg.Root == "" {
		return fileResult{status: http.StatusForbidden}
	}
	full := filepath.Join(a.cfg.Root, filepath.Clean("/"+req.Path))
	info, err := os.Stat(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fileResult{status: http.StatusNotFound}
	case err != nil:
		slog.Warn("agent: stat failed", "path", full, "error", err)
		return fileResult{status: http.StatusInternalServerError}
	case info.IsDir():
		return fileResult{status: http.StatusForbidden}
	case info.Size() > MaxFileSize:
		return fileResult{status: http.StatusRequestEntityTooLarge}
	}

	mod := info.ModTime().UTC().Truncate(time.Second)
	headers := map[string]any{
		"last_modified": mod.Format(http.TimeFormat),
		"etag":          fmt.Sprintf(`"%x-%x"`, mod.Unix(), info.Size()),
	}
	if req.IfModSince != "" {
		if since, err := http.ParseTime(req.IfModSince); err == nil && !mod.After(since) {
			return fileResult{status: http.StatusNotModified, headers: headers}
		}
	}

	var content []byte
	if req.Method != http.MethodHead {
		content, err = os.ReadFile(full)
		if err != nil {
			slog.Warn("agent: read failed", "path", full, "error", err)
			return fileResult{status: http.StatusInternalServerError}
		}
	}
	ctype := mime.TypeByExtension(filepath.Ext(full))
	if ctype == "" {
		if len(content) > 0 {
			ctype = http.DetectContentType(content)
		} else {
			ctype = "application/octet-stream"
		}
	}
	headers["content_type"] = ctype
	return fileResult{status: http.StatusOK, headers: headers, content: content}
}
