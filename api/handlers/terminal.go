package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/ws"
)

// TerminalHandler serves the terminal socket and the requests that prepare
// it: action redirects, form posts and command-line auth tokens.
type TerminalHandler struct {
	loop         Caller
	auth         *auth.Controller
	server       *ws.Server
	externalHost string
}

// NewTerminalHandler creates a new TerminalHandler.
func NewTerminalHandler(loop Caller, ctrl *auth.Controller, server *ws.Server, externalHost string) *TerminalHandler {
	return &TerminalHandler{
		loop:         loop,
		auth:         ctrl,
		server:       server,
		externalHost: externalHost,
	}
}

// WebSocket handles GET /_websocket/*path.
func (h *TerminalHandler) WebSocket(c *gin.Context) {
	if err := h.server.ServeWS(c.Writer, c.Request, c.Param("path")); err != nil {
		// The upgrader has already answered the request.
		slog.Debug("handlers: websocket upgrade failed", "error", err)
	}
}

// Action returns the handler of GET /_steal/*path and /_watch/*path. The
// query, with action set, is bound to a connect cookie and the browser is
// redirected to the plain terminal path.
func (h *TerminalHandler) Action(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		target := "/" + strings.TrimPrefix(c.Param("path"), "/")
		args := firstValues(c.Request.URL.Query())
		args["action"] = action
		qauth, cauth := args["qauth"], args["cauth"]
		stateID, _ := c.Cookie(auth.CookieName)

		bound := false
		err := h.loop.Call(c.Request.Context(), func() {
			if cauth == "" && qauth != "" {
				if sess := h.auth.GetSession(stateID); sess != nil && qauth == model.Qauth(sess.StateID) {
					cauth = h.auth.NewConnectCookie()
				}
			}
			bound = cauth != "" && h.auth.UpdateConnectCookie(cauth, args)
		})
		if err != nil {
			sendLoopError(c, err)
			return
		}
		if !bound {
			slog.Error("handlers: unauthenticated URI", "uri", logutil.SanitizeForLog(c.Request.RequestURI))
			sendError(c, http.StatusForbidden, "UNAUTHENTICATED", "Unauthenticated URI error")
			return
		}

		q := url.Values{"cauth": {cauth}}
		if qauth != "" {
			q.Set("qauth", qauth)
		}
		c.Redirect(http.StatusFound, target+"?"+q.Encode())
	}
}

// Form handles POST /_form/*path.
func (h *TerminalHandler) Form(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid form: "+err.Error())
		return
	}
	args := firstValues(c.Request.Form)
	cauth := args["cauth"]
	target := "/" + strings.TrimPrefix(c.Param("path"), "/")

	bound := false
	err := h.loop.Call(c.Request.Context(), func() {
		bound = cauth != "" && h.auth.UpdateConnectCookie(cauth, args)
	})
	if err != nil {
		sendLoopError(c, err)
		return
	}
	if !bound {
		slog.Error("handlers: form post without connect cookie", "uri", logutil.SanitizeForLog(c.Request.RequestURI))
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Internal error in POST: "+c.Request.RequestURI)
		return
	}
	c.Redirect(http.StatusFound, target+"?"+url.Values{"cauth": {cauth}}.Encode())
}

// AuthToken handles GET /_auth. The reply is "server_nonce:client_token" in
// plain text.
func (h *TerminalHandler) AuthToken(c *gin.Context) {
	user, keyVersion, nonce := c.Query("user"), c.Query("key_version"), c.Query("nonce")

	var serverNonce, token string
	var tokenErr error
	err := h.loop.Call(c.Request.Context(), func() {
		serverNonce, token, tokenErr = h.auth.AuthToken(user, keyVersion, nonce, h.externalHost)
	})
	if err != nil {
		sendLoopError(c, err)
		return
	}
	if tokenErr != nil {
		c.String(http.StatusUnauthorized, "")
		return
	}
	c.String(http.StatusOK, serverNonce+":"+token)
}

// RegisterRoutes registers the terminal routes.
func (h *TerminalHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/_websocket/*path", h.WebSocket)
	r.GET("/_steal/*path", h.Action("steal"))
	r.GET("/_watch/*path", h.Action("watch"))
	r.POST("/_form/*path", h.Form)
	r.GET("/_auth", h.AuthToken)
}
