// Package auth validates credentials under the configured authentication
// policy and issues the cookie states that identify authorized sessions.
//
// A Controller is owned by the event loop: none of its methods are safe for
// concurrent use. Blocking work (external login validation, account setup) is
// handed to the worker pool and its result comes back on the loop.
package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/termhub/internal/buffer"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/loop"
	"github.com/remote-agent-terminal/termhub/internal/model"
)

const (
	// MaxCookieStates bounds the authorized cookie states (FIFO eviction).
	MaxCookieStates = 300

	// MaxConnectCookies bounds outstanding one-time connect cookies.
	MaxConnectCookies = 100

	// DefaultCookieTTL is the default inactivity limit for a cookie state.
	DefaultCookieTTL = 24 * time.Hour

	// DefaultTaskTimeout bounds external login and setup calls.
	DefaultTaskTimeout = 15 * time.Second

	// CookieName is the name of the session cookie.
	CookieName = "TERMHUB_AUTH"

	// KeyVersion is the key version of per-user codes.
	KeyVersion = "1"

	// EmailKeyVersion is the key version used for email confirmation tokens.
	EmailKeyVersion = "email"
)

var (
	userRE  = regexp.MustCompile(`^[a-z][a-z0-9]*$`)
	emailRE = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)
)

// ValidUser reports whether name is an acceptable user name.
func ValidUser(name string) bool {
	return name != model.LocalHost && userRE.MatchString(name)
}

// ValidEmail reports whether s looks like an email address.
func ValidEmail(s string) bool {
	return emailRE.MatchString(s)
}

// User is an explicitly configured account.
type User struct {
	Code  string
	Email string
}

// Options configure a Controller.
type Options struct {
	Policy     model.AuthType
	Code       string
	SuperUsers []string
	// Users with explicit codes. When non-empty, multi-user validation only
	// accepts these users (besides the master code).
	Users     map[string]User
	Groups    map[string]string
	GroupCode string
	// UserSetup is "", "manual" or "auto".
	UserSetup   string
	NoGoogAuth  bool
	HTTPS       bool
	CookieTTL   time.Duration
	TaskTimeout time.Duration
	Banner      string
	AuthFile    string
}

// HostDirectory exposes what the controller needs to know about host links.
type HostDirectory interface {
	HostParam(host, name string) string
	Connected(host string) bool
	Hosts() []string
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Hosts HostDirectory
	// NameInUse reports whether a user name currently has live connections.
	NameInUse   func(user string) bool
	Validator   Validator
	Provisioner Provisioner
	Pool        *loop.Pool
}

// Credentials are the handshake values of one socket open.
type Credentials struct {
	User  string
	Code  string
	Email string
	Eauth string
	// Cauth is the connect nonce; empty unless it named a live connect cookie.
	Cauth string
	// Webcast is set when the requested path is webcast and the policy allows it.
	Webcast bool
}

// Prompt is the payload of an authenticate message.
type Prompt struct {
	NeedUser string `json:"need_user"`
	NeedCode string `json:"need_code"`
	HMACAuth bool   `json:"hmac_auth"`
	GoogAuth bool   `json:"goog_auth"`
	Cookie   string `json:"cookie"`
	Message  string `json:"message"`
}

// Result is the outcome of Authorize. Exactly one of Session, Prompt or
// Abort is set.
type Result struct {
	Session *model.AuthSession
	Prompt  *Prompt
	// Abort is the message of a terminal refusal.
	Abort        string
	NewUserCode  string
	NewUserEmail string
}

// Failure returns the classified error of a failed result, or nil.
func (r Result) Failure() error {
	switch {
	case r.Abort != "":
		return model.NewError(model.KindAuthorizationDenied, "%s", r.Abort)
	case r.Prompt != nil:
		return model.NewError(model.KindAuthFailure, "%s", r.Prompt.Message)
	}
	return nil
}

// Controller validates credentials and owns cookie and connect-cookie state.
type Controller struct {
	opts    Options
	policy  model.AuthType
	code    string
	supers  map[string]bool
	deps    Deps
	states  *buffer.FIFOMap[string, *model.AuthSession]
	connect *buffer.FIFOMap[string, map[string]string]
	now     func() time.Time
}

// New creates a Controller.
func New(opts Options, deps Deps) (*Controller, error) {
	if opts.CookieTTL <= 0 {
		opts.CookieTTL = DefaultCookieTTL
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if deps.NameInUse == nil {
		deps.NameInUse = func(string) bool { return false }
	}
	c := &Controller{
		opts:    opts,
		supers:  make(map[string]bool),
		deps:    deps,
		states:  buffer.NewFIFOMap[string, *model.AuthSession](MaxCookieStates),
		connect: buffer.NewFIFOMap[string, map[string]string](MaxConnectCookies),
		now:     time.Now,
	}
	for _, u := range opts.SuperUsers {
		c.supers[strings.ToLower(u)] = true
	}
	if err := c.SetPolicy(opts.Policy, opts.Code); err != nil {
		return nil, err
	}
	return c, nil
}

// SetHosts installs the host directory once the host link manager exists.
func (c *Controller) SetHosts(h HostDirectory) {
	c.deps.Hosts = h
}

// SetNameInUse installs the live-user lookup once the registry exists.
func (c *Controller) SetNameInUse(fn func(string) bool) {
	c.deps.NameInUse = fn
}

// SetPolicy hot-swaps the policy. Cookie states issued under another type
// stop validating.
func (c *Controller) SetPolicy(policy model.AuthType, code string) error {
	switch policy {
	case model.AuthNull, model.AuthName:
		code = ""
	case model.AuthSingle, model.AuthMulti, model.AuthLogin:
		code = strings.TrimSpace(code)
		if code == "" {
			return fmt.Errorf("auth type %s requires a non-blank code", policy)
		}
	default:
		return fmt.Errorf("invalid auth type %d", policy)
	}
	c.policy = policy
	c.code = code
	return nil
}

// Policy returns the live policy.
func (c *Controller) Policy() model.AuthType { return c.policy }

// Code returns the master code.
func (c *Controller) Code() string { return c.code }

// IsSuper reports super-user rights. Under the open policy the anonymous
// user is super.
func (c *Controller) IsSuper(user string) bool {
	if user == "" {
		return c.policy == model.AuthNull
	}
	return c.supers[user]
}

// IsSuperOrSingle extends IsSuper to single-code sessions on a single-code server.
func (c *Controller) IsSuperOrSingle(user string, authType model.AuthType) bool {
	return c.IsSuper(user) || (authType == model.AuthSingle && c.policy == model.AuthSingle)
}

// IsPrivileged reports whether s has super-user rights.
func (c *Controller) IsPrivileged(s *model.AuthSession) bool {
	if s == nil {
		return false
	}
	return c.IsSuperOrSingle(s.User, s.AuthType)
}

// HasSuperUsers reports whether any super users are configured.
func (c *Controller) HasSuperUsers() bool { return len(c.supers) > 0 }

// SameGroup reports whether two users share a configured group.
func (c *Controller) SameGroup(u1, u2 string) bool {
	g := c.opts.Groups[u1]
	return g != "" && g == c.opts.Groups[u2]
}

// HasGroups reports whether user groups are configured.
func (c *Controller) HasGroups() bool { return len(c.opts.Groups) > 0 }

// GetSession returns the cookie state for stateID, or nil if it is missing,
// idle for longer than the TTL, or of a type other than the live policy. The
// last two cases drop the state.
func (c *Controller) GetSession(stateID string) *model.AuthSession {
	if stateID == "" {
		return nil
	}
	s, ok := c.states.Get(stateID)
	if !ok {
		return nil
	}
	now := c.now()
	if s.AuthType != c.policy || now.Sub(s.LastSeen) > c.opts.CookieTTL {
		c.states.Delete(stateID)
		return nil
	}
	s.LastSeen = now
	return s
}

// DropSession forgets a cookie state.
func (c *Controller) DropSession(stateID string) {
	c.states.Delete(stateID)
}

// SessionCount returns the number of stored cookie states.
func (c *Controller) SessionCount() int { return c.states.Len() }

func (c *Controller) addSession(user string, authType model.AuthType) *model.AuthSession {
	now := c.now()
	s := &model.AuthSession{User: user, AuthType: authType, CreatedAt: now, LastSeen: now}
	if authType == model.AuthWebcast {
		return s
	}
	s.StateID = strings.ReplaceAll(uuid.NewString(), "-", "")
	c.states.Set(s.StateID, s)
	return s
}

// NewConnectCookie mints a one-time connect cookie.
func (c *Controller) NewConnectCookie() string {
	cookie := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	c.connect.Set(cookie, map[string]string{})
	return cookie
}

// CheckConnectCookie consumes cookie and returns the form data bound to it.
func (c *Controller) CheckConnectCookie(cookie string) (map[string]string, bool) {
	if cookie == "" {
		return nil, false
	}
	return c.connect.Pop(cookie)
}

// UpdateConnectCookie binds form data to a live connect cookie.
func (c *Controller) UpdateConnectCookie(cookie string, data map[string]string) bool {
	if !c.connect.Has(cookie) {
		return false
	}
	c.connect.Set(cookie, data)
	return true
}

// Authorize validates creds under the live policy and calls done with the
// result, possibly later (on the loop) when validation needs the pool.
func (c *Controller) Authorize(creds Credentials, done func(Result)) {
	if c.policy == model.AuthNull {
		done(Result{Session: c.addSession("", model.AuthNull)})
		return
	}

	user := strings.ToLower(strings.TrimSpace(creds.User))
	if user != "" && !ValidUser(user) {
		done(Result{Abort: fmt.Sprintf("Invalid username '%s'; must start with letter and include only letters/digits", html.EscapeString(user))})
		return
	}

	a := &attempt{c: c, creds: creds, user: user, done: done}
	if abort := a.checkEmail(); abort != "" {
		done(Result{Abort: abort})
		return
	}
	a.run()
}

// attempt carries one authorization through its possibly asynchronous steps.
type attempt struct {
	c            *Controller
	creds        Credentials
	user         string
	authEmail    string
	newUserEmail string
	newUserCode  string
	message      string
	done         func(Result)
}

func (a *attempt) checkEmail() string {
	c, creds := a.c, a.creds
	email := strings.ToLower(creds.Email)
	if creds.Cauth == "" || creds.Eauth == "" || !ValidEmail(email) || c.policy != model.AuthMulti || c.opts.NoGoogAuth {
		return ""
	}
	if creds.Eauth != ComputeHMAC(UserCode(c.code, email, EmailKeyVersion), creds.Cauth) {
		return ""
	}
	if a.user != "" {
		if !c.accountExists(a.user) {
			a.newUserEmail = email
			return ""
		}
		host := a.user
		if c.IsSuper(a.user) {
			host = model.LocalHost
		}
		if email != c.hostParam(host, "host_email") {
			return fmt.Sprintf("Email authentication failed for user %s <%s>", a.user, html.EscapeString(email))
		}
		a.authEmail = email
		return ""
	}
	if c.deps.Hosts == nil {
		return ""
	}
	for _, host := range c.deps.Hosts.Hosts() {
		if host != model.LocalHost && email == c.hostParam(host, "host_email") {
			a.user = host
			a.authEmail = email
			break
		}
	}
	return ""
}

func (a *attempt) run() {
	c, creds, user := a.c, a.creds, a.user
	a.message = "Please authenticate"

	switch {
	case user == "":
		switch {
		case creds.Code == "" && creds.Webcast:
		case c.policy == model.AuthSingle:
			if codeMatches(c.code, creds.Code, creds.Cauth) {
				a.grant(user)
				return
			}
			a.message = "<h3>Login</h3><p>Enter authentication code"
			if c.opts.AuthFile != "" {
				a.message += " (found in " + html.EscapeString(c.opts.AuthFile) + ")"
			}
		default:
			a.message = "<h3>Login</h3><p>Please specify username (letters/digits, starting with letter)."
			if c.opts.UserSetup == "auto" && c.opts.GroupCode != "" {
				a.message += "<br><em>If new user, enter your group code to create account.</em>"
			}
		}
	case c.policy == model.AuthName:
		if !c.deps.NameInUse(user) {
			a.grant(user)
			return
		}
		a.message = fmt.Sprintf("User name %s already in use", html.EscapeString(user))
	case c.policy == model.AuthLogin:
		a.login()
		return
	case c.policy == model.AuthMulti:
		a.multi()
		return
	}
	a.fail()
}

func (a *attempt) login() {
	c, user := a.c, a.user
	if c.deps.Validator == nil || c.deps.Pool == nil {
		a.message = fmt.Sprintf("Login failed for user %s (no validator)", html.EscapeString(user))
		a.fail()
		return
	}
	password := a.creds.Code
	validator := c.deps.Validator
	c.deps.Pool.Submit(c.opts.TaskTimeout, func(ctx context.Context) (any, error) {
		return validator.Validate(ctx, user, password)
	}, func(v any, err error) {
		if err != nil {
			slog.Error("auth: login validation failed", "user", logutil.SanitizeForLog(user), "error", err)
			a.message = fmt.Sprintf("Login failed for user %s (internal error)", html.EscapeString(user))
			a.fail()
			return
		}
		if ok, _ := v.(bool); !ok {
			a.message = fmt.Sprintf("Login failed for user %s; check username/password", html.EscapeString(user))
			a.fail()
			return
		}
		if !c.IsSuper(user) && !c.hostConnected(user) {
			a.setup("activated", "Error in setting up user "+user)
			return
		}
		a.grant(user)
	})
}

func (a *attempt) multi() {
	c, creds, user := a.c, a.creds, a.user
	validated := false
	needSetup := false

	switch {
	case codeMatches(c.code, creds.Code, creds.Cauth):
		validated = true
	case len(c.opts.Users) > 0:
		if u, ok := c.opts.Users[user]; ok {
			validated = codeMatches(u.Code, creds.Code, creds.Cauth)
		}
	case c.accountExists(user):
		validated = a.authEmail != "" || codeMatches(UserCode(c.code, user, KeyVersion), creds.Code, creds.Cauth)
		needSetup = validated && !c.IsSuper(user) && c.opts.UserSetup == "manual" && !c.hostConnected(user)
	case !c.IsSuper(user) && c.opts.UserSetup == "auto" && c.opts.GroupCode != "":
		if !codeMatches(c.opts.GroupCode, creds.Code, creds.Cauth) {
			a.done(Result{Abort: "Invalid group authentication code"})
			return
		}
		a.newUserCode = Dashify(UserCode(c.code, user, KeyVersion))
		a.setup(a.newUserCode, "Error in creating new user "+user)
		return
	}

	if needSetup {
		a.setup("activated", "Error in setting up user "+user)
		return
	}
	if validated {
		a.grant(user)
		return
	}
	if creds.Code != "" {
		a.message = fmt.Sprintf("Authentication failed for user %s; check username/code", html.EscapeString(user))
	} else {
		a.message = "Validation code required for user " + html.EscapeString(user)
	}
	a.fail()
}

// setup provisions the account on the pool, then grants or aborts.
func (a *attempt) setup(code, abort string) {
	c, user, email := a.c, a.user, a.newUserEmail
	if c.deps.Provisioner == nil || c.deps.Pool == nil {
		a.done(Result{Abort: abort})
		return
	}
	p := c.deps.Provisioner
	c.deps.Pool.Submit(c.opts.TaskTimeout, func(ctx context.Context) (any, error) {
		return nil, p.Setup(ctx, user, email)
	}, func(_ any, err error) {
		if err != nil {
			slog.Error("auth: account setup failed", "user", logutil.SanitizeForLog(user), "error", err,
				"timeout", errors.Is(err, model.ErrTimeout))
			a.done(Result{Abort: abort})
			return
		}
		slog.Info("auth: account set up", "user", user)
		a.newUserCode = code
		a.grant(user)
	})
}

func (a *attempt) grant(user string) {
	a.done(Result{
		Session:      a.c.addSession(user, a.c.policy),
		NewUserCode:  a.newUserCode,
		NewUserEmail: a.newUserEmail,
	})
}

// fail issues a webcast session when allowed, otherwise an authenticate prompt.
func (a *attempt) fail() {
	c := a.c
	if a.creds.Webcast {
		a.done(Result{Session: c.addSession(a.user, model.AuthWebcast)})
		return
	}
	p := &Prompt{
		HMACAuth: c.policy != model.AuthLogin,
		GoogAuth: c.policy == model.AuthMulti && !c.opts.NoGoogAuth,
		Cookie:   c.NewConnectCookie(),
		Message:  a.message,
	}
	if c.policy == model.AuthName || c.policy >= model.AuthMulti {
		p.NeedUser = "_"
		if c.opts.HTTPS && a.user != "" {
			p.NeedUser = a.user
		}
	}
	if c.policy >= model.AuthSingle {
		p.NeedCode = "_"
		if c.opts.HTTPS && a.creds.Code != "" {
			p.NeedCode = a.creds.Code
		}
	}
	if c.opts.Banner != "" {
		p.Message = c.opts.Banner + "<p>" + p.Message
	}
	a.done(Result{Prompt: p})
}

func (c *Controller) hostParam(host, name string) string {
	if c.deps.Hosts == nil {
		return ""
	}
	return c.deps.Hosts.HostParam(host, name)
}

func (c *Controller) hostConnected(host string) bool {
	return c.deps.Hosts != nil && c.deps.Hosts.Connected(host)
}

func (c *Controller) accountExists(user string) bool {
	if _, ok := c.opts.Users[user]; ok {
		return true
	}
	if c.hostConnected(user) {
		return true
	}
	return c.deps.Provisioner != nil && c.deps.Provisioner.Exists(user)
}

// AuthToken answers a command-line client's token request: the server nonce
// and a token proving knowledge of the key for user.
func (c *Controller) AuthToken(user, keyVersion, clientNonce, externalHost string) (serverNonce, token string, err error) {
	if clientNonce == "" {
		return "", "", model.ErrUnauthorized
	}
	if keyVersion == "" {
		keyVersion = KeyVersion
	}
	key := "none"
	switch {
	case c.policy >= model.AuthMulti && user != "":
		key = UserCode(c.code, strings.ToLower(user), keyVersion)
	case c.policy >= model.AuthSingle:
		key = c.code
	}
	serverNonce = c.NewConnectCookie()
	token = ComputeHMAC(key, strings.Join([]string{"termhub", externalHost, clientNonce, serverNonce}, ":"))
	return serverNonce, token, nil
}
