package ws

import (
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/remote-agent-terminal/termhub/internal/auth"
	"github.com/remote-agent-terminal/termhub/internal/hostlink"
	"github.com/remote-agent-terminal/termhub/internal/logutil"
	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
	"github.com/remote-agent-terminal/termhub/internal/registry"
	"github.com/remote-agent-terminal/termhub/internal/wildcard"
)

var sessionRE = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// finish sends b as the only reply and closes c.
func (s *Server) finish(c *Conn, b protocol.Batch) {
	c.Finish(b)
	s.closed(c)
}

// open runs the decision tree of a new connection: connect cookie, embedding,
// authentication, form check, listings, path validation, terminal creation,
// control and registration.
func (s *Server) open(c *Conn, req openRequest) {
	if c.state == StateClosed {
		return
	}
	c.state = StateAuthenticating
	c.path = req.target()

	query := req.query
	cauth := query["cauth"]
	if data, ok := s.auth.CheckConnectCookie(cauth); !ok {
		cauth = ""
	} else if len(data) > 0 {
		// Query values override the form data bound to the cookie.
		merged := make(map[string]string, len(data)+len(query))
		for k, v := range data {
			merged[k] = v
		}
		for k, v := range query {
			merged[k] = v
		}
		query = merged
	}

	if _, embedded := query["embedded"]; embedded && !s.opts.AllowEmbed {
		s.finish(c, protocol.Single("body", "Terminal cannot be embedded in web page on different host. Restart server with embedding allowed to permit cross-host embedding."))
		return
	}

	webcast := s.auth.Policy() <= model.AuthSingle && s.reg.IsWebcast(c.path)

	if sess := s.auth.GetSession(req.stateID); sess != nil {
		s.authorized(c, req, query, cauth, webcast, auth.Result{Session: sess})
		return
	}
	creds := auth.Credentials{
		User:    query["user"],
		Code:    query["code"],
		Email:   query["email"],
		Eauth:   query["eauth"],
		Cauth:   cauth,
		Webcast: webcast,
	}
	s.auth.Authorize(creds, func(res auth.Result) {
		if c.state == StateClosed {
			return
		}
		s.guard(c, func() { s.authorized(c, req, query, cauth, webcast, res) })
	})
}

func (s *Server) authorized(c *Conn, req openRequest, query map[string]string, cauth string, webcast bool, res auth.Result) {
	if err := res.Failure(); err != nil {
		if res.Prompt != nil {
			err = &promptError{prompt: res.Prompt}
		}
		s.fail(c, err)
		return
	}
	sess := res.Session
	c.auth = sess
	user := sess.User
	slog.Debug("ws: authenticated", "user", logutil.SanitizeForLog(user), "auth_type", sess.AuthType)

	qauth := query["qauth"]
	if !s.opts.NoFormCheck && cauth == "" && (qauth == "" || qauth != model.Qauth(sess.StateID)) {
		// Unproven query data is discarded.
		query = map[string]string{}
		qauth = ""
	}
	comps := req.comps
	if !s.opts.NoFormCheck && len(query) == 0 && !webcast {
		if c.path != "" {
			s.finish(c, protocol.Single("confirm_path", sess.StateID, "/"+c.path))
			return
		}
		comps = nil
	}

	super := s.auth.IsPrivileged(sess)
	if len(comps) == 0 || comps[0] == "" {
		s.hostList(c, query, res, super)
		return
	}

	host := comps[0]
	wildHost := wildcard.IsWildcard(host)
	if !wildHost && !hostlink.ValidHost(host) {
		s.fail(c, deny("Invalid characters in host name"))
		return
	}

	policy := s.auth.Policy()
	localBroadcast := false
	if policy >= model.AuthMulti && !super {
		switch {
		case host == model.LocalHost:
			p, ok := s.reg.Params(c.path)
			if !ok || p.SharePrivate {
				s.fail(c, deny("Local host access not allowed for user %s", user))
				return
			}
			// A super user made a local terminal public.
			localBroadcast = true
		case host != user && !s.auth.SameGroup(host, user) && !s.opts.AllowShare:
			s.fail(c, deny("Inaccessible host %s", host))
			return
		}
	}

	option := query["action"]
	if len(comps) > 2 {
		option = comps[2]
	}

	var h *hostlink.Host
	var term string
	chat := false
	if wildHost {
		if !(super || (!s.auth.HasSuperUsers() && policy <= model.AuthSingle)) {
			s.fail(c, deny("User not authorized for wildcard host"))
			return
		}
		if len(comps) < 2 || comps[1] == "" || comps[1] == "new" {
			s.fail(c, deny("Must specify terminal name for wildcard host"))
			return
		}
		term = comps[1]
		if option == "kill" && host == "*" && term == "*" && super {
			s.record(model.AuditKill, c, "*", "")
			s.Kill("*", user)
			s.finish(c, protocol.Single("body", "CLOSED ALL TERMINALS"))
			return
		}
	} else {
		var ok bool
		h, ok = s.hosts.Host(host)
		if !ok {
			s.fail(c, deny("Invalid host"))
			return
		}
		names := sessionNames(h, super)
		if len(comps) < 2 || comps[1] == "" {
			s.termList(c, host, names, super)
			return
		}
		term = comps[1]
		if !sessionRE.MatchString(term) {
			s.fail(c, deny("Invalid characters in terminal name"))
			return
		}
		if !super && policy > model.AuthSingle && s.opts.MaxTerminals > 0 &&
			(term == "new" || !h.HasSession(term)) && len(names) >= s.opts.MaxTerminals {
			s.fail(c, deny("Too many terminals; close or reuse sessions"))
			return
		}
		if term == "new" || qauth == "" {
			// Redirect so that the form proof travels with the final path.
			if term == "new" {
				term = h.NextSessionName()
				h.AddSession(term, option)
			}
			redir := "/" + host + "/" + term + "/"
			if qauth != "" && len(req.query) > 0 {
				redir += "?" + encodeQuery(req.query)
			} else {
				redir += "?qauth=" + model.Qauth(sess.StateID)
			}
			s.finish(c, protocol.Single("redirect", redir, sess.StateID))
			return
		}
		chat = h.ChatEnabled(term)
	}

	path := model.JoinPath(host, term)
	c.path = path
	if policy >= model.AuthMulti && !super && (term == model.OShellName || (host == model.LocalHost && !localBroadcast)) {
		s.fail(c, deny("Invalid terminal path: %s", path))
		return
	}
	localOrOsh := host == model.LocalHost || term == model.OShellName

	c.watchOnly = localBroadcast
	rq := s.requester(c)
	if sess.StateID != "" && s.reg.StateWatchCount(path, sess.StateID) > 0 {
		if option == "" {
			// The creator reopening without an option takes sole control back.
			s.revoke(s.reg.Reclaim(path, rq))
		}
		if err := s.reg.CheckRecursion(path, sess.StateID); err != nil {
			s.finish(c, protocol.Single("body", "Max recursion level exceeded!"))
			return
		}
	}

	if _, exists := s.reg.Params(path); !exists {
		allow := super ||
			(sess.AuthType > model.AuthWebcast && policy <= model.AuthSingle) ||
			host == user ||
			(s.auth.SameGroup(host, user) && h != nil && h.HasSession(term))
		if !allow {
			s.fail(c, deny("Unable to create terminal on host %s", host))
			return
		}
	}
	owner := host
	if localOrOsh {
		owner = user
	}
	params, _, err := s.reg.GetOrCreate(path, rq, owner)
	if err != nil {
		s.fail(c, err)
		return
	}
	isOwner := s.reg.IsCreator(rq, path)

	if option == "kill" {
		if wildHost || !(super || isOwner) {
			s.fail(c, deny("Not authorized to kill terminal %s", path))
			return
		}
		s.record(model.AuditKill, c, path, "")
		s.Kill(path, user)
		s.finish(c, protocol.Single("body", "CLOSED TERMINAL"))
		return
	}

	c.oshell = term == model.OShellName
	c.id = s.reg.NextConnID()
	rq.ConnID = c.id

	if wildcard.IsWildcard(path) {
		allow := super ||
			(!s.auth.HasSuperUsers() && sess.AuthType > model.AuthNull && policy <= model.AuthSingle) ||
			(host != model.LocalHost && host == user)
		if !allow {
			s.fail(c, deny("User not authorized for wildcard path"))
			return
		}
		m, err := wildcard.Compile(path)
		if err != nil {
			s.fail(c, deny("Invalid wildcard path: %s", path))
			return
		}
		c.wildcard = m
		// Wildcard terminals are always private.
		params.SharePrivate = true
		params.ShareLocked = true
	}

	controller := false
	switch {
	case c.wildcard != nil:
		controller = !c.watchOnly && sess.AuthType != model.AuthWebcast
	default:
		mode := registry.ModeDefault
		switch option {
		case "watch":
			mode = registry.ModeWatch
		case "steal":
			mode = registry.ModeSteal
		}
		g := s.reg.AcquireControl(path, rq, mode)
		controller = g.Granted
		if len(g.Revoked) > 0 {
			s.revoke(g.Revoked)
			s.record(model.AuditSteal, c, path, strings.Join(g.Revoked, ","))
		}
	}

	err = s.reg.Register(registry.Member{
		ConnID:   c.id,
		Path:     path,
		User:     user,
		StateID:  sess.StateID,
		AuthType: sess.AuthType,
		Wildcard: c.wildcard,
		Access:   wildcard.Requester{User: user, StateID: sess.StateID, Super: rq.Super},
	})
	if err != nil {
		s.fail(c, model.WrapError(model.KindInternal, err, "registration failed"))
		return
	}
	s.hub.Add(c)
	c.state = StateWatcher
	if controller {
		c.state = StateController
	}
	s.router.Broadcast(path, protocol.Single("join", user, true), false, c.id)

	normalizedHost, hostSecret := "", ""
	prefs := map[string]any{}
	parentTerm := ""
	if c.wildcard == nil {
		settings := s.hostSettings(h, term, query)
		if err := s.request(host, term, user, c.id, nil, protocol.New("reconnect", c.id, settings)); err != nil {
			slog.Error("ws: error in host connection", "host", host, "error", err)
			s.fail(c, deny("Error in host connection: %s", host))
			return
		}
		normalizedHost = strings.ToLower(host)
		prefs = h.Prefs()
		if sess.AuthType > model.AuthWebcast {
			hostSecret = h.Param("host_secret")
		}
		parentTerm = h.Parent(term)
	}

	stateValues := params.StateValues()
	if view, ok := prefs["view"].(map[string]any); ok {
		for k, v := range view {
			stateValues["view_"+k] = v
		}
	}
	stateValues["share_webcast"] = s.reg.IsWebcast(path)
	stateValues["allow_webcast"] = policy <= model.AuthSingle

	watchers := []string{}
	for _, id := range s.reg.Watchers(path) {
		if wc, ok := s.hub.Get(id); ok {
			watchers = append(watchers, wc.User())
		}
	}

	c.Send(protocol.Single("setup", map[string]any{
		"user":            user,
		"host":            host,
		"term":            term,
		"oshell":          c.oshell,
		"host_secret":     hostSecret,
		"normalized_host": normalizedHost,
		"about_version":   model.Version,
		"state_values":    stateValues,
		"watchers":        watchers,
		"auth_type":       int(sess.AuthType),
		"controller":      controller,
		"super_user":      super,
		"parent_term":     parentTerm,
		"wildcard":        c.wildcard != nil,
		"display_splash":  controller && s.reg.ConnCount() <= 2,
		"chat":            chat,
		"state_id":        sess.StateID,
		"websocket_id":    c.id,
	}))
	s.record(model.AuditOpen, c, path, option)
	slog.Info("ws: opened", "path", path, "conn", c.id, "user", logutil.SanitizeForLog(user), "controller", controller)
}

// requester describes c to the registry.
func (s *Server) requester(c *Conn) registry.Requester {
	rq := registry.Requester{ConnID: c.id, WatchOnly: c.watchOnly}
	if c.auth != nil {
		rq.User = c.auth.User
		rq.StateID = c.auth.StateID
		rq.AuthType = c.auth.AuthType
		rq.Super = s.auth.IsPrivileged(c.auth)
	}
	return rq
}

// revoke tells connections that they lost control.
func (s *Server) revoke(ids []string) {
	for _, id := range ids {
		rc, ok := s.hub.Get(id)
		if !ok {
			continue
		}
		if rc.state == StateController {
			rc.state = StateWatcher
		}
		rc.Send(protocol.Single("update_menu", protocol.KeyShareControl, false))
	}
}

// hostSettings builds the settings of a reconnect request.
func (s *Server) hostSettings(h *hostlink.Host, term string, query map[string]string) map[string]any {
	settings := make(map[string]any, len(s.opts.HostSettings)+3)
	for k, v := range s.opts.HostSettings {
		settings[k] = v
	}
	if parent := h.Parent(term); parent != "" {
		settings["parent"] = parent
	}
	for _, k := range []string{"rows", "cols"} {
		if n, err := strconv.Atoi(query[k]); err == nil && n > 0 {
			settings[k] = n
		}
	}
	return settings
}

func (s *Server) hostList(c *Conn, query map[string]string, res auth.Result, super bool) {
	user := c.User()
	if email := strings.ToLower(query["save_email"]); auth.ValidEmail(email) && user != "" && user != model.LocalHost {
		if h, ok := s.hosts.Host(user); ok {
			if err := s.request(user, "", user, "", nil, protocol.New("set_email", email)); err != nil {
				slog.Error("ws: unable to set email", "user", logutil.SanitizeForLog(user), "error", err)
			} else {
				h.SetParam("host_email", email)
			}
		}
	}

	all := s.hosts.Hosts()
	hosts := all
	policy := s.auth.Policy()
	own := func() []string {
		for _, h := range all {
			if h == user {
				return []string{user}
			}
		}
		return []string{}
	}
	switch {
	case super:
	case policy == model.AuthLogin:
		hosts = own()
	case policy == model.AuthMulti && s.opts.AllowShare:
		hosts = []string{}
		for _, h := range all {
			if h != model.LocalHost {
				hosts = append(hosts, h)
			}
		}
	case policy == model.AuthMulti && s.auth.HasGroups():
		hosts = []string{}
		for _, h := range all {
			if h == user || s.auth.SameGroup(h, user) {
				hosts = append(hosts, h)
			}
		}
	case policy == model.AuthMulti:
		hosts = own()
	}
	sort.Strings(hosts)
	s.finish(c, protocol.Single("host_list", c.auth.StateID, user, res.NewUserCode, res.NewUserEmail, hosts))
}

// sessionNames lists the sessions of h a viewer may know about.
func sessionNames(h *hostlink.Host, super bool) []string {
	var names []string
	for _, n := range h.Sessions() {
		if n != model.OShellName || super {
			names = append(names, n)
		}
	}
	return names
}

func (s *Server) termList(c *Conn, host string, names []string, super bool) {
	user := c.User()
	policy := s.auth.Policy()
	now := s.now()
	rq := s.requester(c)

	list := [][]any{}
	for _, name := range names {
		path := model.JoinPath(host, name)
		p, ok := s.reg.Params(path)
		if !ok {
			list = append(list, []any{name, true, false, s.reg.WatcherCount(path), 0})
			continue
		}
		owner := s.reg.IsCreator(rq, path)
		if p.SharePrivate && !owner && !super {
			continue
		}
		connectable := !s.reg.HasController(path) && (owner || policy == model.AuthSingle)
		stealable := !connectable && (super || owner || !p.ShareLocked)
		list = append(list, []any{name, connectable, stealable, s.reg.WatcherCount(path), p.IdleMinutes(now)})
	}
	sort.Slice(list, func(i, j int) bool { return list[i][0].(string) < list[j][0].(string) })

	allowNew := policy <= model.AuthSingle || super ||
		(user != "" && user == host && (s.opts.MaxTerminals <= 0 || len(list) < s.opts.MaxTerminals))
	s.finish(c, protocol.Single("term_list", map[string]any{
		"state_id":  c.auth.StateID,
		"cookie":    s.auth.NewConnectCookie(),
		"user":      user,
		"host":      host,
		"allow_new": allowNew,
	}, list))
}

func encodeQuery(q map[string]string) string {
	v := url.Values{}
	for k, val := range q {
		v.Set(k, val)
	}
	return v.Encode()
}
