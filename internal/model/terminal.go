package model

import (
	"strings"
	"time"
)

const (
	// LocalHost is the reserved name of the server's own host.
	LocalHost = "local"

	// OShellName is the reserved session name of the host's object shell.
	OShellName = "osh"
)

// JoinPath builds a TerminalPath.
func JoinPath(host, session string) string {
	return strings.ToLower(host) + "/" + strings.ToLower(session)
}

// SplitPath splits a TerminalPath into host and session name.
func SplitPath(path string) (host, session string, ok bool) {
	host, session, ok = strings.Cut(path, "/")
	if !ok || strings.Contains(session, "/") {
		return "", "", false
	}
	return host, session, true
}

// Notebook is the notebook sub-record of a terminal.
type Notebook struct {
	Name      string         `json:"nb_name"`
	File      string         `json:"nb_file"`
	Form      string         `json:"nb_form"`
	Submit    string         `json:"nb_submit"`
	Content   string         `json:"-"`
	ModOffset int            `json:"nb_mod_offset"`
	Hosts     map[string]int `json:"-"`
	Master    string         `json:"nb_master"`
}

// Reset clears the notebook state.
func (n *Notebook) Reset() {
	*n = Notebook{Hosts: map[string]int{}}
}

// TerminalParams is the per-path sharing record.
type TerminalParams struct {
	Owner           string    `json:"owner"`
	CreatorStateID  string    `json:"-"`
	CreatorAuthType AuthType  `json:"-"`
	ShareLocked     bool      `json:"share_locked"`
	SharePrivate    bool      `json:"share_private"`
	ShareTandem     bool      `json:"share_tandem"`
	AlertStatus     bool      `json:"alert_status"`
	WidgetToken     string    `json:"widget_token"`
	LastActive      time.Time `json:"-"`
	Notebook        Notebook  `json:"-"`
}

// IdleMinutes reports how long the terminal has been inactive.
func (p *TerminalParams) IdleMinutes(now time.Time) int {
	return int(now.Sub(p.LastActive) / time.Minute)
}

// StateValues renders the record for the setup message.
func (p *TerminalParams) StateValues() map[string]any {
	return map[string]any{
		"owner":         p.Owner,
		"share_locked":  p.ShareLocked,
		"share_private": p.SharePrivate,
		"share_tandem":  p.ShareTandem,
		"alert_status":  p.AlertStatus,
		"widget_token":  p.WidgetToken,
		"last_active":   p.LastActive.Unix(),
		"nb_name":       p.Notebook.Name,
		"nb_file":       p.Notebook.File,
		"nb_form":       p.Notebook.Form,
		"nb_submit":     p.Notebook.Submit,
		"nb_mod_offset": p.Notebook.ModOffset,
		"nb_master":     p.Notebook.Master,
	}
}
