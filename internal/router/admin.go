package router

import (
	"encoding/base64"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/remote-agent-terminal/termhub/internal/model"
	"github.com/remote-agent-terminal/termhub/internal/protocol"
)

// adminCommand serves graphterm_output messages carrying an admin_command
// header. It reports false for ordinary output, which is forwarded.
func (r *Router) adminCommand(host, session, path string, params *model.TerminalParams, isSuper bool, args []any) bool {
	a := protocol.Args(args)
	headers, _ := a.Map(0)["headers"].(map[string]any)
	if kind, _ := headers["x_gterm_response"].(string); kind != "admin_command" {
		return false
	}
	ap, _ := headers["x_gterm_parameters"].(map[string]any)
	action, _ := ap["action"].(string)
	textOnly, _ := ap["text_only"].(bool)

	var content, errmsg string
	switch {
	case !isSuper:
		errmsg = "User not authorized for administration\n"
	case action == "sessions":
		var err error
		content, err = r.sessionsListing(path, params, ap)
		if err != nil {
			errmsg = err.Error() + "\n"
		}
	default:
		errmsg = "Invalid admin action: " + action + "\n"
	}

	contentType := "text/html"
	if textOnly {
		contentType = "text/plain"
	}
	save := map[string]any{
		"content_type":     contentType,
		"x_gterm_location": "remote",
		"x_gterm_filepath": "",
		"x_gterm_encoding": "base64",
	}
	if errmsg != "" {
		save["x_gterm_error"] = errmsg
	}
	resp := protocol.New("save_data", save, base64.StdEncoding.EncodeToString([]byte(content)))
	r.hosts.Request(host, session, params.Owner, "", resp)
	return true
}

// sessionsListing renders every other session with its notebook, control
// and idle state, and runs the optional autosave, exec and js actions over
// the listed paths.
func (r *Router) sessionsListing(self string, params *model.TerminalParams, ap map[string]any) (string, error) {
	textOnly, _ := ap["text_only"].(bool)
	long, _ := ap["long"].(bool)
	var filter *regexp.Regexp
	if list, ok := ap["args"].([]any); ok && len(list) > 0 {
		expr, _ := list[0].(string)
		re, err := regexp.Compile(expr)
		if err != nil {
			return "", fmt.Errorf("invalid pattern %q", expr)
		}
		filter = re
	}

	var allPaths, allLabels []string
	for _, host := range r.hosts.Hosts() {
		h, ok := r.hosts.Host(host)
		if !ok {
			continue
		}
		var paths, labels []string
		for _, name := range h.Sessions() {
			tpath := model.JoinPath(host, name)
			if tpath == self || name == model.OShellName {
				continue
			}
			label := r.sessionLabel(tpath)
			if filter != nil && !filter.MatchString(label) {
				continue
			}
			switch {
			case textOnly && long:
				// label as is
			case textOnly:
				label = tpath
			default:
				label = `<a href="/_watch/` + tpath + `/?qauth=%[qauth]" target="_blank">` +
					strings.ReplaceAll(html.EscapeString(label), " ", "&nbsp;") + `</a><br>`
			}
			paths = append(paths, tpath)
			labels = append(labels, label)
		}
		sort.Strings(paths)
		sort.Strings(labels)
		allPaths = append(allPaths, paths...)
		allLabels = append(allLabels, labels...)
	}

	if autosave, _ := ap["autosave"].(bool); autosave {
		save := protocol.New("save_notebook", "", nil, map[string]any{"auto_save": true})
		for _, p := range allPaths {
			r.Send(p, params.Owner, "", save)
		}
	}
	if exec, _ := ap["exec"].(string); exec != "" {
		for _, p := range allPaths {
			r.Send(p, params.Owner, "", protocol.New("keypress", exec+"\n"))
		}
	}
	if js, _ := ap["js"].(string); js != "" {
		headers := map[string]any{
			"content_type":     "text/plain",
			"x_gterm_response": "eval_js",
			"x_gterm_parameters": map[string]any{
				"echo":  "chat",
				"path":  self,
				"token": params.WidgetToken,
			},
		}
		msg := protocol.Single("terminal", "graphterm_output", []any{map[string]any{"headers": headers}, base64.StdEncoding.EncodeToString([]byte(js))})
		for _, p := range allPaths {
			// One controller is enough to evaluate.
			if ids := r.reg.Controllers(p); len(ids) > 0 {
				r.sendTo(ids[:1], msg)
			}
		}
	}
	return strings.Join(allLabels, "\n") + "\n", nil
}

// sessionLabel is path decorated with :notebook#offset, "-" when nobody
// controls it, "@" when alerting, and its idle time.
func (r *Router) sessionLabel(tpath string) string {
	tp, ok := r.reg.Params(tpath)
	if !ok {
		return tpath + "?"
	}
	label := tpath
	if tp.Notebook.Name != "" {
		label += ":" + tp.Notebook.Name
		if tp.Notebook.ModOffset != 0 {
			label += fmt.Sprintf("#%d", tp.Notebook.ModOffset)
		}
	}
	if !r.reg.HasController(tpath) {
		label += "-"
	}
	if tp.AlertStatus {
		label += "@"
	}
	if idle := tp.IdleMinutes(r.now()); idle > 0 {
		pad := 40 - len(label)
		if pad < 1 {
			pad = 1
		}
		label += strings.Repeat(" ", pad) + fmt.Sprintf("idle %dmin", idle)
	}
	return label
}
