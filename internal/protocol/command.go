package protocol

import "fmt"

// Command is an inbound browser command. The set of variants is closed; the
// connection dispatches with an exhaustive type switch.
type Command interface {
	command()
	Message() Message
}

type base struct{ raw Message }

func (base) command()            {}
func (b base) Message() Message { return b.raw }

// UpdateParams toggles a sharing flag or claims/releases control.
type UpdateParams struct {
	base
	Key   string
	Value bool
}

// Chat carries chat text. A non-empty Path that differs from the sender's
// path is a relay request guarded by Token.
type Chat struct {
	base
	Path  string
	Token string
	Text  string
}

// SendMsg is a point-to-point message to other watchers of the same path.
type SendMsg struct {
	base
	To string
}

// KillTerm asks for the session (or every matched session) to be killed.
type KillTerm struct{ base }

// SaveData uploads data to the host. When AwaitBinary is set the final
// argument arrives in the next binary frame.
type SaveData struct {
	base
	AwaitBinary bool
}

// ReconnectHost drops the host link so that the agent reconnects.
type ReconnectHost struct{ base }

// CheckUpdates requests the announcements feed.
type CheckUpdates struct{ base }

// ServerLog writes client text to the server log.
type ServerLog struct {
	base
	Text string
}

// OpenNotebook opens a notebook, possibly from another terminal's master copy.
type OpenNotebook struct {
	base
	Source string
}

// SavePrefs stores terminal preferences for the host.
type SavePrefs struct {
	base
	View map[string]any
}

// Passthrough is forwarded verbatim to the host.
type Passthrough struct{ base }

// Sharing flag keys accepted by update_params.
const (
	KeyShareControl = "share_control"
	KeyShareTandem  = "share_tandem"
	KeyShareWebcast = "share_webcast"
	KeyShareLocked  = "share_locked"
	KeySharePrivate = "share_private"
)

// ParseCommand classifies one message.
func ParseCommand(msg Message) (Command, error) {
	b := base{raw: msg}
	switch msg.Name() {
	case "update_params":
		key := msg.String(0)
		if key == "" {
			return nil, fmt.Errorf("update_params: missing key")
		}
		return UpdateParams{base: b, Key: key, Value: msg.Bool(1)}, nil
	case "chat":
		return Chat{base: b, Path: msg.String(0), Token: msg.String(1), Text: msg.String(2)}, nil
	case "send_msg":
		return SendMsg{base: b, To: msg.String(0)}, nil
	case "kill_term":
		return KillTerm{b}, nil
	case "save_data":
		await := len(msg) >= 3 && msg[len(msg)-1] == nil
		return SaveData{base: b, AwaitBinary: await}, nil
	case "reconnect_host":
		return ReconnectHost{b}, nil
	case "check_updates":
		return CheckUpdates{b}, nil
	case "server_log":
		return ServerLog{base: b, Text: msg.String(0)}, nil
	case "open_notebook":
		return OpenNotebook{base: b, Source: msg.String(0)}, nil
	case "save_prefs":
		view, _ := msg.Map(0)["view"].(map[string]any)
		return SavePrefs{base: b, View: view}, nil
	case "":
		return nil, fmt.Errorf("missing command name")
	}
	return Passthrough{b}, nil
}
