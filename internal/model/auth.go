package model

import "time"

// AuthType is both a server policy and the type an AuthSession was issued under.
// The order matters: comparisons such as "policy <= AuthSingle" select the
// looser policies.
type AuthType int

const (
	// AuthWebcast is only ever issued to sockets, never configured as a policy.
	AuthWebcast AuthType = iota
	AuthNull
	AuthName
	AuthSingle
	AuthMulti
	AuthLogin
)

var authTypeNames = map[AuthType]string{
	AuthWebcast: "webcast",
	AuthNull:    "none",
	AuthName:    "name",
	AuthSingle:  "singleuser",
	AuthMulti:   "multiuser",
	AuthLogin:   "login",
}

func (a AuthType) String() string {
	if s, ok := authTypeNames[a]; ok {
		return s
	}
	return "unknown"
}

// ParseAuthType maps a configured policy name to an AuthType.
func ParseAuthType(s string) (AuthType, bool) {
	for k, v := range authTypeNames {
		if v == s && k != AuthWebcast {
			return k, true
		}
	}
	return 0, false
}

// AuthSession is an authorized cookie state.
type AuthSession struct {
	StateID   string    `json:"state_id"`
	User      string    `json:"user"`
	AuthType  AuthType  `json:"auth_type"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Qauth is the short proof derived from a state id.
func Qauth(stateID string) string {
	if len(stateID) > 12 {
		return stateID[:12]
	}
	return stateID
}
