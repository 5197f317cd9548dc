// Package config loads server and agent settings from the environment and
// the optional users file.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/remote-agent-terminal/termhub/internal/model"
)

// Prefix is the environment prefix of every setting.
const Prefix = "TERMHUB"

// Settings configure the server.
type Settings struct {
	HTTPAddr     string        `envconfig:"HTTP_ADDR" default:":8900"`
	HostAddr     string        `envconfig:"HOST_ADDR" default:":8899"`
	ExternalHost string        `envconfig:"EXTERNAL_HOST" default:"localhost"`
	AuthType     string        `envconfig:"AUTH_TYPE" default:"singleuser"`
	AuthCode     string        `envconfig:"AUTH_CODE" default:""`
	HostSecret   string        `envconfig:"HOST_SECRET" default:""`
	UsersFile    string        `envconfig:"USERS_FILE" default:""`
	DBPath       string        `envconfig:"DB_PATH" default:"termhub.db"`
	CookieTTL    time.Duration `envconfig:"COOKIE_TTL" default:"24h"`
	MaxTerminals int           `envconfig:"MAX_TERMINALS" default:"0"`
	AllowShare   bool          `envconfig:"ALLOW_SHARE" default:"false"`
	AllowEmbed   bool          `envconfig:"ALLOW_EMBED" default:"false"`
	NoFormCheck  bool          `envconfig:"NO_FORMCHECK" default:"false"`
	NoGoogAuth   bool          `envconfig:"NOGOOG_AUTH" default:"false"`
	UserSetup    string        `envconfig:"USER_SETUP" default:""`
	SetupCmd     string        `envconfig:"SETUP_CMD" default:""`
	GroupCode    string        `envconfig:"GROUP_CODE" default:""`
	CacheFiles   bool          `envconfig:"CACHE_FILES" default:"false"`
	TLSCert      string        `envconfig:"TLS_CERT" default:""`
	TLSKey       string        `envconfig:"TLS_KEY" default:""`
	PoolSize     int           `envconfig:"POOL_SIZE" default:"8"`
	FeedURL      string        `envconfig:"FEED_URL" default:""`
	LogLevel     string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string        `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

// Policy returns the configured auth policy.
func (s Settings) Policy() (model.AuthType, error) {
	p, ok := model.ParseAuthType(s.AuthType)
	if !ok {
		return 0, fmt.Errorf("unknown auth type %q", s.AuthType)
	}
	return p, nil
}

// Validate checks settings that cannot be checked field by field.
func (s Settings) Validate() error {
	policy, err := s.Policy()
	if err != nil {
		return err
	}
	if policy >= model.AuthSingle && s.AuthCode == "" {
		return fmt.Errorf("auth type %s needs TERMHUB_AUTH_CODE", policy)
	}
	if policy == model.AuthLogin && s.UsersFile == "" && s.SetupCmd == "" {
		return errors.New("login auth needs a users file or a setup command")
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return errors.New("TERMHUB_TLS_CERT and TERMHUB_TLS_KEY must be set together")
	}
	if s.UserSetup != "" && s.UserSetup != "auto" && s.UserSetup != "manual" {
		return fmt.Errorf("unknown user setup mode %q", s.UserSetup)
	}
	if s.CookieTTL <= 0 {
		return errors.New("cookie TTL must be positive")
	}
	if s.PoolSize <= 0 {
		return errors.New("pool size must be positive")
	}
	return nil
}

// LinkSecret is the secret host keys derive from. It defaults to the auth
// code.
func (s Settings) LinkSecret() string {
	if s.HostSecret != "" {
		return s.HostSecret
	}
	return s.AuthCode
}

// TLSConfig loads the certificate pair, or returns nil when TLS is off.
func (s Settings) TLSConfig() (*tls.Config, error) {
	if s.TLSCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(s.TLSCert, s.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("load tls key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// AgentSettings configure the host agent.
type AgentSettings struct {
	Server      string `envconfig:"SERVER" default:"localhost:8899"`
	Host        string `envconfig:"HOST" default:""`
	Secret      string `envconfig:"SECRET" default:""`
	Shell       string `envconfig:"SHELL" default:"/bin/bash"`
	Root        string `envconfig:"ROOT" default:""`
	RecordDir   string `envconfig:"RECORD_DIR" default:""`
	HistorySize int    `envconfig:"HISTORY_SIZE" default:"65536"`
	TLS         bool   `envconfig:"TLS" default:"false"`
	Insecure    bool   `envconfig:"TLS_INSECURE" default:"false"`
	Email       string `envconfig:"EMAIL" default:""`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"text"`
}

// LoadAgent reads AgentSettings from TERMHUB_AGENT_* variables.
func LoadAgent() (AgentSettings, error) {
	var s AgentSettings
	if err := envconfig.Process(Prefix+"_AGENT", &s); err != nil {
		return AgentSettings{}, fmt.Errorf("load agent config: %w", err)
	}
	return s, nil
}

// Validate checks the agent settings.
func (s AgentSettings) Validate() error {
	if s.Host == "" {
		return errors.New("agent host name is required")
	}
	if s.Host == model.LocalHost {
		return fmt.Errorf("host name %q is reserved", s.Host)
	}
	if s.Secret == "" {
		return errors.New("agent secret is required")
	}
	if s.HistorySize <= 0 {
		return errors.New("history size must be positive")
	}
	return nil
}

// TLSConfig returns the client TLS configuration, or nil when TLS is off.
func (s AgentSettings) TLSConfig(serverName string) *tls.Config {
	if !s.TLS {
		return nil
	}
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.Insecure, // #nosec G402 -- opt-in for self-signed servers
	}
}
