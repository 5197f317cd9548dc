package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remote-agent-terminal/termhub/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.HTTPAddr != ":8900" || s.HostAddr != ":8899" {
		t.Errorf("addrs = %q %q", s.HTTPAddr, s.HostAddr)
	}
	if s.CookieTTL != 24*time.Hour {
		t.Errorf("CookieTTL = %v", s.CookieTTL)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("TERMHUB_AUTH_TYPE", "multiuser")
	t.Setenv("TERMHUB_AUTH_CODE", "secret")
	t.Setenv("TERMHUB_ALLOW_SHARE", "true")
	t.Setenv("TERMHUB_COOKIE_TTL", "2h")
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, err := s.Policy()
	if err != nil || p != model.AuthMulti {
		t.Errorf("Policy() = %v, %v", p, err)
	}
	if !s.AllowShare || s.CookieTTL != 2*time.Hour {
		t.Errorf("settings = %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if s.LinkSecret() != "secret" {
		t.Errorf("LinkSecret() = %q", s.LinkSecret())
	}
}

func TestValidate(t *testing.T) {
	base := Settings{AuthType: "none", CookieTTL: time.Hour, PoolSize: 1}
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"open", func(*Settings) {}, false},
		{"unknown policy", func(s *Settings) { s.AuthType = "webcast" }, true},
		{"single without code", func(s *Settings) { s.AuthType = "singleuser" }, true},
		{"login without users", func(s *Settings) { s.AuthType = "login"; s.AuthCode = "x" }, true},
		{"half tls", func(s *Settings) { s.TLSCert = "cert.pem" }, true},
		{"bad setup", func(s *Settings) { s.UserSetup = "sometimes" }, true},
		{"zero pool", func(s *Settings) { s.PoolSize = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAgentValidate(t *testing.T) {
	s := AgentSettings{Host: "alpha", Secret: "s", HistorySize: 10}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	s.Host = "local"
	if err := s.Validate(); err == nil {
		t.Error("reserved host accepted")
	}
	if s.TLSConfig("x") != nil {
		t.Error("TLS should be off by default")
	}
}

func TestLoadUsers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	data := `super_users: [root]
groups:
  alice: dev
  bob: dev
users:
  alice:
    email: alice@example.com
    password: "$2a$10$abcdefghijklmnopqrstuv"
  bob:
    code: bobcode
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := LoadUsers(path)
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	if len(f.SuperUsers) != 1 || f.SuperUsers[0] != "root" {
		t.Errorf("SuperUsers = %v", f.SuperUsers)
	}
	if f.Groups["bob"] != "dev" {
		t.Errorf("Groups = %v", f.Groups)
	}
	if f.Users["bob"].Code != "bobcode" {
		t.Errorf("Users = %v", f.Users)
	}
	if pw := f.Passwords(); len(pw) != 1 || pw["alice"] == "" {
		t.Errorf("Passwords() = %v", pw)
	}

	empty, err := LoadUsers("")
	if err != nil || len(empty.Users) != 0 {
		t.Errorf("LoadUsers(\"\") = %v, %v", empty, err)
	}
	if _, err := LoadUsers(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
