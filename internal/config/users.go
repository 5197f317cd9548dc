package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// UserEntry is one declared user.
type UserEntry struct {
	// Code overrides the HMAC-derived code of the user.
	Code  string `yaml:"code"`
	Email string `yaml:"email"`
	// Password is a bcrypt hash used by the login policy.
	Password string `yaml:"password"`
}

// UsersFile declares super users, groups and explicit users.
type UsersFile struct {
	SuperUsers []string             `yaml:"super_users"`
	Groups     map[string]string    `yaml:"groups"`
	Users      map[string]UserEntry `yaml:"users"`
}

// LoadUsers reads a users file. An empty path yields an empty file.
func LoadUsers(path string) (*UsersFile, error) {
	if path == "" {
		return &UsersFile{}, nil
	}
	// #nosec G304 -- path is from configuration, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	var f UsersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing users file: %w", err)
	}
	for name := range f.Users {
		if name == "" {
			return nil, fmt.Errorf("users file %s: empty user name", path)
		}
	}
	return &f, nil
}

// Passwords returns the bcrypt hashes of users that have one.
func (f *UsersFile) Passwords() map[string]string {
	out := make(map[string]string)
	for name, u := range f.Users {
		if u.Password != "" {
			out[name] = u.Password
		}
	}
	return out
}
