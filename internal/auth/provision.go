package auth

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Validator checks a username/password pair against an external identity
// backend.
type Validator interface {
	Validate(ctx context.Context, user, password string) (bool, error)
}

// Provisioner sets up accounts on first successful login.
type Provisioner interface {
	// Exists reports whether the account already exists.
	Exists(user string) bool
	// Setup creates or restarts the account.
	Setup(ctx context.Context, user, email string) error
}

// PasswordFile validates against bcrypt hashes loaded from the users file.
type PasswordFile map[string]string

// Validate implements Validator.
func (p PasswordFile) Validate(_ context.Context, user, password string) (bool, error) {
	hash, ok := p[user]
	if !ok || password == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare password: %w", err)
	}
	return true, nil
}

// HashPassword returns a bcrypt hash suitable for the users file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CommandProvisioner runs an external setup command:
//
//	<Command> <user> restart <external host> <email or -> [Args...]
type CommandProvisioner struct {
	Command      string
	ExternalHost string
	Args         []string
}

// Exists reports whether a system account exists.
func (p CommandProvisioner) Exists(name string) bool {
	_, err := user.Lookup(name)
	return err == nil
}

// Setup runs the command and treats any stderr output as failure.
func (p CommandProvisioner) Setup(ctx context.Context, name, email string) error {
	if p.Command == "" {
		return errors.New("no setup command configured")
	}
	if email == "" {
		email = "-"
	}
	args := append([]string{name, "restart", p.ExternalHost, email}, p.Args...)
	cmd := exec.CommandContext(ctx, p.Command, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("setup %s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	if stderr.Len() > 0 {
		return fmt.Errorf("setup %s: %s", name, strings.TrimSpace(stderr.String()))
	}
	return nil
}
