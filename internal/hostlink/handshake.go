package hostlink

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/termhub/internal/auth"
)

// HandshakeTimeout bounds the whole handshake exchange.
const HandshakeTimeout = 10 * time.Second

// ErrHandshake is returned when either side fails to prove the host key.
var ErrHandshake = errors.New("hostlink: handshake failed")

var hostRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidHost reports whether name is a usable host name.
func ValidHost(name string) bool { return hostRE.MatchString(name) }

// KeyFunc returns the link key of host, or false for unknown hosts.
type KeyFunc func(host string) (string, bool)

// SecretKeys derives every host key from one server secret.
func SecretKeys(secret string) KeyFunc {
	return func(host string) (string, bool) {
		if host == "" || secret == "" {
			return "", false
		}
		return auth.HostKey(secret, host), true
	}
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func serverDigest(key, cnonce, snonce string) string {
	return auth.ComputeHMAC(key, "server:"+cnonce+":"+snonce)
}

func agentDigest(key, snonce, cnonce string) string {
	return auth.ComputeHMAC(key, "agent:"+snonce+":"+cnonce)
}

// AcceptHandshake runs the server side of the handshake on conn and
// returns the authenticated host name.
func AcceptHandshake(conn net.Conn, keys KeyFunc) (string, error) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello, err := ReadFrame(conn)
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	host := strings.ToLower(hello.Host)
	if hello.Action != ActionHello || hello.Nonce == "" {
		return "", fmt.Errorf("%w: unexpected %q", ErrHandshake, hello.Action)
	}
	if !ValidHost(host) {
		WriteFrame(conn, &Frame{Action: ActionDenied})
		return "", fmt.Errorf("%w: invalid host name %q", ErrHandshake, host)
	}
	key, ok := keys(host)
	if !ok {
		WriteFrame(conn, &Frame{Action: ActionDenied})
		return "", fmt.Errorf("%w: unknown host %q", ErrHandshake, host)
	}

	snonce := newNonce()
	challenge := &Frame{Action: ActionChallenge, Nonce: snonce, Digest: serverDigest(key, hello.Nonce, snonce)}
	if err := WriteFrame(conn, challenge); err != nil {
		return "", fmt.Errorf("write challenge: %w", err)
	}

	proof, err := ReadFrame(conn)
	if err != nil {
		return "", fmt.Errorf("read proof: %w", err)
	}
	want := agentDigest(key, snonce, hello.Nonce)
	if proof.Action != ActionProof || !hmac.Equal([]byte(proof.Digest), []byte(want)) {
		WriteFrame(conn, &Frame{Action: ActionDenied})
		return "", fmt.Errorf("%w: bad proof from %q", ErrHandshake, host)
	}
	if err := WriteFrame(conn, &Frame{Action: ActionWelcome, Host: host}); err != nil {
		return "", fmt.Errorf("write welcome: %w", err)
	}
	return host, nil
}

// DialHandshake runs the agent side of the handshake on conn.
func DialHandshake(conn net.Conn, host, key string) error {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	cnonce := newNonce()
	if err := WriteFrame(conn, &Frame{Action: ActionHello, Host: host, Nonce: cnonce}); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	challenge, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read challenge: %w", err)
	}
	if challenge.Action != ActionChallenge {
		return fmt.Errorf("%w: server replied %q", ErrHandshake, challenge.Action)
	}
	if !hmac.Equal([]byte(challenge.Digest), []byte(serverDigest(key, cnonce, challenge.Nonce))) {
		return fmt.Errorf("%w: server does not know the host key", ErrHandshake)
	}
	if err := WriteFrame(conn, &Frame{Action: ActionProof, Digest: agentDigest(key, challenge.Nonce, cnonce)}); err != nil {
		return fmt.Errorf("write proof: %w", err)
	}
	welcome, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Action != ActionWelcome {
		return fmt.Errorf("%w: server replied %q", ErrHandshake, welcome.Action)
	}
	return nil
}
