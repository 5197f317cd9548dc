// Package hostlink carries the authenticated, multiplexed link between the
// server and the agent of each backend host.
//
// A link is one TCP (optionally TLS) connection. After an HMAC handshake
// both sides run yamux over it; the server opens one stream per terminal
// session plus a control stream, each introduced by a one-line header.
// Every stream carries length-prefixed CBOR frames.
package hostlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds one encoded frame.
const MaxFrameSize = 16 << 20

// Frame actions.
const (
	ActionHello     = "hello"
	ActionChallenge = "challenge"
	ActionProof     = "proof"
	ActionWelcome   = "welcome"
	ActionDenied    = "denied"

	// ActionRequest carries a batch of commands to one session (server to agent).
	ActionRequest = "request"
	// ActionResponse carries a batch of host messages (agent to server).
	ActionResponse = "response"
	// ActionUpdate adds or removes a session from the roster (agent to server).
	ActionUpdate = "terminal_update"
)

// Frame is the unit of the link protocol.
type Frame struct {
	Action   string `cbor:"1,keyasint"`
	Session  string `cbor:"2,keyasint,omitempty"`
	User     string `cbor:"3,keyasint,omitempty"`
	ConnID   string `cbor:"4,keyasint,omitempty"`
	Messages []any  `cbor:"5,keyasint,omitempty"`
	Content  []byte `cbor:"6,keyasint,omitempty"`
	Host     string `cbor:"7,keyasint,omitempty"`
	Nonce    string `cbor:"8,keyasint,omitempty"`
	Digest   string `cbor:"9,keyasint,omitempty"`
	Parent   string `cbor:"10,keyasint,omitempty"`
	Add      bool   `cbor:"11,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ErrFrameTooLarge is returned for frames above MaxFrameSize.
var ErrFrameTooLarge = errors.New("hostlink: frame too large")

// WriteFrame encodes f onto w.
func WriteFrame(w io.Writer, f *Frame) error {
	body, err := encMode.Marshal(f)
	if err != nil {
		return fmt.Errorf("hostlink: encode %s: %w", f.Action, err)
	}
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err = w.Write(buf)
	return err
}

// ReadFrame decodes the next frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var f Frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("hostlink: decode frame: %w", err)
	}
	return &f, nil
}
