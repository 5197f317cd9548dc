package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignHexDigits is the length of every HMAC-derived code.
const SignHexDigits = 24

// ComputeHMAC is the hex HMAC-SHA256 of msg under key, truncated.
func ComputeHMAC(key, msg string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))[:SignHexDigits]
}

// UserCode derives a user's access code from the master code.
func UserCode(master, user, keyVersion string) string {
	return ComputeHMAC(master, user+":"+keyVersion)
}

// HostKey derives the shared secret a host agent authenticates with.
func HostKey(secret, host string) string {
	return ComputeHMAC(secret, "host:"+strings.ToLower(host))
}

// Dashify groups a code in blocks of four for display.
func Dashify(code string) string {
	var parts []string
	for len(code) > 4 {
		parts = append(parts, code[:4])
		code = code[4:]
	}
	return strings.Join(append(parts, code), "-")
}

// codeMatches checks a client proof: code must equal HMAC(key, cauth). Both a
// nonce and a code are required, so a code is never compared in the clear.
func codeMatches(key, code, cauth string) bool {
	if key == "" || code == "" || cauth == "" {
		return false
	}
	return hmac.Equal([]byte(code), []byte(ComputeHMAC(key, cauth)))
}
