package agent

import (
	"strings"
	"unicode/utf8"
)

// validPrefix splits pty output into text safe to send now and a trailing
// partial rune to hold for the next chunk. Invalid bytes elsewhere become
// U+FFFD since link frames carry text strings.
func validPrefix(data []byte) (string, []byte) {
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(data[i]) {
			continue
		}
		if !utf8.FullRune(data[i:]) {
			cut = i
		}
		break
	}
	text := string(data[:cut])
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	var rest []byte
	if cut < len(data) {
		rest = append(rest, data[cut:]...)
	}
	return text, rest
}
