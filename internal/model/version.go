package model

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Version is the protocol version spoken by this build.
	Version = "0.9.2"
	// MinVersion is the oldest peer version this build accepts.
	MinVersion = "0.9.0"
)

func splitVersion(v string) []int {
	var comps []int
	for _, s := range strings.Split(v, ".") {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			break
		}
		comps = append(comps, n)
	}
	return comps
}

func versionLess(a, b string) bool {
	ca, cb := splitVersion(a), splitVersion(b)
	for i := 0; i < len(ca) && i < len(cb); i++ {
		if ca[i] != cb[i] {
			return ca[i] < cb[i]
		}
	}
	return len(ca) < len(cb)
}

// CheckVersions verifies that a peer running peerVersion, which needs at
// least peerMin from us, can talk to this build.
func CheckVersions(peerVersion, peerMin string) error {
	if versionLess(peerVersion, MinVersion) {
		return fmt.Errorf("obsolete peer version %s (expected %s+)", peerVersion, MinVersion)
	}
	if peerMin != "" && versionLess(Version, peerMin) {
		return fmt.Errorf("obsolete version %s (peer needs %s+)", Version, peerMin)
	}
	return nil
}
