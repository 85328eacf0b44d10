package protocol

import "strings"

const ProtocolVersion = "1.0.0"

// Compatible reports whether a peer speaking v can talk to us.
// Only the major component has to match.
func Compatible(v string) bool {
	return major(v) != "" && major(v) == major(ProtocolVersion)
}

func major(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// SignalPath is the HTTP path hosts serve the WebSocket endpoint on.
const SignalPath = "/ws"
