package model

import (
	"fmt"
	"strings"
)

// connectIDSeparator joins the source and target endpoints in the rendered
// connection identity.
const connectIDSeparator = "_"

// ConnectID identifies a client connection by its endpoint pair. It is the
// unit of session-level liveness: when the connection drops, every
// registration carrying this identity is removed.
type ConnectID struct {
	// SourceAddr is the client endpoint, "ip:port".
	SourceAddr string
	// TargetAddr is the session endpoint the client connected to, "ip:port".
	TargetAddr string
}

// NewConnectID builds a ConnectID from the two endpoints.
func NewConnectID(sourceAddr, targetAddr string) ConnectID {
	return ConnectID{SourceAddr: sourceAddr, TargetAddr: targetAddr}
}

// String renders the identity as "{sourceIp}:{sourcePort}_{targetIp}:{targetPort}".
func (c ConnectID) String() string {
	return c.SourceAddr + connectIDSeparator + c.TargetAddr
}

// ParseConnectID parses the rendered form produced by String. It
// round-trips: ParseConnectID(c.String()) == c for any valid ConnectID.
func ParseConnectID(s string) (ConnectID, error) {
	idx := strings.Index(s, connectIDSeparator)
	if idx <= 0 || idx == len(s)-1 {
		return ConnectID{}, fmt.Errorf("invalid connectId %q", s)
	}
	source, target := s[:idx], s[idx+1:]
	if !strings.Contains(source, ":") || !strings.Contains(target, ":") {
		return ConnectID{}, fmt.Errorf("invalid connectId %q: endpoints must be ip:port", s)
	}
	return ConnectID{SourceAddr: source, TargetAddr: target}, nil
}

// IsZero reports whether the identity is unset.
func (c ConnectID) IsZero() bool {
	return c.SourceAddr == "" && c.TargetAddr == ""
}
