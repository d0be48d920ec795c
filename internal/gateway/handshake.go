package gateway

import (
	"fmt"
	"net/http"
	"strings"
)

// The single protocol revision this gateway speaks. Clients omitting the
// header are treated as legacy 1.0 and rejected.
const supportedProtocolVersion = "3"

// handshakeInfo carries the validated identity headers of a new connection.
type handshakeInfo struct {
	Token           string
	DeviceID        string
	ProtocolVersion string
}

// validateHandshake checks the identity headers before any session exists.
// A failure closes the socket with a policy-violation code and no session is
// created.
func validateHandshake(r *http.Request) (handshakeInfo, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return handshakeInfo{}, fmt.Errorf("missing authorization")
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return handshakeInfo{}, fmt.Errorf("invalid authorization format")
	}

	deviceID := strings.TrimSpace(r.Header.Get("Device-Id"))
	if deviceID == "" {
		return handshakeInfo{}, fmt.Errorf("missing device-id")
	}

	version := r.Header.Get("Protocol-Version")
	if version == "" {
		version = "1.0"
	}
	if version != supportedProtocolVersion {
		return handshakeInfo{}, fmt.Errorf("unsupported protocol version: %s", version)
	}

	return handshakeInfo{
		Token:           strings.TrimPrefix(auth, "Bearer "),
		DeviceID:        deviceID,
		ProtocolVersion: version,
	}, nil
}
