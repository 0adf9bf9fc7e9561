//go:build !linux

package transport

import (
	"errors"
	"net"
)

// ErrCredsUnavailable is returned on platforms without SO_PEERCRED.
var ErrCredsUnavailable = errors.New("transport: peer credentials unavailable on this platform")

// ReadCredentials is unsupported off Linux; the broker's security model
// depends on kernel-attested socket credentials.
func ReadCredentials(_ *net.UnixConn) (Credentials, error) {
	return Credentials{}, ErrCredsUnavailable
}
