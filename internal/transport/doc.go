// Package transport binds the routing core to the outside world: the
// Codec contract the router speaks, a stream codec framing D-Bus 1.0
// messages over AF_UNIX SOCK_STREAM sockets, the SASL EXTERNAL server
// handshake, SO_PEERCRED/SO_PEERSEC/SO_PEERGROUPS credential retrieval,
// and an in-memory codec used by tests.
//
// The stream codec decodes message headers and the leading string-typed
// body arguments (all the router ever inspects); the rest of a relayed
// payload passes through as opaque bytes.
package transport
