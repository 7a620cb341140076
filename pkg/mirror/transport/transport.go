// Package transport provides framed point-to-point message delivery over
// stream sockets, the lowest layer of the group-communication stack
// (spec §4.1).
package transport

import "github.com/korrel/mirrorfs/pkg/mirror/types"

// Transport delivers one complete encoded message per Send call to a
// named peer, and yields complete decoded messages from any peer that
// connects inbound through the Inbound channel.
type Transport interface {
	// Send opens a short-lived outbound connection, writes the
	// serialised message and closes it. Returns ErrConnectionRefused
	// when the peer is unreachable - callers (reliable broadcast) use
	// this as a liveness signal.
	Send(to types.Address, message types.Message) error

	// Inbound yields fully-decoded messages received from any peer.
	Inbound() <-chan types.Message

	// Poll processes whatever inbound data is currently buffered
	// without blocking. The TCP implementation's accept loop already
	// delivers to Inbound asynchronously, so Poll is a no-op drain hook
	// kept for symmetry with the node scheduler loop (spec §5).
	Poll()

	// LocalAddress returns the address this transport is bound to.
	LocalAddress() types.Address

	// Close shuts the transport down for sending and receiving.
	Close() error
}
