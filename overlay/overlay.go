// Package overlay defines the message-transport collaborator a round
// depends on but does not implement: who delivers a packet to whom. It
// is grounded on prifi-lib/net/message_sender.go's MessageSender
// interface, generalized from the client/trustee/relay roles to a
// symmetric client/server roster and including a broadcast primitive for
// reconstructed cleartext.
package overlay

import "errors"

// Overlay delivers packets between roster members. A round never opens a
// socket itself; it hands bytes to an Overlay and receives them back
// through Inbox.
type Overlay interface {
	// SendToServer delivers body to the server at the given roster
	// index.
	SendToServer(serverIndex int, body []byte) error

	// SendToClient delivers body to the client at the given roster
	// index.
	SendToClient(clientIndex int, body []byte) error

	// Broadcast delivers body to every client in the roster, used for
	// the reconstructed cleartext at the end of a phase.
	Broadcast(body []byte) error

	// Inbox returns the channel a round should read incoming packets
	// from.
	Inbox() <-chan []byte
}

// ErrNoSuchPeer is returned by an Overlay implementation when asked to
// deliver to an index outside its roster.
var ErrNoSuchPeer = errors.New("overlay: no such peer")
