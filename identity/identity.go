// Package identity holds the long-term key material and roster of
// participants in a round. Every participant, client or server, carries
// the same kind of identity: a signing keypair, a Diffie-Hellman keypair
// and an anonymous keypair.
package identity

import (
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
)

// PublicIdentity is what a participant publishes about itself.
type PublicIdentity struct {
	Name       string
	Address    string // network address other participants dial, e.g. "10.0.0.1:6879"
	SigningKey kyber.Point
	DHKey      kyber.Point

	// AnonKey is the participant's anonymous key: the DSA-class key it
	// fed into the bootstrap shuffle. The shuffle output order assigns
	// it a slot index, and it signs that slot's payloads without
	// revealing which roster position holds it. Since the shuffle
	// collaborator is out of scope here (shuffle.NullRound passes
	// inputs through unpermuted), slot index and roster index coincide
	// in this implementation, but the key itself is still kept
	// separate from SigningKey so a slot signature never links back to
	// the long-term identity that owns it.
	AnonKey kyber.Point
}

// PrivateIdentity additionally carries the three private scalars. It
// never leaves the participant that owns it.
type PrivateIdentity struct {
	PublicIdentity
	SigningSecret kyber.Scalar
	DHSecret      kyber.Scalar
	AnonSecret    kyber.Scalar
}

// NewPrivateIdentity generates a fresh signing keypair, DH keypair and
// anonymous keypair for name at the given network address, using
// suite's base point and the process RNG.
func NewPrivateIdentity(suite kyber.Group, name, address string) *PrivateIdentity {
	signSecret := suite.Scalar().Pick(random.New())
	signPub := suite.Point().Mul(signSecret, nil)

	dhSecret := suite.Scalar().Pick(random.New())
	dhPub := suite.Point().Mul(dhSecret, nil)

	anonSecret := suite.Scalar().Pick(random.New())
	anonPub := suite.Point().Mul(anonSecret, nil)

	return &PrivateIdentity{
		PublicIdentity: PublicIdentity{
			Name:       name,
			Address:    address,
			SigningKey: signPub,
			DHKey:      dhPub,
			AnonKey:    anonPub,
		},
		SigningSecret: signSecret,
		DHSecret:      dhSecret,
		AnonSecret:    anonSecret,
	}
}

// Roster is the ordered, fixed set of participants in a round. Order
// matters: a participant's index in the roster is its identifier
// throughout the phase log, the state machine and the blame protocol.
type Roster struct {
	Members []PublicIdentity
}

// NewRoster builds a roster from an ordered member list. The order given
// here is the order used everywhere else.
func NewRoster(members []PublicIdentity) *Roster {
	cp := make([]PublicIdentity, len(members))
	copy(cp, members)
	return &Roster{Members: cp}
}

// Count returns the number of participants in the roster.
func (r *Roster) Count() int {
	return len(r.Members)
}

// IndexOf returns the position of name in the roster, or -1.
func (r *Roster) IndexOf(name string) int {
	for i, m := range r.Members {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// At returns the identity at position i.
func (r *Roster) At(i int) (PublicIdentity, error) {
	if i < 0 || i >= len(r.Members) {
		return PublicIdentity{}, errors.New("identity: roster index out of range")
	}
	return r.Members[i], nil
}
