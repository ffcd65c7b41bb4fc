// Package config holds the round parameters loaded from a TOML config
// file, plus the suite used for every cryptographic operation.
package config

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"

	"github.com/BurntSushi/toml"
)

// ProtocolVersion identifies the wire format. Bump it by hand whenever a
// message layout changes.
const ProtocolVersion = 1

// Suite is the group every participant signs and does Diffie-Hellman
// with.
var Suite = edwards25519.NewBlakeSHA256Ed25519()

// RoundConfig carries the tunable parameters of a round.
type RoundConfig struct {
	// NumClients and NumServers describe the roster this config applies
	// to; they are informational here and authoritative in the roster
	// itself.
	NumClients int `toml:"num_clients"`
	NumServers int `toml:"num_servers"`

	// PayloadLength is the fixed length, in bytes, of a slot's opening
	// message before the bitmap and headers are added.
	PayloadLength int `toml:"payload_length"`

	// ClientSubmissionWindowMS is the hard deadline, in milliseconds,
	// armed by SetOnlineClients at the start of each phase: when it fires,
	// a server stops waiting and proceeds with whichever clients have
	// submitted. The flexible deadline is a quarter of this window.
	ClientSubmissionWindowMS int `toml:"client_submission_window_ms"`

	// ClientPercentage is the fraction (0, 1] of a server's allowed
	// clients whose submissions arm the flexible deadline.
	ClientPercentage float64 `toml:"client_percentage"`

	// RetainedPhases is the number of past phases kept in the phase log
	// for retroactive blame. The protocol this config grounds assumes 5.
	RetainedPhases int `toml:"retained_phases"`

	// MaxGetLength bounds how many bytes of application payload a data
	// source may hand back for one slot-opening request.
	MaxGetLength int `toml:"max_get_length"`

	// SignSlots requires every opened slot's payload to carry a
	// signature from the anonymous key that owns it (CSBR_SIGN_SLOTS).
	SignSlots bool `toml:"sign_slots"`

	// AutoCloseEmptySlot closes a slot whose source returned no data this
	// phase, even if the source reported more to come (CSBR_CLOSE_SLOT).
	AutoCloseEmptySlot bool `toml:"auto_close_empty_slot"`

	// ReconnectsEnabled allows a client who misses the deadline (hard or
	// flexible) that concludes a phase's submissions to
	// rejoin on the next phase rather than being dropped for the round
	// (CSBR_RECONNECTS).
	ReconnectsEnabled bool `toml:"reconnects_enabled"`
}

// DefaultRoundConfig returns sane defaults grounded on the constants the
// original protocol hardcoded.
func DefaultRoundConfig() RoundConfig {
	return RoundConfig{
		PayloadLength:            1024,
		ClientSubmissionWindowMS: 500,
		ClientPercentage:         0.9,
		RetainedPhases:           5,
		MaxGetLength:             1024,
		SignSlots:                true,
		AutoCloseEmptySlot:       true,
		ReconnectsEnabled:        true,
	}
}

// LoadRoundConfig reads a RoundConfig from a TOML file at path, starting
// from DefaultRoundConfig so an incomplete file still yields sane values.
func LoadRoundConfig(path string) (RoundConfig, error) {
	cfg := DefaultRoundConfig()
	_, err := toml.DecodeFile(path, &cfg)
	return cfg, err
}

// Group exposes Suite as a kyber.Group, for callers that only need group
// arithmetic and not the full suite (signing, XOF, etc).
func Group() kyber.Group {
	return Suite
}
