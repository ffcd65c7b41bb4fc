// Package dcnet implements the ciphertext engine: pad generation from a
// keyed pseudorandom function, slot header encoding, and the
// Randomize/Derandomize envelope that lets a peer who has not yet picked
// a fresh seed decode as an empty contribution. It holds no state of its
// own; round.Round owns which seeds and offsets apply to which phase.
package dcnet

import (
	"bytes"
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3/util/random"

	"go.dedis.ch/csbr/crypto"
)

// SeedSize is the length, in bytes, of a pad seed.
const SeedSize = 32

// HeaderLength is the length, in bytes, of an encoded SlotHeader.
const HeaderLength = 9

// SchnorrSignatureLength is the length, in bytes, of the Ed25519 Schnorr
// signature trailing a slot's content when CSBR_SIGN_SLOTS is on: a
// compressed point (32 bytes) and a scalar (32 bytes).
const SchnorrSignatureLength = 64

// DigestLength is the length, in bytes, of the SHA3-256 digest trailing a
// slot's content when CSBR_SIGN_SLOTS is off: cheaper integrity-only
// protection, without the accountability a signature gives the blame
// protocol.
const DigestLength = 32

// TrailerLength returns how many bytes a slot's trailer occupies: a
// signature under the slot owner's anonymous key if signSlots is set, a
// plain digest otherwise.
func TrailerLength(signSlots bool) int {
	if signSlots {
		return SchnorrSignatureLength
	}
	return DigestLength
}

// NullSeed is the all-zero seed. A peer who has not opened a slot this
// phase ships NullSeed so that Derandomize on the receiving end yields an
// empty contribution rather than noise.
func NullSeed() []byte {
	return make([]byte, SeedSize)
}

// FreshSeed returns a new non-zero seed.
func FreshSeed() []byte {
	s := make([]byte, SeedSize)
	for {
		random.Bytes(s, random.New())
		if !isNullSeed(s) {
			return s
		}
	}
}

func isNullSeed(seed []byte) bool {
	for _, b := range seed {
		if b != 0 {
			return false
		}
	}
	return true
}

// GeneratePad returns length pseudorandom bytes deterministically derived
// from seed. Two peers who share seed (e.g. via crypto.SharedSecret)
// obtain byte-identical pads without exchanging them.
func GeneratePad(seed []byte, length int) []byte {
	pad := make([]byte, length)
	crypto.NewPRNG(seed).XORKeyStream(pad, pad)
	return pad
}

// XorBytes XORs a and b into dst, which may alias a. a and b must be the
// same length.
func XorBytes(dst, a, b []byte) {
	for i := range a {
		dst[i] = a[i] ^ b[i]
	}
}

// Randomize prepends a fresh seed to msg and XORs msg against the pad
// that seed generates, so that the result is indistinguishable from
// random noise to anyone who doesn't already know the seed.
func Randomize(msg []byte) []byte {
	seed := FreshSeed()
	pad := GeneratePad(seed, len(msg))
	out := make([]byte, SeedSize+len(msg))
	copy(out, seed)
	XorBytes(out[SeedSize:], msg, pad)
	return out
}

// Derandomize reverses Randomize. If the seed prefix is the null seed, it
// returns an empty slice: the sender opened nothing this phase.
func Derandomize(blob []byte) ([]byte, error) {
	if len(blob) < SeedSize {
		return nil, errors.New("dcnet: randomized blob shorter than a seed")
	}
	seed := blob[:SeedSize]
	if isNullSeed(seed) {
		return nil, nil
	}
	msg := blob[SeedSize:]
	pad := GeneratePad(seed, len(msg))
	out := make([]byte, len(msg))
	XorBytes(out, msg, pad)
	return out, nil
}

// SlotHeader is the fixed-size prefix of an opened slot's payload.
type SlotHeader struct {
	// Accuse marks this submission as an accusation shuffled into the
	// blame sub-protocol rather than ordinary application data.
	Accuse bool
	// Phase is the phase this header was written for, echoed back so a
	// stale header can't be replayed into a later phase's slot.
	Phase uint32
	// NextLength is how many more bytes this slot's owner wants in the
	// following phase; 0 asks to close the slot.
	NextLength uint32
}

// EncodeSlotHeader serializes h to its fixed HeaderLength encoding. The
// accusation flag is written as a full 0xFF/0x00 byte, not a single bit,
// matching the wire layout a slot-write payload is specified to carry.
func EncodeSlotHeader(h SlotHeader) []byte {
	buf := make([]byte, HeaderLength)
	if h.Accuse {
		buf[0] = 0xFF
	}
	binary.BigEndian.PutUint32(buf[1:5], h.Phase)
	binary.BigEndian.PutUint32(buf[5:9], h.NextLength)
	return buf
}

// DecodeSlotHeader parses a HeaderLength-byte header.
func DecodeSlotHeader(buf []byte) (SlotHeader, error) {
	if len(buf) < HeaderLength {
		return SlotHeader{}, errors.New("dcnet: short slot header")
	}
	return SlotHeader{
		Accuse:     buf[0] != 0,
		Phase:      binary.BigEndian.Uint32(buf[1:5]),
		NextLength: binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// WriteSlot returns base (the XOR of every pad a slot owner shares with
// the servers, at the slot's offset) XORed with a Randomized envelope
// wrapping header, payload and trailer; base itself is left unchanged.
// The pads cancel against the servers' pads in the final group XOR,
// leaving only the envelope. trailer is the
// signature or digest the caller computed over the encoded header
// concatenated with payload (round.signSlotContent); it is placed at the
// very end of the slot's declared capacity so ReadSlot can split it back
// out without needing to know the payload's real length. payload is
// zero-padded to fill the space between the header and the trailer, so
// the envelope always spans exactly len(base) bytes regardless of how
// much of the declared capacity the owner actually used this phase:
// that's what lets Derandomize, which doesn't know the real payload
// length in advance, reverse it on the other end. header, payload and
// trailer concatenated must not exceed len(base)-SeedSize.
func WriteSlot(base []byte, header SlotHeader, payload, trailer []byte) ([]byte, error) {
	capacity := len(base) - SeedSize
	if HeaderLength+len(payload)+len(trailer) > capacity {
		return nil, errors.New("dcnet: slot content longer than the slot itself")
	}
	cleartext := make([]byte, capacity)
	copy(cleartext, EncodeSlotHeader(header))
	copy(cleartext[HeaderLength:], payload)
	copy(cleartext[capacity-len(trailer):], trailer)
	envelope := Randomize(cleartext)
	out := make([]byte, len(base))
	XorBytes(out, base, envelope)
	return out, nil
}

// ReadSlot recovers a header, payload and trailer from a reconstructed
// cleartext slot of the given width and trailerLen, reversing the
// Randomize envelope WriteSlot applied. A nil payload with no error
// means the slot's owner left it closed this phase (NullSeed) despite
// the layout reserving space for it.
func ReadSlot(cleartextSlot []byte, trailerLen int) (SlotHeader, []byte, []byte, error) {
	decoded, err := Derandomize(cleartextSlot)
	if err != nil {
		return SlotHeader{}, nil, nil, err
	}
	if decoded == nil {
		return SlotHeader{}, nil, nil, nil
	}
	if len(decoded) < HeaderLength+trailerLen {
		return SlotHeader{}, nil, nil, errors.New("dcnet: slot shorter than its header and trailer")
	}
	h, err := DecodeSlotHeader(decoded[:HeaderLength])
	if err != nil {
		return SlotHeader{}, nil, nil, err
	}
	payloadEnd := len(decoded) - trailerLen
	payload := bytes.TrimRight(decoded[HeaderLength:payloadEnd], "\x00")
	trailer := decoded[payloadEnd:]
	return h, payload, trailer, nil
}
