// Package crypto implements the cryptographic collaborator operations
// used by a round: hashing, signing, Diffie-Hellman shared secrets and a
// deterministic PRNG for keystream generation.
package crypto

import (
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/kyber/v3/xof/blake2xs"
	"golang.org/x/crypto/sha3"
)

// Hash concatenates parts and returns their SHA3-256 digest.
func Hash(parts ...[]byte) []byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Sign produces a Schnorr signature of msg under priv.
func Sign(suite schnorr.Suite, priv kyber.Scalar, msg []byte) ([]byte, error) {
	return schnorr.Sign(suite, priv, msg)
}

// Verify checks a Schnorr signature of msg against pub.
func Verify(suite schnorr.Suite, pub kyber.Point, msg, sig []byte) error {
	return schnorr.Verify(suite, pub, msg, sig)
}

// SharedSecret computes the Diffie-Hellman shared secret between priv and
// pub and hashes it down to a fixed-size seed suitable for NewPRNG.
func SharedSecret(suite kyber.Group, priv kyber.Scalar, pub kyber.Point) ([]byte, error) {
	shared := suite.Point().Mul(priv, pub)
	b, err := shared.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Hash(b), nil
}

// NewPRNG returns a keystream reader seeded deterministically from seed.
// Two parties who derive the same seed (e.g. via SharedSecret) obtain
// identical keystreams without further communication.
func NewPRNG(seed []byte) kyber.XOF {
	return blake2xs.New(seed)
}

// DHProof is a non-interactive Chaum-Pedersen proof that a revealed point
// Shared equals proverPriv*peerPub, where proverPub = proverPriv*G. It
// lets a prover reveal the value of a DH shared secret without revealing
// its own private key, which the blame protocol needs when an accusing
// client must convince the servers of what it derived with an accused
// server.
type DHProof struct {
	Shared kyber.Point
	R1     kyber.Point
	R2     kyber.Point
	S      kyber.Scalar
}

func dleqChallenge(suite kyber.Group, proverPub, peerPub, shared, r1, r2 kyber.Point) (kyber.Scalar, error) {
	var buf []byte
	for _, p := range []kyber.Point{proverPub, peerPub, shared, r1, r2} {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return suite.Scalar().SetBytes(Hash(buf)), nil
}

// ProveSharedSecret proves that the shared DH secret between proverPriv
// and peerPub is the point it returns, binding the proof to the prover's
// own public key proverPub = proverPriv*G.
func ProveSharedSecret(suite kyber.Group, proverPriv kyber.Scalar, proverPub, peerPub kyber.Point) (*DHProof, error) {
	shared := suite.Point().Mul(proverPriv, peerPub)

	r := suite.Scalar().Pick(random.New())
	r1 := suite.Point().Mul(r, nil)
	r2 := suite.Point().Mul(r, peerPub)

	c, err := dleqChallenge(suite, proverPub, peerPub, shared, r1, r2)
	if err != nil {
		return nil, err
	}

	s := suite.Scalar().Add(r, suite.Scalar().Mul(c, proverPriv))

	return &DHProof{Shared: shared, R1: r1, R2: r2, S: s}, nil
}

// VerifySharedSecret checks proof and, if valid, returns the hashed seed
// derived from the shared point it reveals. It returns an error if the
// proof does not establish that Shared = log_G(proverPub) applied to
// peerPub.
func VerifySharedSecret(suite kyber.Group, proverPub, peerPub kyber.Point, proof *DHProof) ([]byte, error) {
	c, err := dleqChallenge(suite, proverPub, peerPub, proof.Shared, proof.R1, proof.R2)
	if err != nil {
		return nil, err
	}

	lhs1 := suite.Point().Mul(proof.S, nil)
	rhs1 := suite.Point().Add(proof.R1, suite.Point().Mul(c, proverPub))
	if !lhs1.Equal(rhs1) {
		return nil, errors.New("crypto: shared secret proof failed (base check)")
	}

	lhs2 := suite.Point().Mul(proof.S, peerPub)
	rhs2 := suite.Point().Add(proof.R2, suite.Point().Mul(c, proof.Shared))
	if !lhs2.Equal(rhs2) {
		return nil, errors.New("crypto: shared secret proof failed (peer check)")
	}

	b, err := proof.Shared.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Hash(b), nil
}
