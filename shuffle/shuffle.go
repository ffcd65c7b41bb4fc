// Package shuffle defines the accusation-shuffle collaborator the blame
// protocol hands off to: a verifiable shuffle that lets an accuser submit
// an accusation without revealing which roster position it came from.
// The shuffle algorithm itself (e.g. a Neff shuffle, as in
// prifi-lib/crypto/neff.go) is out of scope here; only the interface the
// blame protocol drives is defined, plus a pass-through implementation
// for the degenerate single-accuser case used in tests.
package shuffle

// Round runs one verifiable shuffle of a fixed number of fixed-size
// inputs, returning them permuted with no way to trace an output back to
// its input position.
type Round interface {
	// Shuffle runs the shuffle protocol to completion and returns the
	// permuted inputs.
	Shuffle(inputs [][]byte) ([][]byte, error)
}

// NullRound is a Round that returns its inputs unpermuted. It provides no
// anonymity and exists only so round.Round can be driven in tests without
// a real shuffle implementation.
type NullRound struct{}

// Shuffle implements Round by returning inputs unchanged.
func (NullRound) Shuffle(inputs [][]byte) ([][]byte, error) {
	out := make([][]byte, len(inputs))
	copy(out, inputs)
	return out, nil
}
