package round

import "errors"

// ProtocolError reports a recoverable protocol violation observed while
// processing a packet: a message out of sequence, a malformed body, or
// similar. The caller of ProcessPacket gets it back to log and move past;
// it does not by itself stop the round.
type ProtocolError struct {
	Reason string
}

func (e ProtocolError) Error() string {
	return "round: protocol violation: " + e.Reason
}

// ErrCommitMismatch is returned when a server's revealed ciphertext does
// not match the commitment it published earlier. Unlike ProtocolError,
// this is fatal: the round cannot produce a trustworthy cleartext this
// phase and must stop rather than continue.
var ErrCommitMismatch = errors.New("round: commit/reveal mismatch")

// ErrFalseAccusation is surfaced once blame bits have fully reconciled
// with no disagreeing server: the accusation did not identify any
// misbehaving server.
var ErrFalseAccusation = errFalseAccusation

// ErrMissingAccusation is returned when no entry of a blame shuffle passes
// validation (its phase evicted from the phase log, owner or bit offset
// out of range, or trailer not verifying), or when a blame run is
// requested against a phase that is no longer retained.
var ErrMissingAccusation = errors.New("round: no valid accusation for a retained phase")
