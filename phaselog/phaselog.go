// Package phaselog implements the retained phase history a server keeps
// so that a dispute raised after the fact can be checked against what
// was actually sent, not just what is claimed. A fixed number of recent
// phases are kept; older ones are evicted as the round advances.
//
// The PhaseLog class this package generalizes is declared in a header
// that wasn't retrieved alongside CSDCNetRound.cpp, so its shape here is
// reconstructed from its call sites in HandleServerCiphertext,
// HandleBlameBits and ProcessCleartext: a server logs, per phase, the raw
// ciphertext it received from each of its own clients, the per-client pad
// it generated for each of them, and the final revealed ciphertext of
// every server (including itself) once the reveal step completes.
package phaselog

import "errors"

// Phase is one retained phase's worth of logged material, from a single
// server's point of view.
type Phase struct {
	Index     int
	NServers  int
	SelfIndex int

	// ClientToServer maps a client's roster index to the index of the
	// server it submitted to this phase.
	ClientToServer map[int]int

	// ClientCiphertexts holds the raw ciphertext received directly from
	// each client this server itself serves.
	ClientCiphertexts map[int][]byte

	// OwnPads holds, for each client this server serves, the per-client
	// pad this server generated while building its own ciphertext.
	OwnPads map[int][]byte

	// ServerCiphertexts holds the revealed ciphertext of every server,
	// including this one, once the reveal step of the phase completes.
	ServerCiphertexts map[int][]byte
}

func newPhase(index, nServers, selfIndex int) *Phase {
	return &Phase{
		Index:             index,
		NServers:          nServers,
		SelfIndex:         selfIndex,
		ClientToServer:    make(map[int]int),
		ClientCiphertexts: make(map[int][]byte),
		OwnPads:           make(map[int][]byte),
		ServerCiphertexts: make(map[int][]byte),
	}
}

// Log is a server's retained window of phases.
type Log struct {
	retain int
	phases map[int]*Phase
}

// New creates a log that retains at most retain phases at a time.
func New(retain int) *Log {
	return &Log{retain: retain, phases: make(map[int]*Phase)}
}

// Start begins logging a new phase and evicts anything older than the
// retention window.
func (l *Log) Start(index, nServers, selfIndex int) *Phase {
	p := newPhase(index, nServers, selfIndex)
	l.phases[index] = p
	for idx := range l.phases {
		if index-idx >= l.retain {
			delete(l.phases, idx)
		}
	}
	return p
}

// Get returns the logged phase at index, if still retained.
func (l *Log) Get(index int) (*Phase, bool) {
	p, ok := l.phases[index]
	return p, ok
}

func bitAt(data []byte, idx int) bool {
	byteIdx, bitIdx := idx/8, idx%8
	if byteIdx >= len(data) {
		return false
	}
	return data[byteIdx]&(1<<uint(bitIdx)) != 0
}

// BitAtIndex returns the bit at accuseIdx of the ciphertext a given
// server actually revealed this phase, as this server witnessed it
// during the reveal step. Nothing in the round calls it: the blame
// protocol does not cross-check a peer's blame bits against it.
func (p *Phase) BitAtIndex(serverIndex, accuseIdx int) (bool, error) {
	ct, ok := p.ServerCiphertexts[serverIndex]
	if !ok {
		return false, errors.New("phaselog: no revealed ciphertext logged for that server")
	}
	return bitAt(ct, accuseIdx), nil
}

// BitsAtIndex computes this server's contribution to the cross-validation
// vectors for a disputed bit position, counted from the start of the
// phase's message, in one accused client's submission:
// actual[s] and expected[s] are both zero for every index but
// p.SelfIndex. If this server does not serve clientIdx, its contribution
// stays zero at both. Otherwise, at its own index, actual is the bit its
// own per-client pad produced for clientIdx; expected is the bit
// clientIdx's raw ciphertext actually carried. round.FindMismatch XORs
// every server's actual vectors together, and every server's expected
// vectors together, and compares the two results; it does not consult
// BitAtIndex.
//
// This does not detect a server lying about a client it does not itself
// serve: cross-server equivocation beyond one hop is out of scope here,
// matching the original protocol's own acknowledged gap around Byzantine
// agreement on server state.
func (p *Phase) BitsAtIndex(clientIdx, bitOffset int) (actual, expected []bool) {
	actual = make([]bool, p.NServers)
	expected = make([]bool, p.NServers)

	if p.ClientToServer[clientIdx] != p.SelfIndex {
		return actual, expected
	}
	if pad, ok := p.OwnPads[clientIdx]; ok {
		actual[p.SelfIndex] = bitAt(pad, bitOffset)
	}
	if ct, ok := p.ClientCiphertexts[clientIdx]; ok {
		expected[p.SelfIndex] = bitAt(ct, bitOffset)
	}
	return actual, expected
}

// PackBits packs a bool-per-server vector into a byte slice, one bit per
// server index, for the wire.
func PackBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// UnpackBits reverses PackBits given the expected vector length.
func UnpackBits(packed []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = bitAt(packed, i)
	}
	return out
}
