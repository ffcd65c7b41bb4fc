package round

import (
	"encoding/binary"
	"errors"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/crypto"
	"go.dedis.ch/csbr/dcnet"
	"go.dedis.ch/csbr/phaselog"
	"go.dedis.ch/csbr/wire"
)

// blameState is the working state of one run of the blame sub-protocol,
// grounded on CSDCNetRound's StartBlameShuffle/ProcessBlameShuffle/
// TransmitBlameBits/HandleBlameBits/RequestRebuttal/HandleRebuttalOrVerdict
// group of methods.
type blameState struct {
	active bool

	accusedPhase   int
	disputedClient int // roster index of the client whose slot is disputed
	bitOffset      int // bit position under dispute, counted from the start of the phase's message

	blameBits   map[int]blameBits // serverIndex -> what it claims it saw
	serverBits  []bool            // combined expected vector, indexed by server, once reconciled
	mismatchIdx int

	verdictSigs map[int][]byte
	verdict     []byte

	// pendingPhase/pendingBit/hasPending record a 0->1 bit flip this
	// participant detected in its own slot (detectOwnSlotCorruption), to
	// be submitted as an accusation the next time it writes its own
	// slot (SubmitClientCiphertext), since only then does it have a
	// slot to set the accusation flag in.
	pendingPhase int
	pendingBit   int
	hasPending   bool
}

type blameBits struct {
	Actual, Expected []bool
}

func (b *blameState) init() {
	b.blameBits = make(map[int]blameBits)
	b.verdictSigs = make(map[int][]byte)
	b.mismatchIdx = -1
}

func (b *blameState) reset() {
	b.active = false
	b.blameBits = make(map[int]blameBits)
	b.serverBits = nil
	b.verdictSigs = make(map[int][]byte)
	b.verdict = nil
	b.mismatchIdx = -1
}

// raiseAccusation is called by ProcessCleartext, on both client and
// server, when a verified slot's header claims an accusation. It only
// records the bookkeeping every participant needs to follow the blame
// run (which phase and client are under dispute); the actual submission
// into the shuffle already happened, once, on the accusing client's side
// (see detectOwnSlotCorruption/SubmitClientCiphertext) — nothing here
// re-submits it.
func (r *Round) raiseAccusation(atClientIdx int) {
	log.Lvlf2("round: accusation flag observed for client %d at phase %d", atClientIdx, r.phase)
	r.blame.active = true
	r.blame.accusedPhase = int(r.phase)
	r.blame.disputedClient = atClientIdx
}

// detectOwnSlotCorruption is run by a client whose own slot just failed
// signature verification. It compares the raw bytes just reconstructed
// for that slot against the raw bytes this participant itself last wrote
// there (lastOwnWritten): the spec's "locate the first 0->1 flipped bit
// relative to the last ciphertext this participant wrote" check. The bit
// position is converted to an offset from the start of the phase's
// message, the indexing the phase log and rebuttal use. The
// result is stashed as a pending accusation rather than submitted
// immediately, since submitting requires writing into this client's own
// slot (to set the accusation flag), which only happens at the next
// SubmitClientCiphertext call.
func (r *Round) detectOwnSlotCorruption(raw []byte) {
	prev := r.bulk.lastOwnWritten
	n := len(raw)
	if len(prev) < n {
		n = len(prev)
	}
	for i := 0; i < n; i++ {
		if raw[i] == prev[i] {
			continue
		}
		flipped := raw[i] &^ prev[i]
		if flipped == 0 {
			continue
		}
		bit := 0
		for flipped&1 == 0 {
			flipped >>= 1
			bit++
		}
		r.blame.pendingPhase = int(r.phase)
		r.blame.pendingBit = (r.bulk.slotOffset[r.SelfIndex]+i)*8 + bit
		r.blame.hasPending = true
		log.Lvlf1("round: own slot corrupted at phase %d, bit %d", r.phase, r.blame.pendingBit)
		return
	}
}

// signedAccusation encodes and signs one accusation entry: a 12-byte
// (phase, owner_idx, bit_offset) body followed by a signature (or
// digest) under this participant's anonymous key, per the accusation
// shuffle's wire format.
func (r *Round) signedAccusation(phase, ownerIdx, bitOffset int) ([]byte, error) {
	body := encodeAccusationBody(phase, ownerIdx, bitOffset)
	trailer, err := r.signSlotContent(body)
	if err != nil {
		return nil, err
	}
	return append(body, trailer...), nil
}

func encodeAccusationBody(phase, ownerIdx, bitOffset int) []byte {
	out := make([]byte, 12)
	putInt32(out[0:4], phase)
	putInt32(out[4:8], ownerIdx)
	putInt32(out[8:12], bitOffset)
	return out
}

func putInt32(b []byte, v int) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func readInt32(b []byte) int {
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}

// decodeAccusationEntry splits a shuffled accusation entry into its
// 12-byte body and its trailerLen-byte trailer, without yet checking the
// trailer's signature (the caller, ProcessBlameShuffle, does that once it
// also knows which anonymous key to check it against).
func decodeAccusationEntry(b []byte, trailerLen int) (phase, ownerIdx, bitOffset int, body, trailer []byte, err error) {
	if len(b) != 12+trailerLen {
		return 0, 0, 0, nil, nil, ProtocolError{Reason: "malformed accusation entry"}
	}
	body = b[:12]
	trailer = b[12:]
	phase = readInt32(body[0:4])
	ownerIdx = readInt32(body[4:8])
	bitOffset = readInt32(body[8:12])
	return phase, ownerIdx, bitOffset, body, trailer, nil
}

// SubmitAccusation runs one accusation through the shuffle collaborator
// and sends the anonymized result to every server, which is what
// eventually drives ProcessBlameShuffle on each of them. It is called
// directly from SubmitClientCiphertext at the moment the accusing client
// writes the accusation flag into its own slot, since only the slot's
// owner (who detected the corruption itself) has a meaningful bit
// offset to report.
func (r *Round) SubmitAccusation(phase, ownerIdx, bitOffset int) error {
	entry, err := r.signedAccusation(phase, ownerIdx, bitOffset)
	if err != nil {
		return err
	}
	shuffled, err := r.Shuffle.Shuffle([][]byte{entry})
	if err != nil {
		return err
	}
	msg := wire.CliSrvAccusation{
		Header:  wire.Header{Nonce: r.Nonce, Phase: uint64(phase)},
		Entries: shuffled,
	}
	framed, err := frameBlame(msgAccusation, &msg)
	if err != nil {
		return err
	}
	return r.sendToEveryServer(framed)
}

// sendToEveryServer delivers framed to every server without the
// self-exclusion sendToAllServers applies, since a client's own index is
// drawn from the client roster and has no relation to the server roster.
func (r *Round) sendToEveryServer(framed []byte) error {
	for s := 0; s < r.Servers.Count(); s++ {
		if err := r.Overlay.SendToServer(s, framed); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBlameShuffle is run by a server once the shuffle of accusations
// completes. Per spec, for each shuffled record it verifies: the phase is
// still retained, owner_idx is in range, the disputed bit offset falls
// within that owner's logged ciphertext length, and the signature
// verifies under anonymous_keys[owner_idx]. It selects the first record
// that passes all four checks and fails the round if none does, so a
// malformed or forged entry can't mutate blame state before being
// validated.
func (r *Round) ProcessBlameShuffle(shuffled [][]byte) error {
	trailerLen := dcnet.TrailerLength(r.Config.SignSlots)

	for _, entry := range shuffled {
		phase, owner, bit, body, trailer, err := decodeAccusationEntry(entry, trailerLen)
		if err != nil {
			continue
		}
		logPhase, ok := r.log.Get(phase)
		if !ok {
			continue
		}
		if owner < 0 || owner >= r.Clients.Count() {
			continue
		}
		loggedCT, ok := logPhase.ClientCiphertexts[owner]
		if !ok || bit < 0 || bit >= len(loggedCT)*8 {
			continue
		}
		if !r.verifySlotTrailer(owner, body, trailer) {
			continue
		}

		r.blame.active = true
		r.blame.accusedPhase = phase
		r.blame.disputedClient = owner
		r.blame.bitOffset = bit
		return r.TransmitBlameBits(phase, owner, bit)
	}
	return ErrMissingAccusation
}

// TransmitBlameBits broadcasts this server's contribution to the
// cross-validation vectors for the disputed bit, per
// phaselog.Phase.BitsAtIndex.
func (r *Round) TransmitBlameBits(phase, clientIdx, bitOffset int) error {
	if r.log == nil {
		return ProtocolError{Reason: "only a server keeps a phase log"}
	}
	p, ok := r.log.Get(phase)
	if !ok {
		return ErrMissingAccusation
	}
	actual, expected := p.BitsAtIndex(clientIdx, bitOffset)
	msg := wire.SrvSrvBlameBits{
		Header:      wire.Header{Nonce: r.Nonce, Phase: uint64(phase)},
		ServerIndex: r.SelfIndex,
		ClientIndex: clientIdx,
		AccuseIndex: bitOffset,
		Actual:      phaselog.PackBits(actual),
		Expected:    phaselog.PackBits(expected),
	}
	r.blame.blameBits[r.SelfIndex] = blameBits{Actual: actual, Expected: expected}
	return r.broadcastBlameToServers(msgBlameBits, &msg)
}

// HandleBlameBits records a peer's blame-bits contribution as received;
// it is not checked against what this server witnessed that peer reveal
// (phaselog.Phase.BitAtIndex is not consulted). Once every server has
// reported, it runs FindMismatch over the accumulated vectors.
func (r *Round) HandleBlameBits(msg *wire.SrvSrvBlameBits) error {
	n := r.Servers.Count()
	actual := phaselog.UnpackBits(msg.Actual, n)
	expected := phaselog.UnpackBits(msg.Expected, n)

	r.blame.blameBits[msg.ServerIndex] = blameBits{Actual: actual, Expected: expected}
	if len(r.blame.blameBits) < r.Servers.Count() {
		return nil
	}

	idx, serverBits, err := r.FindMismatch()
	if err != nil {
		return err
	}
	r.blame.mismatchIdx = idx
	r.blame.serverBits = serverBits
	if idx < 0 {
		log.Lvl2("round: blame bits reconciled with no mismatch, accusation was false")
		r.blame.reset()
		return errFalseAccusation
	}
	return r.RequestRebuttal()
}

// FindMismatch XORs every server's actual and expected vectors together.
// If the two reduced vectors agree everywhere, the accusation was false
// (-1, nil error). Otherwise it returns the lowest-indexed server whose
// bit disagrees (a bookkeeping value only; the rebuttal protocol itself
// is driven by the full expected vector, not this single index) along
// with that full combined expected vector: these are the pad bits every
// server believed the accusing client's slot carried at the disputed
// offset, which RequestRebuttal hands to the client so it can find
// whichever one of its own per-server pad bits disagrees.
func (r *Round) FindMismatch() (int, []bool, error) {
	n := r.Servers.Count()
	actual := make([]bool, n)
	expected := make([]bool, n)
	for _, bb := range r.blame.blameBits {
		for i := 0; i < n; i++ {
			actual[i] = actual[i] != bb.Actual[i]
			expected[i] = expected[i] != bb.Expected[i]
		}
	}
	for i := 0; i < n; i++ {
		if actual[i] != expected[i] {
			return i, expected, nil
		}
	}
	return -1, expected, nil
}

// errFalseAccusation is returned up through HandleBlameBits (and from
// there out of ProcessPacket) when the blame bits reconcile cleanly, so a
// caller can tell "no misbehaving server found" apart from a protocol
// failure with errors.Is.
var errFalseAccusation = errors.New("round: accusation did not identify a misbehaving server")

// RequestRebuttal sends the accusing client the cross-validated
// server_bits vector, signed by this server, so the client can reconcile
// it against its own per-server pads and name whichever server disagrees
// (or admit fault if none does).
func (r *Round) RequestRebuttal() error {
	msg := wire.SrvCliRebuttalRequest{
		Header:      wire.Header{Nonce: r.Nonce, Phase: uint64(r.blame.accusedPhase)},
		AccuseIndex: r.blame.bitOffset,
		NumServers:  r.Servers.Count(),
		ServerBits:  phaselog.PackBits(r.blame.serverBits),
	}
	sig, err := crypto.Sign(config.Suite, r.Self.SigningSecret, encodeRebuttalRequestBody(&msg))
	if err != nil {
		return err
	}
	msg.Signature = sig
	framed, err := frameBlame(msgRebuttalRequest, &msg)
	if err != nil {
		return err
	}
	return r.Overlay.SendToClient(r.blame.disputedClient, framed)
}

func encodeRebuttalRequestBody(msg *wire.SrvCliRebuttalRequest) []byte {
	out := make([]byte, 8, 8+len(msg.ServerBits))
	binary.BigEndian.PutUint32(out[0:4], uint32(msg.AccuseIndex))
	binary.BigEndian.PutUint32(out[4:8], uint32(msg.NumServers))
	return append(out, msg.ServerBits...)
}

// HandleRebuttalRequest is run by the accusing client on receipt of a
// RequestRebuttal message. It reconstructs, for each server, the pad bit
// it would have contributed at the disputed offset from its own
// per-server base seed, and compares that against the server_bits the
// servers collectively claim. The first server whose reconstruction
// disagrees is the one this client accuses, backed by a DH proof of the
// shared secret it holds with that server; if every reconstruction
// agrees, the client itself is the one that lied, and it admits so by
// answering with no proof.
func (r *Round) HandleRebuttalRequest(msg *wire.SrvCliRebuttalRequest) (*wire.CliSrvRebuttalAnswer, error) {
	serverBits := phaselog.UnpackBits(msg.ServerBits, msg.NumServers)
	liar := -1
	for s := 0; s < msg.NumServers; s++ {
		seed, ok := r.bulk.pads[s]
		if !ok {
			continue
		}
		got := r.reconstructPadBit(seed, msg.Phase, msg.AccuseIndex)
		if got != serverBits[s] {
			liar = s
			break
		}
	}

	if liar < 0 {
		return &wire.CliSrvRebuttalAnswer{
			Header:        wire.Header{Nonce: r.Nonce, Phase: msg.Phase},
			ClaimedServer: int(msg.Phase) % r.Servers.Count(),
			HasProof:      false,
		}, nil
	}

	peer, err := r.Servers.At(liar)
	if err != nil {
		return nil, err
	}
	proof, err := crypto.ProveSharedSecret(config.Group(), r.Self.DHSecret, r.Self.DHKey, peer.DHKey)
	if err != nil {
		return nil, err
	}
	shared, r1, r2, s, err := marshalDHProof(proof)
	if err != nil {
		return nil, err
	}
	return &wire.CliSrvRebuttalAnswer{
		Header:        wire.Header{Nonce: r.Nonce, Phase: msg.Phase},
		ClaimedServer: liar,
		HasProof:      true,
		ProofShared:   shared,
		ProofR1:       r1,
		ProofR2:       r2,
		ProofS:        s,
	}, nil
}

// reconstructPadBit derives the phase-mixed pad (see phaseSeed) from base
// and returns the bit at bitIdx, the same derivation generatePads uses to
// build real per-phase pads and HandleRebuttal uses to check a server's
// claim.
func (r *Round) reconstructPadBit(base []byte, phase uint64, bitIdx int) bool {
	derived := r.phaseSeed(base, phase)
	byteIdx := bitIdx / 8
	pad := dcnet.GeneratePad(derived, byteIdx+1)
	return pad[byteIdx]&(1<<uint(bitIdx%8)) != 0
}

func marshalDHProof(proof *crypto.DHProof) (shared, r1, r2, s []byte, err error) {
	if shared, err = proof.Shared.MarshalBinary(); err != nil {
		return
	}
	if r1, err = proof.R1.MarshalBinary(); err != nil {
		return
	}
	if r2, err = proof.R2.MarshalBinary(); err != nil {
		return
	}
	s, err = proof.S.MarshalBinary()
	return
}

// HandleRebuttal is run by a server on receipt of the accusing client's
// answer. An out-of-range claim, or an answer carrying no proof, leaves
// no way to validate a specific server, so the client itself is guilty.
// Otherwise the client's DH proof of its shared secret with the claimed
// server is verified and the pad bit it
// implies is derived and compared against the server_bits this server
// already computed for the claimed server's index: agreement means the
// client's own reconstruction was wrong (the client lied), disagreement
// means the claimed server's logged contribution was wrong (the server
// lied).
func (r *Round) HandleRebuttal(msg *wire.CliSrvRebuttalAnswer) (guiltyIsServer bool, guiltyIdx int, err error) {
	if !msg.HasProof || msg.ClaimedServer < 0 || msg.ClaimedServer >= r.Servers.Count() {
		return false, r.blame.disputedClient, nil
	}

	accused, err := r.Servers.At(msg.ClaimedServer)
	if err != nil {
		return false, 0, err
	}
	client, err := r.Clients.At(r.blame.disputedClient)
	if err != nil {
		return false, 0, err
	}
	proof, err := decodeDHProof(config.Group(), msg)
	if err != nil {
		return false, r.blame.disputedClient, nil
	}
	// The accusing client produced this proof with its own DH secret
	// (HandleRebuttalRequest's ProveSharedSecret call), so the client's
	// key is the prover's public key here, not the accused server's.
	seed, err := crypto.VerifySharedSecret(config.Group(), client.DHKey, accused.DHKey, proof)
	if err != nil {
		log.Lvlf1("round: rebuttal proof against server %d did not verify: %v", msg.ClaimedServer, err)
		return false, r.blame.disputedClient, nil
	}

	bit := r.reconstructPadBit(seed, uint64(r.blame.accusedPhase), r.blame.bitOffset)
	claimedBit := false
	if msg.ClaimedServer < len(r.blame.serverBits) {
		claimedBit = r.blame.serverBits[msg.ClaimedServer]
	}
	if bit == claimedBit {
		return false, r.blame.disputedClient, nil
	}
	return true, msg.ClaimedServer, nil
}

func decodeDHProof(suite kyber.Group, msg *wire.CliSrvRebuttalAnswer) (*crypto.DHProof, error) {
	shared := suite.Point()
	if err := shared.UnmarshalBinary(msg.ProofShared); err != nil {
		return nil, err
	}
	r1 := suite.Point()
	if err := r1.UnmarshalBinary(msg.ProofR1); err != nil {
		return nil, err
	}
	r2 := suite.Point()
	if err := r2.UnmarshalBinary(msg.ProofR2); err != nil {
		return nil, err
	}
	s := suite.Scalar()
	if err := s.UnmarshalBinary(msg.ProofS); err != nil {
		return nil, err
	}
	return &crypto.DHProof{Shared: shared, R1: r1, R2: r2, S: s}, nil
}

// SubmitVerdictSignature signs the final verdict (who was found at
// fault, server or client) so the outcome is independently checkable by
// anyone who wasn't a party to the blame run.
func (r *Round) SubmitVerdictSignature(verdict []byte) (*wire.SrvSrvVerdictSignature, error) {
	sig, err := crypto.Sign(config.Suite, r.Self.SigningSecret, verdict)
	if err != nil {
		return nil, err
	}
	msg := &wire.SrvSrvVerdictSignature{
		Header:      wire.Header{Nonce: r.Nonce, Phase: uint64(r.blame.accusedPhase)},
		ServerIndex: r.SelfIndex,
		Verdict:     verdict,
		Signature:   sig,
	}
	r.blame.verdictSigs[r.SelfIndex] = sig
	return msg, nil
}

// HandleVerdictSignature records a peer's signature over the verdict and
// verifies it against that peer's known signing key.
func (r *Round) HandleVerdictSignature(msg *wire.SrvSrvVerdictSignature) error {
	peer, err := r.Servers.At(msg.ServerIndex)
	if err != nil {
		return err
	}
	if err := crypto.Verify(config.Suite, peer.SigningKey, msg.Verdict, msg.Signature); err != nil {
		return err
	}
	r.blame.verdictSigs[msg.ServerIndex] = msg.Signature
	return r.maybePushVerdict()
}

// signAndBroadcastVerdict is run by every server once it independently
// concludes, from HandleRebuttal, who the blame run found at fault: it
// signs and broadcasts that verdict, then tries to close out the run.
func (r *Round) signAndBroadcastVerdict(guiltyIsServer bool, guiltyIdx int) error {
	if r.blame.verdict == nil {
		r.blame.verdict = encodeVerdict(r.blame.accusedPhase, guiltyIsServer, guiltyIdx)
	}
	msg, err := r.SubmitVerdictSignature(r.blame.verdict)
	if err != nil {
		return err
	}
	if err := r.broadcastBlameToServers(msgVerdictSignature, msg); err != nil {
		return err
	}
	return r.maybePushVerdict()
}

func encodeVerdict(phase int, guiltyIsServer bool, guiltyIdx int) []byte {
	out := make([]byte, 9)
	putInt32(out[0:4], phase)
	if guiltyIsServer {
		out[4] = 1
	}
	putInt32(out[5:9], guiltyIdx)
	return out
}

func decodeVerdict(v []byte) (phase int, guiltyIsServer bool, guiltyIdx int) {
	phase = readInt32(v[0:4])
	guiltyIsServer = v[4] != 0
	guiltyIdx = readInt32(v[5:9])
	return phase, guiltyIsServer, guiltyIdx
}

// maybePushVerdict pushes the verdict once a strict majority of servers
// have signed it. A literal unanimous requirement would let the accused
// server veto its own conviction by refusing to sign; a majority of the
// remaining honest servers is sufficient to bind the verdict.
func (r *Round) maybePushVerdict() error {
	majority := r.Servers.Count()/2 + 1
	if len(r.blame.verdictSigs) < majority || r.blame.verdict == nil {
		return nil
	}
	return r.PushVerdict(r.blame.verdict)
}

// PushVerdict delivers the final, collectively-signed verdict to clients
// once a majority of servers have signed it, closing out the blame run.
// Every server that reaches the majority threshold calls this, but only
// server 0 actually broadcasts, the same convention PushCleartext uses,
// so clients don't see the same verdict once per signing server.
func (r *Round) PushVerdict(verdict []byte) error {
	if len(r.blame.verdictSigs)*2 <= r.Servers.Count() {
		return ProtocolError{Reason: "not enough servers have signed the verdict yet"}
	}
	if r.SelfIndex == 0 {
		_, guiltyIsServer, guiltyIdx := decodeVerdict(verdict)
		msg := wire.SrvCliVerdict{
			Header:         wire.Header{Nonce: r.Nonce, Phase: uint64(r.blame.accusedPhase)},
			GuiltyIsServer: guiltyIsServer,
			GuiltyIndex:    guiltyIdx,
		}
		framed, err := frameBlame(msgVerdict, &msg)
		if err != nil {
			return err
		}
		if err := r.Overlay.Broadcast(framed); err != nil {
			return err
		}
	}
	r.blame.reset()
	return nil
}
