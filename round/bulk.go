package round

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"go.dedis.ch/onet/v3/log"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/crypto"
	"go.dedis.ch/csbr/dcnet"
	"go.dedis.ch/csbr/timer"
	"go.dedis.ch/csbr/wire"
)

// State names for the bulk sub-protocol, grounded on the state tables
// CSDCNetRound::InitServer/InitClient build with AddState/AddTransition.
const (
	stateServerAwaitClients     = "server-await-clients"
	stateServerAwaitClientLists = "server-await-client-lists"
	stateServerAwaitCommits     = "server-await-commits"
	stateServerAwaitCiphertexts = "server-await-ciphertexts"
	stateServerAwaitValidations = "server-await-validations"

	stateClientSubmit        = "client-submit"
	stateClientAwaitCleartext = "client-await-cleartext"
)

// bulkState is the working state of one phase of the bulk sub-protocol.
// Its per-phase accumulators are cleared by resetAccumulators each time
// the phase advances.
type bulkState struct {
	pads map[int][]byte // peer index on the other roster -> shared pad seed

	online            map[int]bool
	clientCiphertexts map[int][]byte
	commitments       map[int][]byte
	serverCiphertexts map[int][]byte
	validations       map[int]bool
	clientLists       map[int]map[int]bool

	openSlots  map[int]int // clientIdx -> payload length open this phase
	slotOffset map[int]int
	bitmapLen  int
	msgLength  int

	myCiphertext []byte
	cleartext    []byte

	// lastOwnWritten is the envelope this participant itself produced the
	// last time it wrote its own slot: the reconstructed cleartext this
	// participant expects to see at that slot's offset once the group XOR
	// cancels every peer's pad. Diffing a corrupted reconstruction
	// against it is how detectOwnSlotCorruption locates the flipped bit
	// to accuse.
	lastOwnWritten []byte

	// requestPending marks that RequestSlot was called and the resulting
	// bitmap bit still needs to go out on this participant's next
	// ciphertext submission.
	requestPending bool

	// allowedClients is this server's snapshot, taken at the start of
	// each phase by SetOnlineClients, of which of its clients may submit
	// this phase. excludedClients persists across phases: a client
	// dropped for missing a hard deadline while CSBR_RECONNECTS is off
	// stays excluded until the round restarts.
	allowedClients    map[int]bool
	excludedClients   map[int]bool
	deadlinesResolved bool
	flexArmed         bool
	phaseStart        time.Time
	hardTimer         timer.Timer
	flexTimer         timer.Timer
}

func (b *bulkState) init(nClients, nServers int) {
	b.pads = make(map[int][]byte)
	b.openSlots = make(map[int]int)
	b.bitmapLen = (nClients + 7) / 8
	b.msgLength = b.bitmapLen
	b.excludedClients = make(map[int]bool)
	b.resetAccumulators()
}

func (b *bulkState) resetAccumulators() {
	b.online = make(map[int]bool)
	b.clientCiphertexts = make(map[int][]byte)
	b.commitments = make(map[int][]byte)
	b.serverCiphertexts = make(map[int][]byte)
	b.validations = make(map[int]bool)
	b.clientLists = make(map[int]map[int]bool)
	b.myCiphertext = nil
	b.cleartext = nil
}

// SeedSlot sets the slot length open for clientIdx for the phase about to
// start. It must be called identically on every participant before
// OnStart, since there is no prior phase to derive it from; every later
// phase's layout instead comes from the NextLength each slot's owner
// wrote into its own header (see ProcessCleartext), or from a fresh
// RequestSlot advertised through the bitmap.
func (r *Round) SeedSlot(clientIdx, length int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulk.openSlots[clientIdx] = length
	r.recomputeLayout()
}

// RequestSlot flags that this client wants to open a new slot. The flag
// is consumed on the next call to SubmitClientCiphertext, which flips
// this client's bit in that phase's bitmap; every participant that sees
// the bit set in the reconstructed cleartext opens a same-sized slot for
// this client starting the following phase (ProcessCleartext), per the
// spec's "flip bit i of the bitmap the phase immediately preceding the
// one carrying the payload."
func (r *Round) RequestSlot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulk.requestPending = true
}

func (r *Round) recomputeLayout() {
	offsets := make(map[int]int)
	off := r.bulk.bitmapLen
	trailerLen := dcnet.TrailerLength(r.Config.SignSlots)
	for c := 0; c < r.Clients.Count(); c++ {
		if length, ok := r.bulk.openSlots[c]; ok {
			offsets[c] = off
			off += dcnet.SeedSize + dcnet.HeaderLength + length + trailerLen
		}
	}
	r.bulk.slotOffset = offsets
	r.bulk.msgLength = off
}

func (r *Round) setupPads() error {
	r.bulk.pads = make(map[int][]byte)
	if r.Role == RoleClient {
		for s := 0; s < r.Servers.Count(); s++ {
			peer, err := r.Servers.At(s)
			if err != nil {
				return err
			}
			seed, err := crypto.SharedSecret(config.Group(), r.Self.DHSecret, peer.DHKey)
			if err != nil {
				return err
			}
			r.bulk.pads[s] = seed
		}
		return nil
	}
	for c := 0; c < r.Clients.Count(); c++ {
		peer, err := r.Clients.At(c)
		if err != nil {
			return err
		}
		seed, err := crypto.SharedSecret(config.Group(), r.Self.DHSecret, peer.DHKey)
		if err != nil {
			return err
		}
		r.bulk.pads[c] = seed
	}
	return nil
}

// phaseSeed mixes a per-peer base secret with the current phase index and
// the round's nonce, so the pad two peers derive from the same DH secret
// changes every phase instead of being reused verbatim (a latent
// one-time-pad reuse flaw a static per-peer seed would otherwise have).
// The rebuttal protocol's reconstructPadBit uses the same mixing so both
// sides of a dispute derive byte-identical pads.
func (r *Round) phaseSeed(base []byte, phase uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], phase)
	return crypto.Hash(base, buf[:], r.Nonce)
}

// generatePads XORs this participant's own per-peer pads together over
// msgLength bytes, each mixed with the current phase via phaseSeed.
func (r *Round) generatePads(msgLength int) []byte {
	out := make([]byte, msgLength)
	for _, seed := range r.bulk.pads {
		derived := r.phaseSeed(seed, r.phase)
		pad := dcnet.GeneratePad(derived, msgLength)
		dcnet.XorBytes(out, out, pad)
	}
	return out
}

// signSlotContent signs content under this participant's anonymous key
// when the round requires accountable slots (CSBR_SIGN_SLOTS), or falls
// back to a plain integrity digest when it doesn't: either way the
// result is what a slot's trailer carries.
func (r *Round) signSlotContent(content []byte) ([]byte, error) {
	if r.Config.SignSlots {
		return crypto.Sign(config.Suite, r.Self.AnonSecret, content)
	}
	return crypto.Hash(content), nil
}

// verifySlotTrailer checks content's trailer against the anonymous key
// registered for ownerIdx in the client roster (every slot, and every
// accusation entry, is always owned by a client regardless of which
// role is doing the verifying).
func (r *Round) verifySlotTrailer(ownerIdx int, content, trailer []byte) bool {
	if r.Config.SignSlots {
		owner, err := r.Clients.At(ownerIdx)
		if err != nil {
			return false
		}
		return crypto.Verify(config.Suite, owner.AnonKey, content, trailer) == nil
	}
	return bytes.Equal(trailer, crypto.Hash(content))
}

// --- client side -----------------------------------------------------

// SubmitClientCiphertext builds this client's ciphertext for the current
// phase and sends it to the server it is assigned to, following
// CSDCNetRound::SubmitClientCiphertext / GenerateCiphertext.
func (r *Round) SubmitClientCiphertext() (string, error) {
	ct := r.generatePads(r.bulk.msgLength)

	if r.bulk.requestPending {
		if _, alreadyOpen := r.bulk.openSlots[r.SelfIndex]; !alreadyOpen {
			ct[r.SelfIndex/8] ^= 1 << uint(r.SelfIndex%8)
		}
		r.bulk.requestPending = false
	}

	if length, ok := r.bulk.openSlots[r.SelfIndex]; ok {
		max := length
		if r.Config.MaxGetLength > 0 && max > r.Config.MaxGetLength {
			max = r.Config.MaxGetLength
		}
		payload, keepOpen := r.Source.GetData(max)
		next := 0
		if keepOpen && !(r.Config.AutoCloseEmptySlot && len(payload) == 0) {
			next = length
		}

		accuse := r.blame.hasPending
		accusedPhase, accusedBit := r.blame.pendingPhase, r.blame.pendingBit

		header := dcnet.SlotHeader{Accuse: accuse, Phase: uint32(r.phase), NextLength: uint32(next)}
		signable := append(dcnet.EncodeSlotHeader(header), payload...)
		trailer, err := r.signSlotContent(signable)
		if err != nil {
			return "", err
		}

		off := r.bulk.slotOffset[r.SelfIndex]
		trailerLen := dcnet.TrailerLength(r.Config.SignSlots)
		width := dcnet.SeedSize + dcnet.HeaderLength + length + trailerLen
		base := append([]byte(nil), ct[off:off+width]...)
		written, err := dcnet.WriteSlot(ct[off:off+width], header, payload, trailer)
		if err != nil {
			return "", err
		}
		copy(ct[off:], written)

		envelope := make([]byte, width)
		dcnet.XorBytes(envelope, base, written)
		r.bulk.lastOwnWritten = envelope

		if accuse {
			r.blame.hasPending = false
			if err := r.SubmitAccusation(accusedPhase, r.SelfIndex, accusedBit); err != nil {
				log.Error("round: submitting accusation failed:", err)
			}
		}
	}

	msg := wire.CliSrvCiphertext{
		Header:      wire.Header{Nonce: r.Nonce, Phase: r.phase},
		ClientIndex: r.SelfIndex,
		Ciphertext:  ct,
	}
	framed, err := frameBulk(msgClientCiphertext, &msg)
	if err != nil {
		return "", err
	}
	if err := r.Overlay.SendToServer(r.ownerOf(r.SelfIndex), framed); err != nil {
		return "", err
	}
	return stateClientAwaitCleartext, nil
}

// HandleServerCleartext stores the reconstructed cleartext broadcast by
// the servers and processes it.
func (r *Round) HandleServerCleartext(msg *wire.SrvCliCleartext) (string, error) {
	r.bulk.cleartext = msg.Cleartext
	if err := r.ProcessCleartext(); err != nil {
		return "", err
	}
	r.advancePhase()
	return stateClientSubmit, nil
}

// ProcessCleartext decodes every open slot out of the reconstructed
// cleartext, delivers ordinary payload to Sink, updates next phase's
// layout from each slot's NextLength, opens fresh slots the bitmap
// advertises, and flags an accusation if a slot fails verification. Both
// roles run it against the same cleartext bytes: a client after
// receiving it over the wire, a server against the value it just
// assembled itself, so the whole roster tracks the same layout from
// phase to phase without an extra round trip. It mirrors
// CSDCNetRound::ProcessCleartext.
func (r *Round) ProcessCleartext() error {
	ct := r.bulk.cleartext
	if len(ct) < r.bulk.bitmapLen {
		return ProtocolError{Reason: "cleartext shorter than its own bitmap"}
	}
	bitmap := ct[:r.bulk.bitmapLen]
	trailerLen := dcnet.TrailerLength(r.Config.SignSlots)

	nextOpen := make(map[int]int)

	// Slots already open this phase are read directly from their tracked
	// offset: a slot that stays open advertises its own continuation via
	// its own header's NextLength, so the bitmap is never consulted for
	// it. The bitmap only carries brand-new open requests (RequestSlot),
	// which by construction have no tracked offset yet.
	for c, length := range r.bulk.openSlots {
		off, ok := r.bulk.slotOffset[c]
		if !ok {
			return ProtocolError{Reason: "open slot has no tracked offset"}
		}
		width := dcnet.SeedSize + dcnet.HeaderLength + length + trailerLen
		if off+width > len(ct) {
			return ProtocolError{Reason: "slot extends past the cleartext"}
		}
		raw := ct[off : off+width]
		header, payload, trailer, err := dcnet.ReadSlot(raw, trailerLen)
		if err != nil {
			return err
		}
		if payload == nil {
			// Owner left the slot closed this phase; keep it at the
			// same capacity rather than dropping it from the layout.
			nextOpen[c] = length
			continue
		}

		signable := append(dcnet.EncodeSlotHeader(header), payload...)
		if !r.verifySlotTrailer(c, signable, trailer) {
			log.Lvlf1("round: slot %d failed signature verification at phase %d", c, r.phase)
			if c == r.SelfIndex {
				r.detectOwnSlotCorruption(raw)
			}
			continue
		}

		if header.Accuse {
			log.Lvlf2("round: accusation surfaced in slot %d at phase %d", c, r.phase)
			r.raiseAccusation(c)
			continue
		}
		if header.NextLength > 0 {
			nextOpen[c] = int(header.NextLength)
		}
		if r.Sink != nil {
			r.Sink.PushData(c, payload)
		}
	}

	for c := 0; c < r.Clients.Count(); c++ {
		if _, known := r.bulk.openSlots[c]; known {
			continue
		}
		if bitmap[c/8]&(1<<uint(c%8)) == 0 {
			continue
		}
		nextOpen[c] = r.Config.PayloadLength
	}

	r.bulk.openSlots = nextOpen
	r.recomputeLayout()
	return nil
}

func (r *Round) advancePhase() {
	r.phase++
	r.bulk.resetAccumulators()
}

// --- server side -------------------------------------------------------

// SetOnlineClients is run as stateServerAwaitClients's entry action at
// the start of every phase. It snapshots which of this server's clients
// are eligible to submit this phase (any not carried over as excluded by
// a previous missed hard deadline) and arms the phase's hard submission
// deadline. The caller (statemachine.Machine.enter) always runs with
// r.mu already held, either from OnStart or from within ProcessPacket's
// dispatch, so this must not lock it again.
func (r *Round) SetOnlineClients() {
	allowed := make(map[int]bool)
	for _, c := range r.clientsOf(r.SelfIndex) {
		if r.bulk.excludedClients[c] {
			continue
		}
		allowed[c] = true
	}
	r.bulk.allowedClients = allowed
	r.bulk.deadlinesResolved = false
	r.bulk.flexArmed = false
	r.bulk.phaseStart = time.Now()
	r.stopSubmissionTimers()

	window := time.Duration(r.Config.ClientSubmissionWindowMS) * time.Millisecond
	if window <= 0 || r.Timers == nil || len(allowed) == 0 {
		return
	}
	r.bulk.hardTimer = r.Timers.AfterFunc(window, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.onSubmissionDeadline()
	})
}

func (r *Round) armFlexDeadline() {
	r.bulk.flexArmed = true
	if r.Timers == nil {
		return
	}
	window := time.Duration(r.Config.ClientSubmissionWindowMS) * time.Millisecond
	grace := window / 4
	r.bulk.flexTimer = r.Timers.AfterFunc(grace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.onSubmissionDeadline()
	})
}

func (r *Round) stopSubmissionTimers() {
	if r.bulk.hardTimer != nil {
		r.bulk.hardTimer.Stop()
		r.bulk.hardTimer = nil
	}
	if r.bulk.flexTimer != nil {
		r.bulk.flexTimer.Stop()
		r.bulk.flexTimer = nil
	}
}

// onSubmissionDeadline concludes waiting for clients once either the
// hard deadline or the flexible deadline fires. It is idempotent (a race
// between the two timers, or a timer firing just as the last client's
// ciphertext arrives, is harmless) and, since it runs from a timer
// callback rather than from ProcessPacket's normal dispatch, it must
// force the resulting state transition itself instead of returning it
// for the state machine to enter. Callers must hold r.mu.
func (r *Round) onSubmissionDeadline() {
	if r.bulk.deadlinesResolved {
		return
	}
	r.bulk.deadlinesResolved = true
	r.stopSubmissionTimers()
	next, err := r.ConcludeClientCiphertextSubmission()
	if err != nil {
		log.Error("round: concluding client submission after deadline failed:", err)
		return
	}
	if err := r.machine.Start(next); err != nil {
		log.Error("round: advancing state after submission deadline failed:", err)
	}
}

// HandleClientCiphertext records a client's raw ciphertext submission.
// A submission from a client excluded from this phase's window, or a
// second submission from a client already heard from, is rejected.
// Once every allowed client has submitted, or once a flexible-deadline
// timer concludes the phase early, it moves on to exchanging client
// lists.
func (r *Round) HandleClientCiphertext(msg *wire.CliSrvCiphertext) (string, error) {
	if !r.bulk.allowedClients[msg.ClientIndex] {
		return "", ProtocolError{Reason: "ciphertext from a client outside this phase's submission window"}
	}
	if r.bulk.online[msg.ClientIndex] {
		return "", ProtocolError{Reason: "duplicate ciphertext submission for this phase"}
	}

	if len(r.bulk.clientCiphertexts) == 0 && r.stats != nil {
		r.stats.StartPhase()
	}
	r.bulk.clientCiphertexts[msg.ClientIndex] = msg.Ciphertext
	r.bulk.online[msg.ClientIndex] = true

	if r.log != nil {
		phase := r.log.Start(int(r.phase), r.Servers.Count(), r.SelfIndex)
		for c, ct := range r.bulk.clientCiphertexts {
			phase.ClientCiphertexts[c] = ct
			phase.ClientToServer[c] = r.ownerOf(c)
		}
	}

	total := len(r.bulk.allowedClients)
	if total > 0 && !r.bulk.flexArmed {
		threshold := int(math.Ceil(float64(total) * r.Config.ClientPercentage))
		if len(r.bulk.online) >= threshold {
			r.armFlexDeadline()
		}
	}

	if len(r.bulk.online) < total {
		return "", nil
	}
	r.bulk.deadlinesResolved = true
	r.stopSubmissionTimers()
	return r.ConcludeClientCiphertextSubmission()
}

// ConcludeClientCiphertextSubmission closes off waiting for clients
// (called either because every allowed client has submitted, or because
// a deadline fired) and broadcasts this server's online-client bitmap.
// When reconnects are disabled, any allowed client that didn't make it
// in by now is excluded from every subsequent phase of the round.
func (r *Round) ConcludeClientCiphertextSubmission() (string, error) {
	if !r.Config.ReconnectsEnabled {
		for c := range r.bulk.allowedClients {
			if !r.bulk.online[c] {
				r.bulk.excludedClients[c] = true
			}
		}
	}
	return r.SubmitClientList()
}

// SubmitClientList broadcasts which of this server's clients it heard
// from this phase.
func (r *Round) SubmitClientList() (string, error) {
	bm := make([]byte, r.bulk.bitmapLen)
	for c := range r.bulk.online {
		bm[c/8] |= 1 << uint(c%8)
	}
	msg := wire.SrvSrvClientList{
		Header:      wire.Header{Nonce: r.Nonce, Phase: r.phase},
		ServerIndex: r.SelfIndex,
		Online:      bm,
	}
	if err := r.broadcastToServers(msgServerClientList, &msg); err != nil {
		return "", err
	}
	r.bulk.clientLists[r.SelfIndex] = onlineSet(r.bulk.online)
	if len(r.bulk.clientLists) < r.Servers.Count() {
		return stateServerAwaitClientLists, nil
	}
	return r.SubmitCommit()
}

func onlineSet(online map[int]bool) map[int]bool {
	cp := make(map[int]bool, len(online))
	for k, v := range online {
		cp[k] = v
	}
	return cp
}

// HandleServerClientList records a peer server's online-client bitmap.
func (r *Round) HandleServerClientList(msg *wire.SrvSrvClientList) (string, error) {
	set := make(map[int]bool)
	for c := 0; c < r.Clients.Count(); c++ {
		if msg.Online[c/8]&(1<<uint(c%8)) != 0 {
			set[c] = true
		}
	}
	r.bulk.clientLists[msg.ServerIndex] = set
	if len(r.bulk.clientLists) < r.Servers.Count() {
		return "", nil
	}
	return r.SubmitCommit()
}

// SubmitCommit commits to the hash of this server's own ciphertext,
// before any server reveals one, following CSDCNetRound::SubmitCommit.
func (r *Round) SubmitCommit() (string, error) {
	r.bulk.myCiphertext = r.GenerateServerCiphertext()
	commitment := crypto.Hash(r.bulk.myCiphertext)
	msg := wire.SrvSrvCommit{
		Header:      wire.Header{Nonce: r.Nonce, Phase: r.phase},
		ServerIndex: r.SelfIndex,
		Commitment:  commitment,
	}
	if err := r.broadcastToServers(msgServerCommit, &msg); err != nil {
		return "", err
	}
	r.bulk.commitments[r.SelfIndex] = commitment
	if len(r.bulk.commitments) < r.Servers.Count() {
		return stateServerAwaitCommits, nil
	}
	return r.SubmitServerCiphertext()
}

// HandleServerCommit records a peer's commitment.
func (r *Round) HandleServerCommit(msg *wire.SrvSrvCommit) (string, error) {
	r.bulk.commitments[msg.ServerIndex] = msg.Commitment
	if len(r.bulk.commitments) < r.Servers.Count() {
		return "", nil
	}
	return r.SubmitServerCiphertext()
}

// GenerateServerCiphertext computes this server's own bulk-phase
// ciphertext: its own per-client pads over every client some server
// reported online this phase (the union of the exchanged client lists),
// XORed with the raw ciphertext it received directly from each client it
// owns.
func (r *Round) GenerateServerCiphertext() []byte {
	ct := make([]byte, r.bulk.msgLength)
	for c, seed := range r.bulk.pads {
		for _, list := range r.bulk.clientLists {
			if list[c] {
				dcnet.XorBytes(ct, ct, dcnet.GeneratePad(r.phaseSeed(seed, r.phase), r.bulk.msgLength))
				break
			}
		}
	}
	for _, c := range r.clientsOf(r.SelfIndex) {
		if raw, ok := r.bulk.clientCiphertexts[c]; ok {
			dcnet.XorBytes(ct, ct, raw)
		}
	}
	return ct
}

// SubmitServerCiphertext reveals this server's ciphertext once every
// server has committed.
func (r *Round) SubmitServerCiphertext() (string, error) {
	msg := wire.SrvSrvCiphertext{
		Header:      wire.Header{Nonce: r.Nonce, Phase: r.phase},
		ServerIndex: r.SelfIndex,
		Ciphertext:  r.bulk.myCiphertext,
	}
	if err := r.broadcastToServers(msgServerCiphertext, &msg); err != nil {
		return "", err
	}
	r.bulk.validations[r.SelfIndex] = true
	return r.recordServerCiphertext(r.SelfIndex, r.bulk.myCiphertext)
}

// HandleServerCiphertext verifies a peer's revealed ciphertext against
// its earlier commitment before accepting it.
func (r *Round) HandleServerCiphertext(msg *wire.SrvSrvCiphertext) (string, error) {
	want, ok := r.bulk.commitments[msg.ServerIndex]
	if !ok {
		return "", ProtocolError{Reason: "ciphertext revealed before a commitment was seen"}
	}
	valid := bytes.Equal(want, crypto.Hash(msg.Ciphertext))
	if err := r.SubmitValidation(msg.ServerIndex, valid); err != nil {
		return "", err
	}
	r.bulk.validations[msg.ServerIndex] = valid
	if !valid {
		log.Lvlf1("round: server %d's reveal did not match its commitment", msg.ServerIndex)
		return "", ErrCommitMismatch
	}
	return r.recordServerCiphertext(msg.ServerIndex, msg.Ciphertext)
}

func (r *Round) recordServerCiphertext(serverIdx int, ct []byte) (string, error) {
	r.bulk.serverCiphertexts[serverIdx] = ct
	if r.log != nil {
		if phase, ok := r.log.Get(int(r.phase)); ok {
			phase.ServerCiphertexts[serverIdx] = ct
			for c := range r.bulk.pads {
				if r.ownerOf(c) == r.SelfIndex {
					phase.OwnPads[c] = dcnet.GeneratePad(r.phaseSeed(r.bulk.pads[c], r.phase), r.bulk.msgLength)
				}
			}
		}
	}
	if len(r.bulk.serverCiphertexts) < r.Servers.Count() {
		return stateServerAwaitCiphertexts, nil
	}
	return r.maybePushCleartext()
}

// SubmitValidation reports to every peer whether serverIdx's revealed
// ciphertext matched its commitment.
func (r *Round) SubmitValidation(serverIdx int, valid bool) error {
	msg := wire.SrvSrvValidation{
		Header:      wire.Header{Nonce: r.Nonce, Phase: r.phase},
		ServerIndex: serverIdx,
		Valid:       valid,
	}
	return r.broadcastToServers(msgServerValidation, &msg)
}

// HandleServerValidation records a peer's validation verdict about a
// revealed ciphertext.
func (r *Round) HandleServerValidation(msg *wire.SrvSrvValidation) (string, error) {
	if !msg.Valid {
		r.bulk.validations[msg.ServerIndex] = false
		return "", ErrCommitMismatch
	}
	r.bulk.validations[msg.ServerIndex] = true
	if len(r.bulk.validations) < r.Servers.Count() {
		return stateServerAwaitValidations, nil
	}
	return r.maybePushCleartext()
}

func (r *Round) maybePushCleartext() (string, error) {
	if len(r.bulk.serverCiphertexts) < r.Servers.Count() || len(r.bulk.validations) < r.Servers.Count() {
		return stateServerAwaitValidations, nil
	}
	return r.PushCleartext()
}

// PushCleartext XORs every server's revealed ciphertext together and
// processes it locally exactly as a client would on receipt. Every
// server computes the identical result, so only server 0 actually
// broadcasts it to clients; the rest would otherwise each deliver the
// same cleartext a second and third time, which a client already back in
// stateClientAwaitCleartext would take for the next phase's cleartext.
func (r *Round) PushCleartext() (string, error) {
	ct := make([]byte, r.bulk.msgLength)
	for _, peer := range r.bulk.serverCiphertexts {
		dcnet.XorBytes(ct, ct, peer)
	}
	r.bulk.cleartext = ct
	if err := r.ProcessCleartext(); err != nil {
		return "", err
	}

	if r.stats != nil {
		r.stats.EndPhase()
	}

	if r.SelfIndex == 0 {
		msg := wire.SrvCliCleartext{
			Header:    wire.Header{Nonce: r.Nonce, Phase: r.phase},
			Cleartext: ct,
		}
		framed, err := frameBulk(msgServerCleartext, &msg)
		if err != nil {
			return "", err
		}
		if err := r.Overlay.Broadcast(framed); err != nil {
			return "", err
		}
	}
	r.advancePhase()
	return stateServerAwaitClients, nil
}

// frameBulk encodes msg, tags it with msgType, and wraps it for the bulk
// sub-protocol.
func frameBulk(msgType string, msg interface{}) ([]byte, error) {
	body, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	tagged, err := TagMessage(msgType, body)
	if err != nil {
		return nil, err
	}
	return wire.Frame(wire.SubProtocolBulk, tagged), nil
}

// frameBlame encodes msg, tags it with msgType, and wraps it for the
// blame sub-protocol.
func frameBlame(msgType string, msg interface{}) ([]byte, error) {
	body, err := wire.Encode(msg)
	if err != nil {
		return nil, err
	}
	tagged, err := TagMessage(msgType, body)
	if err != nil {
		return nil, err
	}
	return wire.Frame(wire.SubProtocolBlame, tagged), nil
}

func (r *Round) broadcastToServers(msgType string, msg interface{}) error {
	framed, err := frameBulk(msgType, msg)
	if err != nil {
		return err
	}
	return r.sendToAllServers(framed)
}

// broadcastBlameToServers is broadcastToServers' blame sub-protocol
// counterpart, used by blame.go.
func (r *Round) broadcastBlameToServers(msgType string, msg interface{}) error {
	framed, err := frameBlame(msgType, msg)
	if err != nil {
		return err
	}
	return r.sendToAllServers(framed)
}

func (r *Round) sendToAllServers(framed []byte) error {
	for s := 0; s < r.Servers.Count(); s++ {
		if s == r.SelfIndex {
			continue
		}
		if err := r.Overlay.SendToServer(s, framed); err != nil {
			return err
		}
	}
	return nil
}
