package round

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/datapath"
	"go.dedis.ch/csbr/overlay"
	"go.dedis.ch/csbr/phaselog"
	"go.dedis.ch/csbr/wire"
)

// newSoloServer builds a single server-role Round, indexed 0, among
// rosters of the given size, wired to its own slice of a fully connected
// in-memory network. It is enough to exercise FindMismatch,
// ProcessBlameShuffle and the rebuttal handlers directly, without driving
// a whole bulk phase first.
func newSoloServer(t *testing.T, nClients, nServers int) *Round {
	t.Helper()
	clientRoster, _ := buildRoster(nClients, "client")
	serverRoster, serverPrivs := buildRoster(nServers, "server")
	serverOverlays, _ := overlay.NewMemoryNetwork(nServers, nClients, 64)
	cfg := config.DefaultRoundConfig()
	r, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)
	return r
}

func TestFindMismatchNoDisagreementIsFalseAccusation(t *testing.T) {
	r := newSoloServer(t, 1, 3)
	r.blame.blameBits = map[int]blameBits{
		0: {Actual: []bool{true, false, false}, Expected: []bool{true, false, false}},
		1: {Actual: []bool{false, true, false}, Expected: []bool{false, true, false}},
		2: {Actual: []bool{false, false, false}, Expected: []bool{false, false, false}},
	}
	idx, bits, err := r.FindMismatch()
	require.NoError(t, err)
	require.Equal(t, -1, idx)
	require.Equal(t, []bool{true, true, false}, bits)
}

func TestFindMismatchDetectsDisagreeingServer(t *testing.T) {
	r := newSoloServer(t, 1, 3)
	r.blame.blameBits = map[int]blameBits{
		0: {Actual: []bool{true, false, false}, Expected: []bool{false, false, false}},
		1: {Actual: []bool{false, false, false}, Expected: []bool{false, false, false}},
		2: {Actual: []bool{false, false, false}, Expected: []bool{false, false, false}},
	}
	idx, bits, err := r.FindMismatch()
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.Equal(t, []bool{false, false, false}, bits)
}

// TestProcessBlameShuffleSelectsFirstValidEntry exercises the four checks
// spec's blame shuffle validation requires (phase retained, owner in
// range, bit within the owner's logged length, signature verifies under
// the owner's anonymous key) by handing ProcessBlameShuffle a batch where
// every earlier entry fails a different one of those checks, and only the
// last is well-formed: blame state must come from that last entry, not
// from any of the malformed ones ahead of it.
func TestProcessBlameShuffleSelectsFirstValidEntry(t *testing.T) {
	clientRoster, clientPrivs := buildRoster(2, "client")
	serverRoster, serverPrivs := buildRoster(1, "server")
	serverOverlays, clientOverlays := overlay.NewMemoryNetwork(1, 2, 64)
	cfg := config.DefaultRoundConfig()

	r, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)

	phase := r.log.Start(3, 1, 0)
	phase.ClientCiphertexts[0] = make([]byte, 16)

	client0, err := New(RoleClient, clientPrivs[0], clientRoster, serverRoster, cfg, clientOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)

	wrongPhase, err := client0.signedAccusation(999, 0, 5)
	require.NoError(t, err)
	ownerOutOfRange, err := client0.signedAccusation(3, 7, 5)
	require.NoError(t, err)
	bitOutOfRange, err := client0.signedAccusation(3, 0, 999)
	require.NoError(t, err)
	badSignature, err := client0.signedAccusation(3, 0, 5)
	require.NoError(t, err)
	badSignature[len(badSignature)-1] ^= 0xFF
	good, err := client0.signedAccusation(3, 0, 5)
	require.NoError(t, err)

	err = r.ProcessBlameShuffle([][]byte{wrongPhase, ownerOutOfRange, bitOutOfRange, badSignature, good})
	require.NoError(t, err)
	require.True(t, r.blame.active)
	require.Equal(t, 3, r.blame.accusedPhase)
	require.Equal(t, 0, r.blame.disputedClient)
	require.Equal(t, 5, r.blame.bitOffset)
}

// TestProcessBlameShuffleFailsWhenNothingValidates covers scenario 4: a
// batch of accusation entries where every one fails validation must not
// mutate blame state, and must report ErrMissingAccusation rather than
// silently doing nothing.
func TestProcessBlameShuffleFailsWhenNothingValidates(t *testing.T) {
	clientRoster, clientPrivs := buildRoster(1, "client")
	serverRoster, serverPrivs := buildRoster(1, "server")
	serverOverlays, clientOverlays := overlay.NewMemoryNetwork(1, 1, 64)
	cfg := config.DefaultRoundConfig()

	r, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)
	phase := r.log.Start(3, 1, 0)
	phase.ClientCiphertexts[0] = make([]byte, 16)

	client0, err := New(RoleClient, clientPrivs[0], clientRoster, serverRoster, cfg, clientOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)

	forgedTrailer, err := client0.signedAccusation(3, 0, 5)
	require.NoError(t, err)
	forgedTrailer[len(forgedTrailer)-1] ^= 0xFF

	err = r.ProcessBlameShuffle([][]byte{forgedTrailer})
	require.Equal(t, ErrMissingAccusation, err)
	require.False(t, r.blame.active)
}

// TestHandleRebuttalRequestNamesLyingServer covers the core of scenario 3:
// the accusing client reconstructs its own per-server pad bits and, when
// one disagrees with what the servers collectively claimed, names that
// server backed by a DH proof; the accused server's HandleRebuttal then
// verifies that proof and, since the client's reconstruction and the
// server's own logged claim disagree, must conclude the server lied.
func TestHandleRebuttalRequestNamesLyingServer(t *testing.T) {
	clientRoster, clientPrivs := buildRoster(1, "client")
	serverRoster, serverPrivs := buildRoster(2, "server")
	serverOverlays, clientOverlays := overlay.NewMemoryNetwork(2, 1, 64)
	cfg := config.DefaultRoundConfig()

	client, err := New(RoleClient, clientPrivs[0], clientRoster, serverRoster, cfg, clientOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)
	require.NoError(t, client.setupPads())

	accused, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)

	const phase, bitOffset = 7, 3
	trueBitServer0 := client.reconstructPadBit(client.bulk.pads[0], phase, bitOffset)
	trueBitServer1 := client.reconstructPadBit(client.bulk.pads[1], phase, bitOffset)

	// Server 0 is the liar: the vector the servers collectively agreed on
	// disagrees with the bit the client's own reconstruction produces for
	// it, while server 1's entry matches.
	serverBits := []bool{!trueBitServer0, trueBitServer1}

	req := &wire.SrvCliRebuttalRequest{
		Header:      wire.Header{Nonce: client.Nonce, Phase: phase},
		AccuseIndex: bitOffset,
		NumServers:  2,
		ServerBits:  phaselog.PackBits(serverBits),
	}
	answer, err := client.HandleRebuttalRequest(req)
	require.NoError(t, err)
	require.True(t, answer.HasProof)
	require.Equal(t, 0, answer.ClaimedServer)

	accused.blame.disputedClient = 0
	accused.blame.accusedPhase = phase
	accused.blame.bitOffset = bitOffset
	accused.blame.serverBits = serverBits

	guiltyIsServer, guiltyIdx, err := accused.HandleRebuttal(answer)
	require.NoError(t, err)
	require.True(t, guiltyIsServer)
	require.Equal(t, 0, guiltyIdx)
}

// TestHandleRebuttalRequestAdmitsClientFault is the flip side: when the
// client's own reconstruction agrees with every server's claim, none of
// them can be named, so the client answers with no proof, and the
// receiving server must find the client, not itself, at fault.
func TestHandleRebuttalRequestAdmitsClientFault(t *testing.T) {
	clientRoster, clientPrivs := buildRoster(1, "client")
	serverRoster, serverPrivs := buildRoster(2, "server")
	serverOverlays, clientOverlays := overlay.NewMemoryNetwork(2, 1, 64)
	cfg := config.DefaultRoundConfig()

	client, err := New(RoleClient, clientPrivs[0], clientRoster, serverRoster, cfg, clientOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)
	require.NoError(t, client.setupPads())

	srv, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], datapath.NewMemory(), datapath.NewMemory())
	require.NoError(t, err)

	const phase, bitOffset = 4, 1
	serverBits := []bool{
		client.reconstructPadBit(client.bulk.pads[0], phase, bitOffset),
		client.reconstructPadBit(client.bulk.pads[1], phase, bitOffset),
	}

	req := &wire.SrvCliRebuttalRequest{
		Header:      wire.Header{Nonce: client.Nonce, Phase: phase},
		AccuseIndex: bitOffset,
		NumServers:  2,
		ServerBits:  phaselog.PackBits(serverBits),
	}
	answer, err := client.HandleRebuttalRequest(req)
	require.NoError(t, err)
	require.False(t, answer.HasProof)

	srv.blame.disputedClient = 0
	guiltyIsServer, guiltyIdx, err := srv.HandleRebuttal(answer)
	require.NoError(t, err)
	require.False(t, guiltyIsServer)
	require.Equal(t, 0, guiltyIdx)
}
