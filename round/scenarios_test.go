package round

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/dcnet"
	"go.dedis.ch/csbr/overlay"
	"go.dedis.ch/csbr/wire"
)

// TestSubmissionWindowFlexDeadlineExcludesMissingClient covers scenario 5:
// once enough of a server's clients have submitted to cross the flex
// threshold, a missing straggler should not block the round forever. When
// the flex deadline fires with reconnects disabled, the straggler is
// excluded and the phase concludes without it.
func TestSubmissionWindowFlexDeadlineExcludesMissingClient(t *testing.T) {
	const nClients = 10
	clientRoster, _ := buildRoster(nClients, "client")
	serverRoster, serverPrivs := buildRoster(1, "server")
	serverOverlays, _ := overlay.NewMemoryNetwork(1, nClients, 64)

	cfg := config.DefaultRoundConfig()
	cfg.ReconnectsEnabled = false

	timers := &fakeTimerSource{}
	r, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], nil, nil, WithTimers(timers))
	require.NoError(t, err)

	require.NoError(t, r.OnStart())
	require.NotEmpty(t, timers.calls, "hard deadline was never armed")

	ct := make([]byte, r.bulk.msgLength)
	for c := 0; c < nClients-1; c++ {
		_, err := r.HandleClientCiphertext(&wire.CliSrvCiphertext{
			Header:      wire.Header{Nonce: r.Nonce, Phase: 0},
			ClientIndex: c,
			Ciphertext:  ct,
		})
		require.NoError(t, err)
	}
	require.True(t, r.bulk.flexArmed, "flex deadline should have armed once 9/10 clients submitted")
	require.False(t, r.bulk.deadlinesResolved)

	timers.fireLast()

	require.True(t, r.bulk.excludedClients[nClients-1], "straggler should be excluded once reconnects are disabled")
	require.GreaterOrEqual(t, r.Phase(), uint64(1))
}

// TestHandleClientCiphertextRejectsSubmissionOutsideWindow covers the other
// half of scenario 5: a client excluded from this phase's submission
// window (because it missed a previous hard deadline) is rejected outright
// rather than silently accepted.
func TestHandleClientCiphertextRejectsSubmissionOutsideWindow(t *testing.T) {
	clientRoster, _ := buildRoster(2, "client")
	serverRoster, serverPrivs := buildRoster(1, "server")
	serverOverlays, _ := overlay.NewMemoryNetwork(1, 2, 64)
	cfg := config.DefaultRoundConfig()

	r, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], nil, nil)
	require.NoError(t, err)
	r.bulk.excludedClients[1] = true

	require.NoError(t, r.OnStart())
	require.False(t, r.bulk.allowedClients[1])

	_, err = r.HandleClientCiphertext(&wire.CliSrvCiphertext{
		Header:      wire.Header{Nonce: r.Nonce, Phase: 0},
		ClientIndex: 1,
		Ciphertext:  make([]byte, r.bulk.msgLength),
	})
	require.Error(t, err)
}

// TestSignSlotsFalseUsesPlainDigestTrailer covers Fix #7: with SignSlots
// disabled, a slot's trailer is a plain integrity digest rather than a
// signature under the owner's anonymous key, and verification doesn't
// consult the client roster at all.
func TestSignSlotsFalseUsesPlainDigestTrailer(t *testing.T) {
	clientRoster, clientPrivs := buildRoster(1, "client")
	serverRoster, _ := buildRoster(1, "server")
	cfg := config.DefaultRoundConfig()
	cfg.SignSlots = false

	r, err := New(RoleClient, clientPrivs[0], clientRoster, serverRoster, cfg, nil, nil, nil)
	require.NoError(t, err)

	content := []byte("slot content")
	trailer, err := r.signSlotContent(content)
	require.NoError(t, err)
	require.Len(t, trailer, dcnet.DigestLength)
	require.True(t, r.verifySlotTrailer(0, content, trailer))

	trailer[0] ^= 0xFF
	require.False(t, r.verifySlotTrailer(0, content, trailer))
}

// TestAutoCloseEmptySlotGatesOnConfig covers the other half of Fix #7: an
// owner whose source hands back zero bytes for this phase but still has
// more queued (keepOpen=true) only has its slot force-closed when
// AutoCloseEmptySlot is enabled.
func TestAutoCloseEmptySlotGatesOnConfig(t *testing.T) {
	for _, tc := range []struct {
		name       string
		autoClose  bool
		wantClosed bool
	}{
		{"enabled closes an emptied slot", true, true},
		{"disabled keeps the slot open", false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultRoundConfig()
			cfg.AutoCloseEmptySlot = tc.autoClose

			net := newTestNetworkWithConfig(t, 1, 1, cfg)
			net.seedSlot(0, 16)
			net.clientSources[0].Enqueue(nil)
			net.clientSources[0].Enqueue([]byte("more"))

			net.start(t)
			net.drainToPhase(t, 1)

			for i, r := range net.all() {
				_, open := r.bulk.openSlots[0]
				if tc.wantClosed {
					require.Falsef(t, open, "participant %d kept slot 0 open despite AutoCloseEmptySlot", i)
				} else {
					require.Truef(t, open, "participant %d closed slot 0 despite AutoCloseEmptySlot being disabled", i)
				}
			}
		})
	}
}

// TestServerCiphertextCommitMismatchIsRejected covers scenario 6: a server
// that reveals a ciphertext not matching its earlier commitment is
// detected, reported as invalid to every peer, and the round surfaces
// ErrCommitMismatch rather than accepting the mismatched reveal.
func TestServerCiphertextCommitMismatchIsRejected(t *testing.T) {
	clientRoster, _ := buildRoster(1, "client")
	serverRoster, serverPrivs := buildRoster(2, "server")
	serverOverlays, _ := overlay.NewMemoryNetwork(2, 1, 64)
	cfg := config.DefaultRoundConfig()

	r, err := New(RoleServer, serverPrivs[0], clientRoster, serverRoster, cfg, serverOverlays[0], nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.setupPads())

	r.bulk.commitments[1] = []byte("a commitment to one ciphertext")

	_, err = r.HandleServerCiphertext(&wire.SrvSrvCiphertext{
		Header:      wire.Header{Nonce: r.Nonce, Phase: 0},
		ServerIndex: 1,
		Ciphertext:  []byte("a different ciphertext entirely"),
	})
	require.Equal(t, ErrCommitMismatch, err)
	require.False(t, r.bulk.validations[1])
}
