package round

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/datapath"
	"go.dedis.ch/csbr/identity"
	"go.dedis.ch/csbr/overlay"
)

// buildRoster generates n fresh identities named prefix0..prefixN-1 and
// returns both the public roster and the private identities backing it.
func buildRoster(n int, prefix string) (*identity.Roster, []*identity.PrivateIdentity) {
	privs := make([]*identity.PrivateIdentity, n)
	pubs := make([]identity.PublicIdentity, n)
	for i := 0; i < n; i++ {
		privs[i] = identity.NewPrivateIdentity(config.Group(), fmt.Sprintf("%s%d", prefix, i), fmt.Sprintf("%s%d:0", prefix, i))
		pubs[i] = privs[i].PublicIdentity
	}
	return identity.NewRoster(pubs), privs
}

// testNetwork wires nClients clients and nServers servers over in-memory
// overlays, each with its own Source/Sink, ready to drive through
// OnStart and drainAll.
type testNetwork struct {
	clients []*Round
	servers []*Round

	clientSources []*datapath.Memory
	clientSinks   []*datapath.Memory
}

func newTestNetwork(t *testing.T, nClients, nServers int) *testNetwork {
	t.Helper()
	return newTestNetworkWithConfig(t, nClients, nServers, config.DefaultRoundConfig())
}

// newTestNetworkWithConfig is newTestNetwork with the round config exposed,
// for tests exercising a config-gated behavior (SignSlots, AutoCloseEmptySlot,
// ReconnectsEnabled) that the shared defaults would mask.
func newTestNetworkWithConfig(t *testing.T, nClients, nServers int, cfg config.RoundConfig) *testNetwork {
	t.Helper()
	clientRoster, clientPrivs := buildRoster(nClients, "client")
	serverRoster, serverPrivs := buildRoster(nServers, "server")
	serverOverlays, clientOverlays := overlay.NewMemoryNetwork(nServers, nClients, 64)

	net := &testNetwork{}
	for i := 0; i < nClients; i++ {
		src := datapath.NewMemory()
		sink := datapath.NewMemory()
		r, err := New(RoleClient, clientPrivs[i], clientRoster, serverRoster, cfg, clientOverlays[i], src, sink)
		require.NoError(t, err)
		net.clients = append(net.clients, r)
		net.clientSources = append(net.clientSources, src)
		net.clientSinks = append(net.clientSinks, sink)
	}
	for i := 0; i < nServers; i++ {
		r, err := New(RoleServer, serverPrivs[i], clientRoster, serverRoster, cfg, serverOverlays[i], datapath.NewMemory(), datapath.NewMemory())
		require.NoError(t, err)
		net.servers = append(net.servers, r)
	}
	return net
}

func (n *testNetwork) all() []*Round {
	out := make([]*Round, 0, len(n.clients)+len(n.servers))
	out = append(out, n.clients...)
	out = append(out, n.servers...)
	return out
}

func (n *testNetwork) seedSlot(clientIdx, length int) {
	for _, r := range n.all() {
		r.SeedSlot(clientIdx, length)
	}
}

func (n *testNetwork) start(t *testing.T) {
	t.Helper()
	for _, r := range n.all() {
		require.NoError(t, r.OnStart())
	}
}

// drainToPhase pumps every participant's inbox until every one of them
// has advanced to at least targetPhase. The state machine's cycle state
// resubmits automatically at the end of every phase (there is no
// terminal state, by design: a round keeps running until something
// outside it stops it), so draining to quiescence would never return;
// draining to a target phase is the natural stopping point for a test.
func (n *testNetwork) drainToPhase(t *testing.T, targetPhase uint64) {
	t.Helper()
	rounds := n.all()
	for pass := 0; pass < 2000; pass++ {
		allThere := true
		for _, r := range rounds {
			select {
			case pkt := <-r.Overlay.Inbox():
				require.NoError(t, r.ProcessPacket(pkt))
			default:
			}
			if r.Phase() < targetPhase {
				allThere = false
			}
		}
		if allThere {
			return
		}
	}
	t.Fatal("drainToPhase: network did not reach the target phase within the pass budget")
}

func TestBulkPhaseReconstructsSingleSlotPayload(t *testing.T) {
	net := newTestNetwork(t, 2, 2)
	net.seedSlot(0, 16)
	net.clientSources[0].Enqueue([]byte("hi"))

	net.start(t)
	net.drainToPhase(t, 1)

	for i, r := range net.all() {
		require.GreaterOrEqualf(t, r.Phase(), uint64(1), "participant %d did not advance to phase 1", i)
	}

	require.Equal(t, [][]byte{[]byte("hi")}, net.clientSinks[0].Received(0))
	require.Equal(t, [][]byte{[]byte("hi")}, net.clientSinks[1].Received(0))
	require.Empty(t, net.clientSinks[0].Received(1))
	require.Empty(t, net.clientSinks[1].Received(1))
}

func TestBulkPhaseSlotClosesWhenSourceIsDrained(t *testing.T) {
	net := newTestNetwork(t, 2, 2)
	net.seedSlot(0, 16)
	net.clientSources[0].Enqueue([]byte("bye"))

	net.start(t)
	net.drainToPhase(t, 1)

	require.Equal(t, [][]byte{[]byte("bye")}, net.clientSinks[1].Received(0))

	// The source had nothing queued past its one message, so GetData
	// reported keepOpen=false: every participant's layout should have
	// dropped slot 0 for the next phase.
	for i, r := range net.all() {
		_, open := r.bulk.openSlots[0]
		require.Falsef(t, open, "participant %d kept slot 0 open after its owner closed it", i)
	}
}

func TestOwnerOfRoundRobinsAcrossServers(t *testing.T) {
	net := newTestNetwork(t, 5, 2)
	r := net.clients[0]
	got := map[int][]int{}
	for c := 0; c < 5; c++ {
		owner := r.ownerOf(c)
		got[owner] = append(got[owner], c)
	}
	require.Equal(t, []int{0, 2, 4}, got[0])
	require.Equal(t, []int{1, 3}, got[1])
}
