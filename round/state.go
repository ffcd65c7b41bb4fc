// Package round implements the accountable DC-net bulk round: the
// commit/reveal exchange that reconstructs a phase's cleartext (bulk.go)
// and the cryptographic blame protocol that is triggered when an
// accusation surfaces in that cleartext (blame.go). Both are grounded on
// original_source/dissent/src/Anonymity/CSDCNetRound.cpp, generalized
// from its relay-plus-trustees architecture to a roster of symmetric
// servers and a roster of clients, each assigned to exactly one server.
package round

import (
	"errors"
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"

	"go.dedis.ch/csbr/config"
	"go.dedis.ch/csbr/datapath"
	"go.dedis.ch/csbr/identity"
	"go.dedis.ch/csbr/overlay"
	"go.dedis.ch/csbr/phaselog"
	"go.dedis.ch/csbr/shuffle"
	"go.dedis.ch/csbr/statemachine"
	"go.dedis.ch/csbr/timer"
)

// Role distinguishes the two participant kinds a Round can play.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Round is the protocol state for one participant across the lifetime of
// a round: many phases of the bulk sub-protocol, punctuated as needed by
// a run of the blame sub-protocol.
type Round struct {
	Role      Role
	Self      *identity.PrivateIdentity
	SelfIndex int

	Clients *identity.Roster
	Servers *identity.Roster

	Config  config.RoundConfig
	Overlay overlay.Overlay
	Source  datapath.Source
	Sink    datapath.Sink
	Shuffle shuffle.Round
	Timers  timer.Source

	Nonce []byte

	// BadServers accumulates the roster index of every server a
	// completed blame run has found guilty.
	BadServers []int

	// BadClients accumulates the roster index of every client a
	// completed blame run has found guilty: the rebuttal protocol
	// concludes either an accused server lied or the accusing client
	// itself did, so a verdict can name either roster.
	BadClients []int

	machine *statemachine.Machine
	log     *phaselog.Log // non-nil only for RoleServer

	mu    sync.Mutex
	phase uint64
	bulk  bulkState
	blame blameState
	stats *PhaseStatistics // non-nil only for RoleServer
}

// Option configures a Round at construction time.
type Option func(*Round)

// WithShuffle overrides the default NullRound shuffle.
func WithShuffle(s shuffle.Round) Option {
	return func(r *Round) { r.Shuffle = s }
}

// WithTimers overrides the default real-clock timer source.
func WithTimers(t timer.Source) Option {
	return func(r *Round) { r.Timers = t }
}

// New builds a Round for self, playing role, among the given client and
// server rosters.
func New(role Role, self *identity.PrivateIdentity, clients, servers *identity.Roster, cfg config.RoundConfig, ov overlay.Overlay, src datapath.Source, sink datapath.Sink, opts ...Option) (*Round, error) {
	var roster *identity.Roster
	if role == RoleServer {
		roster = servers
	} else {
		roster = clients
	}
	idx := roster.IndexOf(self.Name)
	if idx < 0 {
		return nil, errors.New("round: self identity is not a member of its own roster")
	}

	r := &Round{
		Role:      role,
		Self:      self,
		SelfIndex: idx,
		Clients:   clients,
		Servers:   servers,
		Config:    cfg,
		Overlay:   ov,
		Source:    src,
		Sink:      sink,
		Shuffle:   shuffle.NullRound{},
		Timers:    timer.RealSource{},
	}
	for _, o := range opts {
		o(r)
	}
	if role == RoleServer {
		r.log = phaselog.New(cfg.RetainedPhases)
		r.stats = NewPhaseStatistics(5 * time.Second)
	}
	r.bulk.init(clients.Count(), servers.Count())
	r.blame.init()
	r.machine = buildStateMachine(r)
	return r, nil
}

// Phase returns the index of the phase currently in progress.
func (r *Round) Phase() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// ownerOf deterministically assigns client clientIdx to the server that
// serves it: round-robin over the server roster. Every participant can
// compute this without exchanging an assignment message.
func (r *Round) ownerOf(clientIdx int) int {
	return clientIdx % r.Servers.Count()
}

// clientsOf lists, in roster order, the clients assigned to serverIdx.
func (r *Round) clientsOf(serverIdx int) []int {
	var out []int
	for c := 0; c < r.Clients.Count(); c++ {
		if r.ownerOf(c) == serverIdx {
			out = append(out, c)
		}
	}
	return out
}

// OnStart begins the first phase. It computes this participant's shared
// pads with every peer on the other side of the client/server divide and
// enters the state machine's starting state.
func (r *Round) OnStart() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.setupPads(); err != nil {
		return err
	}
	log.Lvlf2("round: %s %q starting phase %d", r.Role, r.Self.Name, r.phase)
	if r.Role == RoleServer {
		return r.machine.Start(stateServerAwaitClients)
	}
	return r.machine.Start(stateClientSubmit)
}

// OnStop tears down the round. A Round has nothing to release on its own
// (its collaborators own any real resources), so this only logs.
func (r *Round) OnStop() {
	log.Lvlf2("round: %s %q stopping at phase %d", r.Role, r.Self.Name, r.phase)
}
