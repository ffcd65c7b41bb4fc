// Package wire defines the on-the-wire message structs exchanged during a
// round and encodes/decodes them with go.dedis.ch/protobuf, the same
// struct-tag encoder used throughout onet/cothority. Message names follow
// the teacher's SOURCE_DEST_CONTENT convention, adapted from the
// relay/trustee split to the symmetric client/server model used here:
// CLI = client, SRV = server.
package wire

// SubProtocol tags which of the three sub-protocols a packet belongs to,
// so a server can dispatch without first decoding the message body.
type SubProtocol byte

const (
	SubProtocolBulk SubProtocol = iota
	SubProtocolShuffle
	SubProtocolBlame
)

// Header is embedded in every inner message: it carries the phase a
// message belongs to and a nonce binding it to one run of the protocol.
// The receiving round does not compare either field against its own
// nonce or phase before handling a message.
type Header struct {
	Nonce []byte
	Phase uint64
}

// CliSrvCiphertext is a client's bulk-phase ciphertext submission.
type CliSrvCiphertext struct {
	Header
	ClientIndex int
	Ciphertext  []byte
}

// SrvSrvClientList announces, to every server, which clients a server
// heard from this phase (as a bitmap over the roster's client indices).
type SrvSrvClientList struct {
	Header
	ServerIndex int
	Online      []byte // bitmap, one bit per client index
}

// SrvSrvCommit is the commitment half of commit/reveal: a server commits
// to the hash of its own ciphertext before any server reveals one.
type SrvSrvCommit struct {
	Header
	ServerIndex int
	Commitment  []byte
}

// SrvSrvCiphertext reveals a server's own bulk-phase ciphertext, once all
// commitments are in.
type SrvSrvCiphertext struct {
	Header
	ServerIndex int
	Ciphertext  []byte
}

// SrvSrvValidation lets a server report whether a peer's revealed
// ciphertext matched its earlier commitment.
type SrvSrvValidation struct {
	Header
	ServerIndex int
	Valid       bool
}

// SrvCliCleartext is the reconstructed cleartext for the phase, broadcast
// to every client once all servers' ciphertexts are combined.
type SrvCliCleartext struct {
	Header
	Cleartext []byte
}

// SrvSrvBlameBits carries one server's slice of the cross-validation
// vectors used to find a mismatching server during blame (see
// phaselog.Phase.BitsAtIndex).
type SrvSrvBlameBits struct {
	Header
	ServerIndex int
	ClientIndex int
	AccuseIndex int
	Actual      []byte // packed bit vector, one bit per server index
	Expected    []byte
}

// SrvCliRebuttalRequest is sent directly to the accusing client once a
// server's blame-bits cross-check confirms a genuine mismatch: it carries
// the cross-validated server_bits vector the client must reconcile its
// own view against, signed by the sending server.
type SrvCliRebuttalRequest struct {
	Header
	AccuseIndex int
	NumServers  int
	ServerBits  []byte // packed, one bit per server index
	Signature   []byte
}

// CliSrvAccusation carries a client's accusation entry after it has been
// through the anonymizing shuffle, so the receiving servers cannot tell
// which client submitted it.
type CliSrvAccusation struct {
	Header
	Entries [][]byte
}

// CliSrvRebuttalAnswer is the accusing client's reply to a
// SrvCliRebuttalRequest: either a claim against a specific server backed
// by a DH proof, or (HasProof false) an implicit admission that the
// client itself lied, blaming an arbitrary in-range server since no
// proof is possible in that case.
type CliSrvRebuttalAnswer struct {
	Header
	ClaimedServer int
	HasProof      bool
	ProofShared   []byte
	ProofR1       []byte
	ProofR2       []byte
	ProofS        []byte
}

// SrvSrvVerdictSignature is a server's signature over the final blame
// verdict, collected so the verdict itself is independently checkable.
type SrvSrvVerdictSignature struct {
	Header
	ServerIndex int
	Verdict     []byte
	Signature   []byte
}

// SrvCliVerdict announces the outcome of a blame run to every client,
// once a majority of servers have signed off on it. GuiltyIsServer
// distinguishes whether GuiltyIndex names a server or a client roster
// position: the rebuttal protocol can conclude either an accused server
// lied or the accusing client itself did.
type SrvCliVerdict struct {
	Header
	GuiltyIsServer bool
	GuiltyIndex    int
}
