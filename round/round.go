package round

import (
	"go.dedis.ch/onet/v3/log"

	"go.dedis.ch/csbr/statemachine"
	"go.dedis.ch/csbr/wire"
)

// buildStateMachine wires the bulk-phase state table, following
// CSDCNetRound::InitServer/InitClient. The blame sub-protocol does not
// get its own states: it can interrupt the bulk phase at any point
// (ProcessCleartext may raise an accusation from any state) and is
// driven instead by ProcessPacket dispatching directly into blame.go.
func buildStateMachine(r *Round) *statemachine.Machine {
	m := statemachine.New()

	if r.Role == RoleServer {
		m.CycleState = stateServerAwaitClients
		m.AddState(stateServerAwaitClients, func() { r.SetOnlineClients() })
		m.AddState(stateServerAwaitClientLists, nil)
		m.AddState(stateServerAwaitCommits, nil)
		m.AddState(stateServerAwaitCiphertexts, nil)
		m.AddState(stateServerAwaitValidations, nil)

		m.AddTransition(stateServerAwaitClients, msgClientCiphertext, func(_ string, body []byte) (string, error) {
			var msg wire.CliSrvCiphertext
			if err := wire.Decode(body, &msg); err != nil {
				return "", err
			}
			return r.HandleClientCiphertext(&msg)
		})
		m.AddTransition(stateServerAwaitClientLists, msgServerClientList, func(_ string, body []byte) (string, error) {
			var msg wire.SrvSrvClientList
			if err := wire.Decode(body, &msg); err != nil {
				return "", err
			}
			return r.HandleServerClientList(&msg)
		})
		m.AddTransition(stateServerAwaitCommits, msgServerCommit, func(_ string, body []byte) (string, error) {
			var msg wire.SrvSrvCommit
			if err := wire.Decode(body, &msg); err != nil {
				return "", err
			}
			return r.HandleServerCommit(&msg)
		})
		m.AddTransition(stateServerAwaitCiphertexts, msgServerCiphertext, func(_ string, body []byte) (string, error) {
			var msg wire.SrvSrvCiphertext
			if err := wire.Decode(body, &msg); err != nil {
				return "", err
			}
			return r.HandleServerCiphertext(&msg)
		})
		m.AddTransition(stateServerAwaitValidations, msgServerValidation, func(_ string, body []byte) (string, error) {
			var msg wire.SrvSrvValidation
			if err := wire.Decode(body, &msg); err != nil {
				return "", err
			}
			return r.HandleServerValidation(&msg)
		})
		return m
	}

	m.CycleState = stateClientSubmit
	m.AddState(stateClientSubmit, func() {
		next, err := r.SubmitClientCiphertext()
		if err != nil {
			log.Error("round: client submission failed:", err)
			return
		}
		if err := r.machine.Start(next); err != nil {
			log.Error("round: advancing state after client submission failed:", err)
		}
	})
	m.AddState(stateClientAwaitCleartext, nil)
	m.AddTransition(stateClientAwaitCleartext, msgServerCleartext, func(_ string, body []byte) (string, error) {
		var msg wire.SrvCliCleartext
		if err := wire.Decode(body, &msg); err != nil {
			return "", err
		}
		return r.HandleServerCleartext(&msg)
	})
	return m
}

// Message type tags used to pick the right handler within the current
// state, matching the message-type dispatch CSDCNetRound does before
// looking up its transition table.
const (
	msgClientCiphertext  = "client-ciphertext"
	msgServerClientList  = "server-client-list"
	msgServerCommit      = "server-commit"
	msgServerCiphertext  = "server-ciphertext"
	msgServerValidation  = "server-validation"
	msgServerCleartext   = "server-cleartext"
)

// ProcessPacket dispatches one received, sub-protocol-tagged packet.
// Bulk-phase packets are routed through the state machine; blame-phase
// packets (which can arrive in the middle of any bulk state) are handled
// directly.
func (r *Round) ProcessPacket(packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sp, body, err := wire.Unframe(packet)
	if err != nil {
		return err
	}

	switch sp {
	case wire.SubProtocolBulk:
		return r.dispatchBulk(body)
	case wire.SubProtocolBlame:
		return r.dispatchBlame(body)
	case wire.SubProtocolShuffle:
		return ProtocolError{Reason: "shuffle sub-protocol packets are handled by the shuffle collaborator directly"}
	default:
		return ProtocolError{Reason: "unknown sub-protocol tag"}
	}
}

func (r *Round) dispatchBulk(body []byte) error {
	msgType, inner, err := peekMessageType(body)
	if err != nil {
		return err
	}
	return r.machine.Dispatch(msgType, inner)
}

func (r *Round) dispatchBlame(body []byte) error {
	msgType, inner, err := peekMessageType(body)
	if err != nil {
		return err
	}
	switch msgType {
	case msgAccusation:
		var msg wire.CliSrvAccusation
		if err := wire.Decode(inner, &msg); err != nil {
			return err
		}
		return r.ProcessBlameShuffle(msg.Entries)
	case msgBlameBits:
		var msg wire.SrvSrvBlameBits
		if err := wire.Decode(inner, &msg); err != nil {
			return err
		}
		return r.HandleBlameBits(&msg)
	case msgRebuttalRequest:
		var msg wire.SrvCliRebuttalRequest
		if err := wire.Decode(inner, &msg); err != nil {
			return err
		}
		reply, err := r.HandleRebuttalRequest(&msg)
		if err != nil {
			return err
		}
		framed, err := frameBlame(msgRebuttalAnswer, reply)
		if err != nil {
			return err
		}
		return r.sendToEveryServer(framed)
	case msgRebuttalAnswer:
		var msg wire.CliSrvRebuttalAnswer
		if err := wire.Decode(inner, &msg); err != nil {
			return err
		}
		guiltyIsServer, guiltyIdx, err := r.HandleRebuttal(&msg)
		if err != nil {
			return err
		}
		return r.signAndBroadcastVerdict(guiltyIsServer, guiltyIdx)
	case msgVerdictSignature:
		var msg wire.SrvSrvVerdictSignature
		if err := wire.Decode(inner, &msg); err != nil {
			return err
		}
		return r.HandleVerdictSignature(&msg)
	case msgVerdict:
		var msg wire.SrvCliVerdict
		if err := wire.Decode(inner, &msg); err != nil {
			return err
		}
		if msg.GuiltyIsServer {
			r.BadServers = append(r.BadServers, msg.GuiltyIndex)
			log.Lvlf1("round: verdict received, server %d found guilty", msg.GuiltyIndex)
		} else {
			r.BadClients = append(r.BadClients, msg.GuiltyIndex)
			log.Lvlf1("round: verdict received, client %d found guilty", msg.GuiltyIndex)
		}
		return nil
	default:
		return ProtocolError{Reason: "unrecognized blame message type"}
	}
}

const (
	msgAccusation       = "accusation"
	msgBlameBits        = "blame-bits"
	msgRebuttalRequest  = "rebuttal-request"
	msgRebuttalAnswer   = "rebuttal-answer"
	msgVerdictSignature = "verdict-signature"
	msgVerdict          = "verdict"
)

// peekMessageType reads a one-byte message-type tag prefixed onto every
// framed body by the sender (see TagMessage), returning the
// remaining bytes to decode.
func peekMessageType(body []byte) (string, []byte, error) {
	if len(body) < 1 {
		return "", nil, ProtocolError{Reason: "empty message body"}
	}
	tag, ok := messageTags[body[0]]
	if !ok {
		return "", nil, ProtocolError{Reason: "unknown message-type tag"}
	}
	return tag, body[1:], nil
}

var messageTags = map[byte]string{
	0:  msgClientCiphertext,
	1:  msgServerClientList,
	2:  msgServerCommit,
	3:  msgServerCiphertext,
	4:  msgServerValidation,
	5:  msgServerCleartext,
	6:  msgBlameBits,
	7:  msgVerdictSignature,
	8:  msgRebuttalRequest,
	9:  msgRebuttalAnswer,
	10: msgAccusation,
	11: msgVerdict,
}

var messageTagBytes = map[string]byte{
	msgClientCiphertext: 0,
	msgServerClientList: 1,
	msgServerCommit:     2,
	msgServerCiphertext: 3,
	msgServerValidation: 4,
	msgServerCleartext:  5,
	msgBlameBits:        6,
	msgVerdictSignature: 7,
	msgRebuttalRequest:  8,
	msgRebuttalAnswer:   9,
	msgAccusation:       10,
	msgVerdict:          11,
}

// TagMessage prefixes an encoded message with its type tag, the
// counterpart peekMessageType expects on receipt.
func TagMessage(msgType string, body []byte) ([]byte, error) {
	tag, ok := messageTagBytes[msgType]
	if !ok {
		return nil, ProtocolError{Reason: "unknown message type to tag"}
	}
	out := make([]byte, 1+len(body))
	out[0] = tag
	copy(out[1:], body)
	return out, nil
}
