package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "1.0"

// Message types.
const (
	TypeJoinRequest       = "JOIN"
	TypeWelcome           = "WELCOME"
	TypePasswordChallenge = "PASSWORD_CHALLENGE"
	TypePasswordResponse  = "PASSWORD_RESPONSE"
	TypeSnapshotRequest   = "SNAPSHOT_REQUEST"
	TypeWaitQueuePosition = "WAIT"
	TypeSnapshotChunk     = "SNAPSHOT_CHUNK"
	TypeSnapshotAck       = "SNAPSHOT_ACK"
	TypeSubmitAction      = "SUBMIT_ACTION"
	TypeReplicatedAction  = "REPLICATED_ACTION"
	TypeActionResult      = "ACTION_RESULT"
	TypeCompanyAssigned   = "COMPANY_ASSIGNED"
	TypeFrameAdvance      = "FRAME"
	TypeAck               = "ACK"
	TypeDesyncChecksum    = "SYNC"
	TypePeerJoined        = "PEER_JOINED"
	TypePeerLeft          = "PEER_LEFT"
	TypeChat              = "CHAT"
	TypeDisconnect        = "DISCONNECT"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

var ErrUnknownType = errors.New("protocol: unknown message type")

// Encode marshals any message struct of this package.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses one message into its concrete struct value.
func Decode(b []byte) (any, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return nil, fmt.Errorf("decode base: %w", err)
	}
	var v any
	switch base.Type {
	case TypeJoinRequest:
		v = &JoinRequestMsg{}
	case TypeWelcome:
		v = &WelcomeMsg{}
	case TypePasswordChallenge:
		v = &PasswordChallengeMsg{}
	case TypePasswordResponse:
		v = &PasswordResponseMsg{}
	case TypeSnapshotRequest:
		v = &SnapshotRequestMsg{}
	case TypeWaitQueuePosition:
		v = &WaitQueuePositionMsg{}
	case TypeSnapshotChunk:
		v = &SnapshotChunkMsg{}
	case TypeSnapshotAck:
		v = &SnapshotAckMsg{}
	case TypeSubmitAction:
		v = &SubmitActionMsg{}
	case TypeReplicatedAction:
		v = &ReplicatedActionMsg{}
	case TypeActionResult:
		v = &ActionResultMsg{}
	case TypeCompanyAssigned:
		v = &CompanyAssignedMsg{}
	case TypeFrameAdvance:
		v = &FrameAdvanceMsg{}
	case TypeAck:
		v = &AckMsg{}
	case TypeDesyncChecksum:
		v = &DesyncChecksumMsg{}
	case TypePeerJoined:
		v = &PeerJoinedMsg{}
	case TypePeerLeft:
		v = &PeerLeftMsg{}
	case TypeChat:
		v = &ChatMsg{}
	case TypeDisconnect:
		v = &DisconnectMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", base.Type, err)
	}
	return deref(v), nil
}

func deref(v any) any {
	switch m := v.(type) {
	case *JoinRequestMsg:
		return *m
	case *WelcomeMsg:
		return *m
	case *PasswordChallengeMsg:
		return *m
	case *PasswordResponseMsg:
		return *m
	case *SnapshotRequestMsg:
		return *m
	case *WaitQueuePositionMsg:
		return *m
	case *SnapshotChunkMsg:
		return *m
	case *SnapshotAckMsg:
		return *m
	case *SubmitActionMsg:
		return *m
	case *ReplicatedActionMsg:
		return *m
	case *ActionResultMsg:
		return *m
	case *CompanyAssignedMsg:
		return *m
	case *FrameAdvanceMsg:
		return *m
	case *AckMsg:
		return *m
	case *DesyncChecksumMsg:
		return *m
	case *PeerJoinedMsg:
		return *m
	case *PeerLeftMsg:
		return *m
	case *ChatMsg:
		return *m
	case *DisconnectMsg:
		return *m
	}
	return v
}
