package protocol

// PlayAs values besides a company id.
const (
	PlayAsNewCompany uint8 = 254
	PlayAsSpectator  uint8 = 255
)

type JoinRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Name            string `json:"name"`
	PlayAs          uint8  `json:"play_as"`
}

type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientID        uint32 `json:"client_id"`
	ServerName      string `json:"server_name"`
	// PauseLevel is the server's pause_level; peers must gate actions alike.
	PauseLevel string `json:"pause_level"`
}

type PasswordChallengeMsg struct {
	Type       string `json:"type"`
	ServerName string `json:"server_name"`
}

type PasswordResponseMsg struct {
	Type     string `json:"type"`
	Password string `json:"password"`
}

type SnapshotRequestMsg struct {
	Type string `json:"type"`
}

type WaitQueuePositionMsg struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// Snapshot chunk phases.
const (
	ChunkStart = "START"
	ChunkBody  = "BODY"
	ChunkEnd   = "END"
)

type SnapshotChunkMsg struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
	// Frame is the frame the snapshot was taken at (START only).
	Frame uint32 `json:"frame,omitempty"`
	// Total is the blob size in bytes (START only).
	Total int    `json:"total,omitempty"`
	Seq   int    `json:"seq,omitempty"`
	Data  []byte `json:"data,omitempty"`
}

type SnapshotAckMsg struct {
	Type string `json:"type"`
}

// ActionPayload is the wire form of an action envelope.
type ActionPayload struct {
	Kind    string `json:"kind"`
	Tile    uint32 `json:"tile"`
	P1      uint32 `json:"p1"`
	P2      uint32 `json:"p2"`
	Text    string `json:"text,omitempty"`
	Company uint8  `json:"company"`
}

type SubmitActionMsg struct {
	Type   string        `json:"type"`
	Ref    uint32        `json:"ref"`
	Action ActionPayload `json:"action"`
}

type ReplicatedActionMsg struct {
	Type   string        `json:"type"`
	Frame  uint32        `json:"frame"`
	Origin uint32        `json:"origin"`
	Mine   bool          `json:"mine,omitempty"`
	Ref    uint32        `json:"ref,omitempty"`
	Action ActionPayload `json:"action"`
}

type ActionResultMsg struct {
	Type   string `json:"type"`
	Ref    uint32 `json:"ref"`
	Frame  uint32 `json:"frame,omitempty"`
	Class  string `json:"class"`
	Reason string `json:"reason,omitempty"`
	Cost   int64  `json:"cost"`
}

type CompanyAssignedMsg struct {
	Type    string `json:"type"`
	Company uint8  `json:"company"`
}

type FrameAdvanceMsg struct {
	Type     string `json:"type"`
	Frame    uint32 `json:"frame"`
	FrameMax uint32 `json:"frame_max"`
	Token    uint8  `json:"token,omitempty"`
}

type AckMsg struct {
	Type  string `json:"type"`
	Frame uint32 `json:"frame"`
	Token uint8  `json:"token,omitempty"`
}

// DesyncChecksumMsg carries the seed lineage at a frame. From the server it
// is the reference; from a client it reports a mismatch.
type DesyncChecksumMsg struct {
	Type  string `json:"type"`
	Frame uint32 `json:"frame"`
	Seed1 uint32 `json:"seed1"`
	Seed2 uint32 `json:"seed2"`
}

type PeerJoinedMsg struct {
	Type     string `json:"type"`
	ClientID uint32 `json:"client_id"`
	Name     string `json:"name"`
	Company  uint8  `json:"company"`
}

type PeerLeftMsg struct {
	Type     string `json:"type"`
	ClientID uint32 `json:"client_id"`
	Name     string `json:"name"`
	Reason   string `json:"reason,omitempty"`
}

// Chat scopes.
const (
	ChatAll     = "ALL"
	ChatTeam    = "TEAM"
	ChatPrivate = "PRIVATE"
)

type ChatMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
	// Dest is a client id for PRIVATE and a company id for TEAM.
	Dest uint32 `json:"dest,omitempty"`
	From uint32 `json:"from,omitempty"`
	Name string `json:"name,omitempty"`
	Text string `json:"text"`
}

type DisconnectMsg struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}
