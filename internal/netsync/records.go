package netsync

import (
	"tilesync.dev/internal/protocol"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
)

// CommandRecord is one executed command as written to the frame log.
type CommandRecord struct {
	Origin action.ClientID        `json:"origin"`
	Ref    uint32                 `json:"ref,omitempty"`
	Action protocol.ActionPayload `json:"action"`
	Class  string                 `json:"class"`
	Reason string                 `json:"reason,omitempty"`
	Cost   int64                  `json:"cost"`
	Result uint32                 `json:"result,omitempty"`
}

func commandRecord(c tick.Command, cost action.Cost) CommandRecord {
	return CommandRecord{
		Origin: c.Origin,
		Ref:    c.Ref,
		Action: protocol.PayloadOf(c.Env),
		Class:  cost.Class.String(),
		Reason: string(cost.Reason),
		Cost:   int64(cost.Money),
		Result: cost.Result,
	}
}

// Command rebuilds the replicated command of a record.
func (r CommandRecord) Command(frame uint32) (tick.Command, error) {
	env, err := r.Action.Envelope()
	if err != nil {
		return tick.Command{}, err
	}
	return tick.Command{Frame: frame, Env: env, Origin: r.Origin, Ref: r.Ref}, nil
}

// FrameLogEntry is everything needed to re-run and verify one frame.
type FrameLogEntry struct {
	Frame    uint32          `json:"frame"`
	Commands []CommandRecord `json:"commands,omitempty"`
	Seed     uint64          `json:"seed"`
	Digest   string          `json:"digest"`
}

// Audit event names.
const (
	AuditJoin       = "JOIN"
	AuditLeave      = "LEAVE"
	AuditCompany    = "COMPANY_ASSIGNED"
	AuditDesync     = "DESYNC"
	AuditDivergence = "DIVERGENCE"
	AuditResync     = "RESYNC"
	AuditSnapshot   = "SNAPSHOT"
)

type AuditEntry struct {
	Frame    uint32          `json:"frame"`
	Event    string          `json:"event"`
	ClientID action.ClientID `json:"client_id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Token    string          `json:"token,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Expected uint64          `json:"expected,omitempty"`
	Got      uint64          `json:"got,omitempty"`
	Details  map[string]any  `json:"details,omitempty"`
}

type FrameLogger interface {
	WriteFrame(e FrameLogEntry) error
}

type AuditLogger interface {
	WriteAudit(e AuditEntry) error
}
