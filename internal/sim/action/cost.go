package action

import "fmt"

type Money int64

// Class splits failures into the two kinds a submitter can see.
type Class uint8

const (
	ClassNone Class = iota
	// ClassRejected: the envelope was malformed or not allowed for the caller.
	ClassRejected
	// ClassFailed: the handler refused it (funds, target, limits).
	ClassFailed
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "ok"
	case ClassRejected:
		return "rejected"
	case ClassFailed:
		return "failed"
	}
	return "unknown"
}

type Reason string

const (
	ReasonNoSuchAction      Reason = "E_NO_SUCH_ACTION"
	ReasonNotAuthorized     Reason = "E_NOT_AUTHORIZED"
	ReasonOfflineOnly       Reason = "E_OFFLINE_ONLY"
	ReasonSpectator         Reason = "E_SPECTATOR"
	ReasonNoSuchCompany     Reason = "E_NO_SUCH_COMPANY"
	ReasonCompanyMismatch   Reason = "E_COMPANY_MISMATCH"
	ReasonPaused            Reason = "E_PAUSED"
	ReasonBadRequest        Reason = "E_BAD_REQUEST"
	ReasonTooDeep           Reason = "E_TOO_DEEP"
	ReasonInsufficientFunds Reason = "E_INSUFFICIENT_FUNDS"
	ReasonInvalidTarget     Reason = "E_INVALID_TARGET"
	ReasonOccupied          Reason = "E_OCCUPIED"
	ReasonNotOwner          Reason = "E_NOT_OWNER"
	ReasonWater             Reason = "E_WATER"
	ReasonLimit             Reason = "E_LIMIT"
	ReasonTooManyCompanies  Reason = "E_TOO_MANY_COMPANIES"
)

// Cost is the outcome of one attempt. A zero Cost is a free success.
type Cost struct {
	Money  Money  `json:"money"`
	Class  Class  `json:"class,omitempty"`
	Reason Reason `json:"reason,omitempty"`
	// Result is a kind-specific return value, e.g. the id of a created company.
	Result uint32 `json:"result,omitempty"`
}

func Ok(m Money) Cost { return Cost{Money: m} }

func Fail(r Reason) Cost { return Cost{Class: ClassFailed, Reason: r} }

func Reject(r Reason) Cost { return Cost{Class: ClassRejected, Reason: r} }

func (c Cost) Succeeded() bool { return c.Class == ClassNone }
func (c Cost) Failed() bool    { return c.Class != ClassNone }

// Add merges the cost of a sub-action. Money always accumulates; the first
// failure is kept.
func (c *Cost) Add(o Cost) {
	c.Money += o.Money
	if c.Succeeded() && o.Failed() {
		c.Class = o.Class
		c.Reason = o.Reason
	}
}

// AddMoney accumulates a plain amount.
func (c *Cost) AddMoney(m Money) { c.Money += m }

func (c Cost) String() string {
	if c.Succeeded() {
		return fmt.Sprintf("ok cost=%d", c.Money)
	}
	return fmt.Sprintf("%s %s", c.Class, c.Reason)
}

// DivergenceError reports a commit that disagreed with its own trial. The
// world that produced it can no longer be trusted.
type DivergenceError struct {
	Envelope Envelope
	Trial    Cost
	Commit   Cost
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("action %s diverged: trial %s, commit %s", e.Envelope, e.Trial, e.Commit)
}
