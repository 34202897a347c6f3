package action

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

// ErrReentrant is returned when a top-level entry point is called while
// another top-level call on the same world is still running.
var ErrReentrant = errors.New("action: processor re-entered at top level")

// World is what the processor needs from the simulation besides handlers.
type World interface {
	Funds(c CompanyID) (Money, bool)
	Deduct(c CompanyID, m Money)
	TileValid(t TileIndex, allTiles bool) bool
	CompanyValid(c CompanyID) bool
	Paused() bool
}

type Options struct {
	PauseLevel PauseLevel
	MaxDepth   int
	Log        logrus.FieldLogger
}

// Processor runs envelopes against one world in trial and commit mode.
// It is not safe for concurrent use; the simulation loop owns it.
type Processor struct {
	reg   *Registry
	world World
	opts  Options
	log   logrus.FieldLogger

	guard     depthGuard
	lastError Reason
	cashShort Money
}

func NewProcessor(reg *Registry, w World, opts Options) *Processor {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 8
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Processor{
		reg:   reg,
		world: w,
		opts:  opts,
		log:   log,
		guard: depthGuard{max: opts.MaxDepth},
	}
}

// LastError is the reason of the most recent failure inside the current or
// last top-level call.
func (p *Processor) LastError() Reason { return p.lastError }

func (p *Processor) SetPauseLevel(l PauseLevel) { p.opts.PauseLevel = l }

// Check validates env for the acting context without running the handler.
func (p *Processor) Check(act Acting, env Envelope) Cost {
	def, _, ok := p.reg.lookup(env.Kind)
	if !ok {
		return Reject(ReasonNoSuchAction)
	}
	switch {
	case def.Caps.Has(CapServer) && !act.IsServer():
		return Reject(ReasonNotAuthorized)
	case def.Caps.Has(CapOffline) && act.Networked:
		return Reject(ReasonOfflineOnly)
	case len(env.Text) > MaxTextLen:
		return Reject(ReasonBadRequest)
	case def.Caps.Has(CapClientID) && env.P2 == uint32(InvalidClient):
		return Reject(ReasonBadRequest)
	}
	if !def.ExecAsSpectator() {
		if act.Company == CompanySpectator {
			if def.Caps.Has(CapNoSpectator) {
				return Reject(ReasonSpectator)
			}
		} else if !p.world.CompanyValid(act.Company) {
			return Reject(ReasonNoSuchCompany)
		}
	}
	return Cost{}
}

// Propose runs a validated trial of env and reports what a commit would cost.
// It applies the same checks as Execute, pause gating included, so an envelope
// it accepts is one the commit would also run. The world is not modified.
func (p *Processor) Propose(act Acting, env Envelope) (Cost, error) {
	if p.guard.n != 0 {
		return Cost{}, ErrReentrant
	}
	p.lastError = ""
	p.cashShort = 0

	def, c := p.admit(act, env)
	if c.Failed() {
		p.lastError = c.Reason
		return c, nil
	}
	act = actingFor(def, act)
	flags := def.Caps.DoFlags() | env.Flags&(DoQueryCost|DoBankrupt)
	trial := p.do(act, env, flags&^DoExec)
	if trial.Failed() {
		return trial, nil
	}
	if !def.Caps.Has(CapNoTest) && !flags.Has(DoQueryCost|DoBankrupt) && !p.affordable(act.Company, trial.Money) {
		p.lastError = ReasonInsufficientFunds
		return Fail(ReasonInsufficientFunds), nil
	}
	return trial, nil
}

// admit runs Check, pause gating and the target tile check.
func (p *Processor) admit(act Acting, env Envelope) (Definition, Cost) {
	if c := p.Check(act, env); c.Failed() {
		return Definition{}, c
	}
	def, _, _ := p.reg.lookup(env.Kind)
	if p.world.Paused() && !def.AllowedWhilePaused(p.opts.PauseLevel) {
		return def, Reject(ReasonPaused)
	}
	if env.Tile != 0 && !p.world.TileValid(env.Tile, def.Caps.Has(CapAllTiles)) {
		return def, Fail(ReasonInvalidTarget)
	}
	return def, Cost{}
}

// Execute is the top-level commit of a replicated or local envelope: a trial,
// a funds check, a commit and the settlement. A commit that disagrees with its
// trial yields a *DivergenceError.
func (p *Processor) Execute(act Acting, env Envelope) (Cost, error) {
	if p.guard.n != 0 {
		return Cost{}, ErrReentrant
	}
	p.lastError = ""
	p.cashShort = 0

	def, c := p.admit(act, env)
	if c.Failed() {
		p.lastError = c.Reason
		return c, nil
	}
	_, h, _ := p.reg.lookup(env.Kind)
	act = actingFor(def, act)

	s, _ := p.guard.enter()
	defer s.release()

	flags := def.Caps.DoFlags() | env.Flags&(DoQueryCost|DoBankrupt)
	canDiffer := def.Caps.Has(CapNoTest)

	trial := h.Apply(&Call{p: p, act: act, flags: flags &^ DoExec}, env)
	if trial.Failed() {
		p.lastError = trial.Reason
		return trial, nil
	}
	if !canDiffer && !flags.Has(DoQueryCost|DoBankrupt) && !p.affordable(act.Company, trial.Money) {
		p.lastError = ReasonInsufficientFunds
		return Fail(ReasonInsufficientFunds), nil
	}
	if def.Access == AccessRead {
		return trial, nil
	}

	p.log.WithFields(logrus.Fields{
		"kind":    env.Kind.String(),
		"tile":    env.Tile,
		"p1":      env.P1,
		"p2":      env.P2,
		"company": act.Company,
	}).Debug("cmd")

	commit := h.Apply(&Call{p: p, act: act, flags: flags | DoExec}, env)
	if !canDiffer {
		if commit.Money != trial.Money || commit.Failed() != trial.Failed() {
			return commit, &DivergenceError{Envelope: env, Trial: trial, Commit: commit}
		}
	} else if commit.Failed() {
		p.lastError = commit.Reason
		return commit, nil
	}
	if p.cashShort != 0 && commit.Money == 0 {
		p.lastError = ReasonInsufficientFunds
		return Fail(ReasonInsufficientFunds), nil
	}
	if !flags.Has(DoBankrupt) {
		p.world.Deduct(act.Company, commit.Money)
	}
	return commit, nil
}

// do runs one handler once in the given mode. Sub-actions reach it through
// Call; their costs are settled by the enclosing Execute.
func (p *Processor) do(act Acting, env Envelope, flags DoFlag) Cost {
	_, h, ok := p.reg.lookup(env.Kind)
	if !ok {
		return Reject(ReasonNoSuchAction)
	}
	if env.Tile != 0 && !p.world.TileValid(env.Tile, flags.Has(DoAllTiles)) {
		p.lastError = ReasonInvalidTarget
		return Fail(ReasonInvalidTarget)
	}
	s, ok := p.guard.enter()
	if !ok {
		p.lastError = ReasonTooDeep
		return Fail(ReasonTooDeep)
	}
	defer s.release()

	res := h.Apply(&Call{p: p, act: act, flags: flags}, env)
	if res.Failed() {
		p.lastError = res.Reason
	}
	return res
}

func (p *Processor) affordable(c CompanyID, m Money) bool {
	if m <= 0 {
		return true
	}
	funds, ok := p.world.Funds(c)
	if !ok {
		return true
	}
	return funds >= m
}

func actingFor(def Definition, act Acting) Acting {
	if def.ExecAsSpectator() {
		act.Company = CompanySpectator
	}
	return act
}

// Call is the handle a handler receives for one run.
type Call struct {
	p     *Processor
	act   Acting
	flags DoFlag
}

func (c *Call) Exec() bool         { return c.flags.Has(DoExec) }
func (c *Call) Flags() DoFlag      { return c.flags }
func (c *Call) Company() CompanyID { return c.act.Company }
func (c *Call) Client() ClientID   { return c.act.Client }
func (c *Call) Networked() bool    { return c.act.Networked }

// Available is the money the acting company may still spend.
func (c *Call) Available() Money {
	m, ok := c.p.world.Funds(c.act.Company)
	if !ok {
		return Money(1<<63 - 1)
	}
	return m
}

// ShortOf records that a commit stopped early for lack of money.
func (c *Call) ShortOf(m Money) { c.p.cashShort = m }

// Test runs a sub-action as a trial whatever the current mode is.
func (c *Call) Test(env Envelope) Cost {
	return c.p.do(c.act, env, c.flags&^DoExec)
}

// Do runs a sub-action in the same acting context and mode.
func (c *Call) Do(env Envelope, extra DoFlag) Cost {
	return c.p.do(c.act, env, c.flags|extra)
}
