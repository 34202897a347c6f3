// Package replay re-runs a logged frame stream on top of a snapshot and
// checks that every frame lands on the recorded seed and digest.
package replay

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"tilesync.dev/internal/netsync"
	"tilesync.dev/internal/persistence/snapshot"
	"tilesync.dev/internal/sim/action"
	"tilesync.dev/internal/sim/tick"
	"tilesync.dev/internal/sim/world"
)

var (
	// ErrGap means the stream skipped a frame after the snapshot.
	ErrGap = errors.New("replay: frame gap")
	// ErrDone means Apply was called past the configured last frame.
	ErrDone = errors.New("replay: past last frame")
)

// MismatchError reports the first frame whose replayed state differs from
// the log.
type MismatchError struct {
	Frame uint32
	What  string
	Got   string
	Want  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch at frame %d: got=%s want=%s", e.What, e.Frame, e.Got, e.Want)
}

type Options struct {
	PauseLevel action.PauseLevel
	// VerifyFrom skips digest checks before this frame (0 = from the
	// snapshot on).
	VerifyFrom uint32
	// To stops the replay after this frame (0 = no limit).
	To  uint32
	Log logrus.FieldLogger
}

// Verifier owns a world rebuilt from a snapshot and advances it one logged
// frame at a time.
type Verifier struct {
	opts  Options
	log   logrus.FieldLogger
	world *world.World
	proc  *action.Processor
	sched *tick.Scheduler

	start   uint32
	checked int
	cmds    int
	// want holds the logged outcome of each due command, in run order.
	want     []netsync.CommandRecord
	pos      int
	mismatch *MismatchError
}

func New(snap snapshot.SnapshotV1, opts Options) (*Verifier, error) {
	logger := opts.Log
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}
	w, err := world.FromSnapshot(snap, int(snap.MaxCompanies))
	if err != nil {
		return nil, fmt.Errorf("replay: import snapshot: %w", err)
	}
	proc, err := world.NewProcessor(w, action.Options{PauseLevel: opts.PauseLevel, Log: logger})
	if err != nil {
		return nil, err
	}
	v := &Verifier{
		opts:  opts,
		log:   logger.WithField("component", "replay"),
		world: w,
		proc:  proc,
		start: snap.Header.Frame,
	}
	v.sched = tick.NewScheduler(w, execFunc(v.execute))
	v.sched.Reset(snap.Header.Frame)
	return v, nil
}

type execFunc func(c tick.Command) error

func (f execFunc) ExecuteCommand(c tick.Command) error { return f(c) }

func (v *Verifier) World() *world.World { return v.world }

// Frame is the last frame replayed.
func (v *Verifier) Frame() uint32 { return v.sched.Frame() }

// Checked counts the frames whose digest was compared.
func (v *Verifier) Checked() int { return v.checked }

// Commands counts the commands re-executed.
func (v *Verifier) Commands() int { return v.cmds }

// Apply replays one frame log entry. Entries at or before the current frame
// are skipped, except the snapshot frame itself whose digest is compared.
func (v *Verifier) Apply(e netsync.FrameLogEntry) error {
	cur := v.sched.Frame()
	if e.Frame <= cur {
		if e.Frame == v.start && e.Frame == cur && v.verifying(e.Frame) {
			return v.compare(e)
		}
		return nil
	}
	if v.opts.To != 0 && e.Frame > v.opts.To {
		return ErrDone
	}
	if e.Frame != cur+1 {
		return fmt.Errorf("%w: at %d, next entry is %d", ErrGap, cur, e.Frame)
	}

	v.want = v.want[:0]
	v.pos = 0
	v.mismatch = nil
	for _, rec := range e.Commands {
		c, err := rec.Command(e.Frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", e.Frame, err)
		}
		if err := v.sched.Enqueue(c); err != nil {
			return fmt.Errorf("frame %d: %w", e.Frame, err)
		}
		v.want = append(v.want, rec)
	}
	if err := v.sched.RunFrame(); err != nil {
		return err
	}
	if !v.verifying(e.Frame) {
		return nil
	}
	if v.mismatch != nil {
		return v.mismatch
	}
	return v.compare(e)
}

func (v *Verifier) verifying(frame uint32) bool {
	return frame >= v.opts.VerifyFrom
}

func (v *Verifier) compare(e netsync.FrameLogEntry) error {
	v.checked++
	if got := v.world.SyncSeed(); got != e.Seed {
		return &MismatchError{Frame: e.Frame, What: "seed", Got: fmt.Sprint(got), Want: fmt.Sprint(e.Seed)}
	}
	if got := v.world.Digest(); got != e.Digest {
		return &MismatchError{Frame: e.Frame, What: "digest", Got: got, Want: e.Digest}
	}
	return nil
}

func (v *Verifier) execute(c tick.Command) error {
	act := action.Acting{Company: c.Env.Company, Client: c.Origin, Networked: true}
	cost, err := v.proc.Execute(act, c.Env)
	var div *action.DivergenceError
	if errors.As(err, &div) {
		v.log.WithFields(logrus.Fields{"frame": c.Frame, "origin": c.Origin}).Warn(div.Error())
		cost = div.Commit
	} else if err != nil {
		return err
	}
	v.cmds++

	// Due commands run in logged order, so the pos-th execution of a frame
	// matches its pos-th record.
	if v.mismatch == nil && v.pos < len(v.want) {
		rec := v.want[v.pos]
		if got := cost.Class.String(); got != rec.Class || int64(cost.Money) != rec.Cost {
			v.mismatch = &MismatchError{
				Frame: c.Frame,
				What:  fmt.Sprintf("command %d (%s) cost", v.pos, rec.Action.Kind),
				Got:   fmt.Sprintf("%s/%d", got, cost.Money),
				Want:  fmt.Sprintf("%s/%d", rec.Class, rec.Cost),
			}
		}
	}
	v.pos++
	return nil
}
