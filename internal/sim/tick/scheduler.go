package tick

// Stepper advances the simulation by one frame.
type Stepper interface {
	StepFrame()
}

// Executor applies one due command.
type Executor interface {
	ExecuteCommand(c Command) error
}

// Scheduler owns the frame counter of one peer and the queue of commands
// already bound to frames.
type Scheduler struct {
	frame    uint32
	frameMax uint32
	queue    Queue
	step     Stepper
	exec     Executor
}

func NewScheduler(step Stepper, exec Executor) *Scheduler {
	return &Scheduler{step: step, exec: exec}
}

// Frame is the last frame that has fully run.
func (s *Scheduler) Frame() uint32 { return s.frame }

// FrameMax is the highest frame this peer may run.
func (s *Scheduler) FrameMax() uint32 { return s.frameMax }

func (s *Scheduler) SetFrameMax(f uint32) {
	if f > s.frameMax {
		s.frameMax = f
	}
}

func (s *Scheduler) CanRun() bool { return s.frame < s.frameMax }

// Reset restarts the counter at frame, e.g. after loading a snapshot. Queued
// commands for later frames survive.
func (s *Scheduler) Reset(frame uint32) {
	s.frame = frame
	s.frameMax = frame
	var kept []Command
	for _, c := range s.queue.items {
		if c.Frame > frame {
			kept = append(kept, c)
		}
	}
	s.queue.items = kept
}

func (s *Scheduler) Enqueue(c Command) error {
	if c.Frame <= s.frame {
		return ErrFrameInPast
	}
	return s.queue.Push(c)
}

// Pending returns the commands not yet executed.
func (s *Scheduler) Pending() []Command { return s.queue.Items() }

// RunFrame advances to the next frame: its commands run in queue order, then
// the world steps. An error leaves the frame half applied; the caller must
// treat the world as lost.
func (s *Scheduler) RunFrame() error {
	s.frame++
	due, err := s.queue.Due(s.frame)
	if err != nil {
		return err
	}
	for _, c := range due {
		if err := s.exec.ExecuteCommand(c); err != nil {
			return err
		}
	}
	s.step.StepFrame()
	return nil
}
