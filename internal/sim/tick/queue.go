package tick

import (
	"errors"
	"fmt"

	"tilesync.dev/internal/sim/action"
)

// ErrFrameInPast means a command was still queued after its frame had run.
// The peer holding it can no longer reproduce the shared order.
var ErrFrameInPast = errors.New("tick: command for a frame in the past")

// Command is an envelope bound to the frame it executes in.
type Command struct {
	Frame  uint32          `json:"frame"`
	Env    action.Envelope `json:"env"`
	Origin action.ClientID `json:"origin"`
	// Ref is the submitter's correlation id, echoed in results.
	Ref uint32 `json:"ref,omitempty"`
	// Mine marks commands submitted by the local peer.
	Mine bool `json:"-"`
	// Seq is the arrival order at the server, before a frame is assigned.
	Seq uint64 `json:"-"`
}

func (c Command) String() string {
	return fmt.Sprintf("frame=%d origin=%d %s", c.Frame, c.Origin, c.Env)
}

// Queue is a FIFO of commands. Commands with a frame must be pushed in frame
// order.
type Queue struct {
	items []Command
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Push(c Command) error {
	if n := len(q.items); n > 0 && c.Frame < q.items[n-1].Frame {
		return fmt.Errorf("tick: push frame %d behind %d", c.Frame, q.items[n-1].Frame)
	}
	q.items = append(q.items, c)
	return nil
}

func (q *Queue) Peek() (Command, bool) {
	if len(q.items) == 0 {
		return Command{}, false
	}
	return q.items[0], true
}

func (q *Queue) Pop() (Command, bool) {
	c, ok := q.Peek()
	if ok {
		q.items[0] = Command{}
		q.items = q.items[1:]
	}
	return c, ok
}

// Items returns a copy in queue order.
func (q *Queue) Items() []Command {
	out := make([]Command, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Clear() { q.items = nil }

// Take removes up to n commands accepted by allow, in order. Rejected
// commands keep their place.
func (q *Queue) Take(n int, allow func(Command) bool) []Command {
	var out []Command
	kept := q.items[:0]
	for _, c := range q.items {
		if len(out) < n && (allow == nil || allow(c)) {
			out = append(out, c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = Command{}
	}
	q.items = kept
	return out
}

// Due removes the commands for frame. Anything older is an error.
func (q *Queue) Due(frame uint32) ([]Command, error) {
	var out []Command
	for len(q.items) > 0 {
		c := q.items[0]
		if c.Frame > frame {
			break
		}
		if c.Frame < frame {
			return out, fmt.Errorf("%w: %s at frame %d", ErrFrameInPast, c, frame)
		}
		out = append(out, c)
		q.Pop()
	}
	return out, nil
}
