package tick

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilesync.dev/internal/sim/action"
)

type trace struct {
	events []string
	fail   uint32
}

func (t *trace) StepFrame() { t.events = append(t.events, "step") }

func (t *trace) ExecuteCommand(c Command) error {
	if c.Env.P1 == t.fail && t.fail != 0 {
		return errors.New("boom")
	}
	t.events = append(t.events, c.Env.Text)
	return nil
}

func cmd(frame uint32, text string) Command {
	return Command{Frame: frame, Env: action.Envelope{Kind: action.KindPlaceSign, Text: text}}
}

func TestQueue_PushKeepsFrameOrder(t *testing.T) {
	var q Queue
	require.NoError(t, q.Push(cmd(3, "a")))
	require.NoError(t, q.Push(cmd(3, "b")))
	require.NoError(t, q.Push(cmd(4, "c")))
	require.Error(t, q.Push(cmd(2, "late")))
	assert.Equal(t, 3, q.Len())

	due, err := q.Due(3)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "a", due[0].Env.Text)
	assert.Equal(t, "b", due[1].Env.Text)
}

func TestQueue_DueDetectsPast(t *testing.T) {
	var q Queue
	require.NoError(t, q.Push(cmd(3, "a")))
	_, err := q.Due(5)
	assert.ErrorIs(t, err, ErrFrameInPast)
}

func TestQueue_TakeSkipsDisallowed(t *testing.T) {
	var q Queue
	for _, s := range []string{"a", "skip", "b", "c"} {
		require.NoError(t, q.Push(Command{Env: action.Envelope{Text: s}}))
	}
	got := q.Take(2, func(c Command) bool { return c.Env.Text != "skip" })
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Env.Text)
	assert.Equal(t, "b", got[1].Env.Text)

	rest := q.Items()
	require.Len(t, rest, 2)
	assert.Equal(t, "skip", rest[0].Env.Text)
	assert.Equal(t, "c", rest[1].Env.Text)
}

func TestScheduler_RunsCommandsBeforeStep(t *testing.T) {
	tr := &trace{}
	s := NewScheduler(tr, tr)
	require.NoError(t, s.Enqueue(cmd(1, "x")))
	require.NoError(t, s.Enqueue(cmd(1, "y")))
	require.NoError(t, s.Enqueue(cmd(2, "z")))
	s.SetFrameMax(2)

	for s.CanRun() {
		require.NoError(t, s.RunFrame())
	}
	assert.Equal(t, []string{"x", "y", "step", "z", "step"}, tr.events)
	assert.Equal(t, uint32(2), s.Frame())
	assert.False(t, s.CanRun())
	assert.ErrorIs(t, s.Enqueue(cmd(2, "old")), ErrFrameInPast)
}

func TestScheduler_FrameMaxNeverShrinks(t *testing.T) {
	s := NewScheduler(&trace{}, &trace{})
	s.SetFrameMax(10)
	s.SetFrameMax(4)
	assert.Equal(t, uint32(10), s.FrameMax())
}

func TestScheduler_ResetKeepsFutureCommands(t *testing.T) {
	tr := &trace{}
	s := NewScheduler(tr, tr)
	require.NoError(t, s.Enqueue(cmd(3, "old")))
	require.NoError(t, s.Enqueue(cmd(9, "new")))

	s.Reset(5000)
	assert.Empty(t, s.Pending())

	s = NewScheduler(tr, tr)
	require.NoError(t, s.Enqueue(cmd(3, "old")))
	require.NoError(t, s.Enqueue(cmd(9, "new")))
	s.Reset(5)
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "new", pending[0].Env.Text)
	assert.Equal(t, uint32(5), s.Frame())
	assert.Equal(t, uint32(5), s.FrameMax())
}

func TestScheduler_ExecutorErrorStopsFrame(t *testing.T) {
	tr := &trace{fail: 7}
	s := NewScheduler(tr, tr)
	require.NoError(t, s.Enqueue(Command{Frame: 1, Env: action.Envelope{P1: 7}}))
	s.SetFrameMax(1)
	require.Error(t, s.RunFrame())
	assert.Empty(t, tr.events)
}
