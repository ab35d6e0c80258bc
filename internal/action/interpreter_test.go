package action

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/lobbywatch/internal/config"
)

type fakeRunner struct {
	calls   []runnerCall
	results []runnerResult
}

type runnerCall struct {
	name string
	args []string
}

type runnerResult struct {
	out []byte
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	if len(f.results) == 0 {
		return []byte("ok"), nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

func newTestInterpreter(r Runner) (*Interpreter, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	in := NewInterpreterWithRunner(logger, r)
	in.sleep = func(context.Context, time.Duration) error { return nil }
	return in, &buf
}

func TestFromDescriptor(t *testing.T) {
	a, err := FromDescriptor(config.ActionDescriptor{Type: "Exec", Command: []string{"notify-send", "{display_name}"}, Timeout: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, KindExec, a.Kind)
	assert.Equal(t, 2*time.Second, a.Timeout)

	_, err = FromDescriptor(config.ActionDescriptor{Type: "osc"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = FromDescriptor(config.ActionDescriptor{Type: "delay"})
	assert.Error(t, err)

	actions, errs := FromDescriptors([]config.ActionDescriptor{
		{Type: "log", Message: "hi"},
		{Type: "beep"},
		{Type: "delay", Delay: time.Second},
	})
	assert.Len(t, actions, 2)
	assert.Len(t, errs, 1)
}

func TestExpandSubstitutesFields(t *testing.T) {
	got := Expand("{display_name} joined as {user_id} {missing}", map[string]string{
		"display_name": "Alice",
		"user_id":      "usr_1",
	})
	assert.Equal(t, "Alice joined as usr_1 {missing}", got)
}

func TestRunAllContinuesAfterFailure(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{out: []byte("boom"), err: errors.New("exit 1")}}}
	in, buf := newTestInterpreter(r)

	failed := in.RunAll(context.Background(), []Action{
		Exec("first", "{display_name}"),
		Log("after {display_name}"),
		Exec("second"),
	}, map[string]string{"display_name": "Alice"})

	assert.Equal(t, 1, failed)
	require.Len(t, r.calls, 2)
	assert.Equal(t, "first", r.calls[0].name)
	assert.Equal(t, []string{"Alice"}, r.calls[0].args)
	assert.Equal(t, "second", r.calls[1].name)
	assert.Contains(t, buf.String(), "after Alice")
	assert.Contains(t, buf.String(), "action failed")
}

type panicRunner struct{}

func (panicRunner) Run(context.Context, string, ...string) ([]byte, error) {
	panic("runner exploded")
}

func TestRunAllRecoversPanickingAction(t *testing.T) {
	in, _ := newTestInterpreter(panicRunner{})
	failed := in.RunAll(context.Background(), []Action{Exec("x"), Log("still runs")}, nil)
	assert.Equal(t, 1, failed)
}

func TestDelayHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
