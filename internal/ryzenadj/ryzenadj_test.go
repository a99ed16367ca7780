package ryzenadj

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/decktune/decktune/internal/events"
)

// fakeRunner records invocations and serves scripted results.
type fakeRunner struct {
	calls   [][]string
	stderr  string
	exit    int
	err     error
	failOn  int // 1-based call index to fail at; 0 = never
	callNum int
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (string, string, int, error) {
	f.callNum++
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failOn != 0 && f.callNum == f.failOn {
		return "", f.stderr, f.exit, f.err
	}
	return "", "", 0, nil
}

func newTestInvoker(runner CommandRunner) *Invoker {
	inv := New("sudo", "/usr/bin/ryzenadj", "", events.Nop{}, zap.NewNop())
	inv.SetRunner(runner)
	return inv
}

func TestCalculateHex(t *testing.T) {
	tests := []struct {
		core  int
		value int
		want  string
	}{
		{0, 0, "0X0"},
		{3, 0, "0X300000"},
		{0, -1, "0XFFFFF"},
		{0, -30, "0XFFFE2"},
		{1, -30, "0X1FFFE2"},
		{2, -30, "0X2FFFE2"},
		{3, -30, "0X3FFFE2"},
		{1, -60, "0X1FFFC4"},
	}
	for _, tt := range tests {
		if got := CalculateHex(tt.core, tt.value); got != tt.want {
			t.Errorf("CalculateHex(%d, %d) = %q, want %q", tt.core, tt.value, got, tt.want)
		}
	}
}

func TestApplyCommandSequence(t *testing.T) {
	runner := &fakeRunner{}
	inv := newTestInvoker(runner)

	require.NoError(t, inv.Apply(context.Background(), []int{-30, -30, -30, -30}))
	require.Len(t, runner.calls, 4)

	wantArgs := []string{"0XFFFE2", "0X1FFFE2", "0X2FFFE2", "0X3FFFE2"}
	for i, call := range runner.calls {
		assert.Equal(t, "sudo", call[0])
		assert.Equal(t, "/usr/bin/ryzenadj", call[1])
		assert.Equal(t, "--set-coper="+wantArgs[i], call[2])
	}
	assert.Empty(t, inv.LastError())
}

func TestApplyRejectsWrongLength(t *testing.T) {
	runner := &fakeRunner{}
	inv := newTestInvoker(runner)

	err := inv.Apply(context.Background(), []int{-10, -10})
	require.Error(t, err)
	assert.Empty(t, runner.calls, "no command may reach the tool on validation failure")
	assert.Contains(t, inv.LastError(), "expected exactly 4")
}

func TestApplyStopsOnNonZeroExit(t *testing.T) {
	runner := &fakeRunner{failOn: 2, exit: 1, stderr: "could not program core"}
	inv := newTestInvoker(runner)

	err := inv.Apply(context.Background(), []int{-10, -10, -10, -10})
	require.Error(t, err)
	assert.Len(t, runner.calls, 2, "must stop at first failing core")
	assert.Equal(t, "could not program core", inv.LastError())
}

func TestApplyStderrErrorPatternFails(t *testing.T) {
	// Exit 0 but stderr mentions a failure.
	runner := &fakeRunner{failOn: 1, exit: 0, stderr: "FAILED to map SMU"}
	inv := newTestInvoker(runner)

	err := inv.Apply(context.Background(), []int{0, 0, 0, 0})
	require.Error(t, err)
	assert.Contains(t, inv.LastError(), "FAILED")
}

func TestApplyBenignStderrIsTolerated(t *testing.T) {
	runner := &fakeRunner{failOn: 1, exit: 0, stderr: "warning: table version mismatch"}
	inv := newTestInvoker(runner)
	assert.NoError(t, inv.Apply(context.Background(), []int{0, 0, 0, 0}))
}

func TestApplyLaunchFailure(t *testing.T) {
	runner := &fakeRunner{failOn: 1, err: errors.New("no such file or directory")}
	inv := newTestInvoker(runner)

	err := inv.Apply(context.Background(), []int{0, 0, 0, 0})
	require.Error(t, err)
	assert.Contains(t, inv.LastError(), "failed to run")
}

func TestDisableAppliesZeros(t *testing.T) {
	runner := &fakeRunner{}
	inv := newTestInvoker(runner)

	require.NoError(t, inv.Disable(context.Background()))
	require.Len(t, runner.calls, 4)
	for i, call := range runner.calls {
		assert.Equal(t, fmt.Sprintf("--set-coper=%s", CalculateHex(i, 0)), call[2])
	}
}

func TestLastCommandsCopied(t *testing.T) {
	runner := &fakeRunner{}
	inv := newTestInvoker(runner)
	require.NoError(t, inv.Apply(context.Background(), []int{0, 0, 0, 0}))

	cmds := inv.LastCommands()
	require.Len(t, cmds, 4)
	cmds[0] = "mutated"
	assert.NotEqual(t, "mutated", inv.LastCommands()[0])
}
