package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/kernelspec"
	"github.com/danmuck/kernelbridge/internal/router"
	"github.com/danmuck/kernelbridge/internal/testutil/testlog"
	"github.com/danmuck/kernelbridge/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testInfo() jupyter.ConnectionInfo {
	return jupyter.ConnectionInfo{
		IP:          "127.0.0.1",
		ShellPort:   50001,
		IOPubPort:   50002,
		StdinPort:   50003,
		ControlPort: 50004,
		HBPort:      50005,
		Key:         "secret",
		KernelName:  "python3",
	}
}

type fakeLister struct {
	dirs  []kernelspec.Dir
	calls int
}

func (f *fakeLister) ListKernels(context.Context) ([]kernelspec.Dir, error) {
	f.calls++
	return f.dirs, nil
}

func newTestFactory(t *testing.T) (*Factory, *transport.MemDialer) {
	t.Helper()
	dialer := &transport.MemDialer{}
	reg := NewRegistry()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &Factory{
		Dialer:   dialer,
		Registry: reg,
		Kernels:  &fakeLister{},
		Router:   router.DefaultConfig(),
	}, dialer
}

func waitTask(t *testing.T, task *Task) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestConnectReturnsFreshSessionIDs(t *testing.T) {
	testlog.Start(t)
	f, dialer := newTestFactory(t)

	a, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	b, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	assert.NotEmpty(t, a.SessionID)
	assert.NotEmpty(t, b.SessionID)
	assert.NotEqual(t, a.SessionID, b.SessionID)
	assert.Equal(t, 2, dialer.Dials)
	assert.Equal(t, 2, f.Registry.Len())

	assert.GreaterOrEqual(t, a.ReadPipeFD, 0)
	assert.GreaterOrEqual(t, a.WritePipeFD, 0)
	assert.NotEqual(t, a.ReadPipeFD, a.WritePipeFD)
	assert.Equal(t, testInfo().WithDefaults(), a.ConnectionInfo)
}

func TestConnectDialFailureLeavesNoSession(t *testing.T) {
	testlog.Start(t)
	f, dialer := newTestFactory(t)
	dialer.Err = errors.New("connection refused")

	handle, err := f.Connect(context.Background(), testInfo())
	require.Error(t, err)
	assert.Nil(t, handle)
	assert.Equal(t, 0, f.Registry.Len())
	assert.Empty(t, f.Registry.List())
}

func TestConnectRejectsInvalidInfo(t *testing.T) {
	testlog.Start(t)
	f, dialer := newTestFactory(t)
	info := testInfo()
	info.ShellPort = 0

	_, err := f.Connect(context.Background(), info)
	require.ErrorIs(t, err, jupyter.ErrInvalidConnection)
	assert.Equal(t, 0, dialer.Dials)
}

func TestHandlePipesReachRouter(t *testing.T) {
	testlog.Start(t)
	f, dialer := newTestFactory(t)
	handle, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	shell := dialer.Last.Shell.(*transport.Mem)
	iopub := dialer.Last.IOPub.(*transport.Mem)

	line := `{"header":{"msg_id":"m1","msg_type":"kernel_info_request"},"content":{},"channel":"shell"}` + "\n"
	_, err = io.WriteString(handle.Writer(), line)
	require.NoError(t, err)
	select {
	case msg := <-shell.Sent():
		assert.Equal(t, "kernel_info_request", msg.MsgType())
	case <-time.After(2 * time.Second):
		t.Fatal("shell send not observed")
	}

	iopub.Deliver(jupyter.NewMessage(&jupyter.Status{ExecutionState: "idle"}, handle.SessionID))
	out, err := bufio.NewReader(handle.Reader()).ReadBytes('\n')
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &env))
	assert.JSONEq(t, `"iopub"`, string(env["channel"]))
}

func TestRegistryCancelJoinsTask(t *testing.T) {
	testlog.Start(t)
	f, dialer := newTestFactory(t)
	handle, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	task, ok := f.Registry.Get(handle.SessionID)
	require.True(t, ok)
	assert.Nil(t, task.Err())

	infos := f.Registry.List()
	require.Len(t, infos, 1)
	assert.Equal(t, handle.SessionID, infos[0].SessionID)
	assert.Equal(t, "python3", infos[0].KernelName)

	require.NoError(t, f.Registry.Cancel(handle.SessionID))
	require.ErrorIs(t, waitTask(t, task), context.Canceled)
	assert.ErrorIs(t, task.Err(), context.Canceled)

	_, ok = f.Registry.Get(handle.SessionID)
	assert.False(t, ok)
	assert.ErrorIs(t, f.Registry.Cancel(handle.SessionID), ErrUnknownSession)
	assert.ErrorIs(t, f.Registry.Wait(context.Background(), handle.SessionID), ErrUnknownSession)

	select {
	case <-dialer.Last.Shell.(*transport.Mem).Done():
	default:
		t.Fatal("shell transport left open after cancel")
	}
}

func TestHandleCloseEndsRouter(t *testing.T) {
	testlog.Start(t)
	f, _ := newTestFactory(t)
	handle, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	task, ok := f.Registry.Get(handle.SessionID)
	require.True(t, ok)

	require.NoError(t, handle.Close())
	require.NoError(t, handle.Close())
	require.ErrorIs(t, waitTask(t, task), router.ErrPipeIO)
	assert.Equal(t, 0, f.Registry.Len())
}

func TestHandleTaskJoinsAfterRouterExit(t *testing.T) {
	testlog.Start(t)
	f, _ := newTestFactory(t)
	handle, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	require.NotNil(t, handle.Task())
	assert.Equal(t, handle.SessionID, handle.Task().SessionID())

	_, err = io.WriteString(handle.Writer(), "not json\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.Registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { _ = handle.Close() })

	assert.ErrorIs(t, f.Registry.Wait(context.Background(), handle.SessionID), ErrUnknownSession)
	err = waitTask(t, handle.Task())
	require.ErrorIs(t, err, jupyter.ErrSerialization)
	assert.ErrorIs(t, handle.Task().Err(), jupyter.ErrSerialization)
}

func TestRegistryRejectsDuplicateSession(t *testing.T) {
	testlog.Start(t)
	f, _ := newTestFactory(t)
	f.NewSessionID = func() string { return "fixed" }

	handle, err := f.Connect(context.Background(), testInfo())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	_, err = f.Connect(context.Background(), testInfo())
	require.ErrorIs(t, err, ErrDuplicateSession)
	assert.Equal(t, 1, f.Registry.Len())
}

func TestListKernelsDelegates(t *testing.T) {
	testlog.Start(t)
	lister := &fakeLister{dirs: []kernelspec.Dir{{KernelName: "python3"}}}
	f := &Factory{Kernels: lister}

	dirs, err := f.ListKernels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lister.dirs, dirs)
	assert.Equal(t, 1, lister.calls)
	assert.Equal(t, 0, DefaultRegistry.Len())
}
