package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/kernelbridge/internal/bridge"
	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/kernelspec"
	"github.com/danmuck/kernelbridge/internal/router"
	"github.com/danmuck/kernelbridge/internal/session"
	"github.com/danmuck/kernelbridge/internal/testutil/testlog"
	"github.com/danmuck/kernelbridge/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const connectionParams = `{"ip":"127.0.0.1","shell_port":50001,"iopub_port":50002,"stdin_port":50003,"control_port":50004,"hb_port":50005,"key":"k","kernel_name":"python3"}`

type staticLister []kernelspec.Dir

func (s staticLister) ListKernels(context.Context) ([]kernelspec.Dir, error) {
	return s, nil
}

type fixture struct {
	api    *Server
	srv    *httptest.Server
	dialer *transport.MemDialer
	reg    *session.Registry
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dialer := &transport.MemDialer{}
	reg := session.NewRegistry()
	b := bridge.New(&session.Factory{
		Dialer:   dialer,
		Registry: reg,
		Kernels:  staticLister{{KernelName: "python3", Spec: kernelspec.Spec{Argv: []string{"python3"}}}},
		Router:   router.DefaultConfig(),
	})
	api := New(cfg, b)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
		srv.Close()
	})
	return &fixture{api: api, srv: srv, dialer: dialer, reg: reg}
}

func (f *fixture) do(t *testing.T, method, path, body, token string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) createSession(t *testing.T) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/sessions", connectionParams, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var id string
	require.NoError(t, json.Unmarshal(body["session_id"], &id))
	require.NotEmpty(t, id)
	return id
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{AdminToken: "secret"})

	resp, body := f.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(body["status"]))

	resp, body = f.do(t, http.MethodGet, "/ready", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `0`, string(body["sessions"]))

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminTokenRequired(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{AdminToken: "secret"})

	resp, _ := f.do(t, http.MethodGet, "/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/sessions", "", "secret")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListKernels(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	resp, body := f.do(t, http.MethodGet, "/kernels", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var dirs []kernelspec.Dir
	require.NoError(t, json.Unmarshal(body["kernels"], &dirs))
	require.Len(t, dirs, 1)
	assert.Equal(t, "python3", dirs[0].KernelName)
}

func TestSessionLifecycle(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	id := f.createSession(t)

	resp, body := f.do(t, http.MethodGet, "/sessions", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessions []session.TaskInfo
	require.NoError(t, json.Unmarshal(body["sessions"], &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].SessionID)

	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+id, "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	resp, _ = f.do(t, http.MethodDelete, "/sessions/"+id, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionRejectsBadParams(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})

	resp, _ := f.do(t, http.MethodPost, "/sessions", `{"ip":`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/sessions", `{"ip":"127.0.0.1"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, f.dialer.Count())
}

func TestAttachRelaysEnvelopes(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	id := f.createSession(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sessions/"+id+"/attach"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/sessions/"+id+"/attach"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	line := `{"header":{"msg_id":"m1","msg_type":"kernel_info_request"},"content":{},"channel":"shell"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line)))
	shell := f.dialer.Latest().Shell.(*transport.Mem)
	select {
	case msg := <-shell.Sent():
		assert.Equal(t, "kernel_info_request", msg.MsgType())
	case <-time.After(2 * time.Second):
		t.Fatal("shell send not observed")
	}

	f.dialer.Latest().IOPub.(*transport.Mem).Deliver(jupyter.NewMessage(&jupyter.Status{ExecutionState: "busy"}, id))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.JSONEq(t, `"iopub"`, string(env["channel"]))
	assert.JSONEq(t, `{"execution_state":"busy"}`, string(env["content"]))
}

func TestAttachUnknownSession(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/sessions/nope/attach"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnattachedSessionReleasedAfterCancel(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	id := f.createSession(t)
	require.Equal(t, 1, f.api.hostedCount())

	f.dialer.Latest().IOPub.(*transport.Mem).Deliver(jupyter.NewMessage(&jupyter.Status{ExecutionState: "busy"}, id))
	resp, _ := f.do(t, http.MethodDelete, "/sessions/"+id, "", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return f.reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.api.hostedCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/sessions/"+id+"/attach"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnattachedOutputDoesNotStallRouter(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t, Config{})
	id := f.createSession(t)
	iopub := f.dialer.Latest().IOPub.(*transport.Mem)

	// well past the pipe buffer
	for i := 0; i < 2000; i++ {
		iopub.Deliver(jupyter.NewMessage(&jupyter.Stream{Name: "stdout", Text: strings.Repeat("x", 64)}, id))
	}
	require.Eventually(t, func() bool {
		task, ok := f.reg.Get(id)
		return ok && task.Info().Stats.ToHost[jupyter.ChannelIOPub] == 2000
	}, 5*time.Second, 10*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/sessions/"+id+"/attach"), nil)
	require.NoError(t, err)
	defer conn.Close()

	iopub.Deliver(jupyter.NewMessage(&jupyter.Status{ExecutionState: "idle"}, id))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, frame, err := conn.ReadMessage()
		require.NoError(t, err)
		var env map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(frame, &env))
		if string(env["content"]) == `{"execution_state":"idle"}` {
			break
		}
	}
}
