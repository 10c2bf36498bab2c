package session

import (
	"os"
	"sync"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/sidecar"
)

// Handle is the host view of one session.
type Handle struct {
	ConnectionInfo jupyter.ConnectionInfo `json:"connection_info"`
	SessionID      string                 `json:"session_id"`
	// ReadPipeFD yields router output; WritePipeFD accepts host envelopes.
	ReadPipeFD  int `json:"read_pipe_fd"`
	WritePipeFD int `json:"write_pipe_fd"`

	host      sidecar.HostEnds
	task      *Task
	closeOnce sync.Once
	closeErr  error
}

func newHandle(info jupyter.ConnectionInfo, task *Task, host sidecar.HostEnds) *Handle {
	return &Handle{
		ConnectionInfo: info,
		SessionID:      task.SessionID(),
		ReadPipeFD:     sidecar.Fd(host.Read),
		WritePipeFD:    sidecar.Fd(host.Write),
		host:           host,
		task:           task,
	}
}

// Task is the router of this session. It stays joinable after the registry has
// dropped the session.
func (h *Handle) Task() *Task {
	return h.task
}

// Reader is the host end of the outbound pipe.
func (h *Handle) Reader() *os.File {
	return h.host.Read
}

// Writer is the host end of the inbound pipe.
func (h *Handle) Writer() *os.File {
	return h.host.Write
}

// Close releases the host pipe ends. The router sees end of stream on its
// next inbound read and terminates.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.host.Close()
	})
	return h.closeErr
}
