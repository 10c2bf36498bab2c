package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/kernelbridge/internal/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

var ErrNotUnixSocket = errors.New("bridge: descriptor passing requires a unix socket")

// Control actions.
const (
	ActionConnect     = "connect"
	ActionListKernels = "list_kernels"
	ActionPending     = "pending"
	ActionSessions    = "sessions"
	ActionClose       = "close"
)

// controlRequest is one newline-terminated request from a control client.
type controlRequest struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// controlResponse is one newline-terminated reply. A successful connect reply
// carries the host read and write pipe descriptors, in that order, as
// SCM_RIGHTS ancillary data.
type controlResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ControlConfig defines control server behavior.
type ControlConfig struct {
	SocketPath  string
	IdleTimeout time.Duration
	// ConnectTimeout bounds one connect action.
	ConnectTimeout time.Duration
}

func DefaultControlConfig() ControlConfig {
	return ControlConfig{
		SocketPath:     "/tmp/kernelbridge.sock",
		IdleTimeout:    5 * time.Minute,
		ConnectTimeout: 10 * time.Second,
	}
}

func (c ControlConfig) WithDefaults() ControlConfig {
	def := DefaultControlConfig()
	if strings.TrimSpace(c.SocketPath) == "" {
		c.SocketPath = def.SocketPath
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	return c
}

// ControlServer serves the bridge over a unix socket.
type ControlServer struct {
	bridge  *Bridge
	cfg     ControlConfig
	clients atomic.Int64
}

func NewControlServer(b *Bridge, cfg ControlConfig) *ControlServer {
	return &ControlServer{bridge: b, cfg: cfg.WithDefaults()}
}

// Listen binds the control socket, replacing a stale socket file.
func (s *ControlServer) Listen() (*net.UnixListener, error) {
	path := s.cfg.SocketPath
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("bridge: remove stale socket %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve accepts clients until ctx is done.
func (s *ControlServer) Serve(ctx context.Context, ln *net.UnixListener) error {
	defer ln.Close()
	log.Info().Str("component", "control").Str("socket", ln.Addr().String()).Msg("control listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// ListenAndServe binds the configured socket and serves it.
func (s *ControlServer) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// handleConn decodes one request per line and writes one response per line.
func (s *ControlServer) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()
	logger := log.With().Str("component", "control").Logger()
	active := s.clients.Add(1)
	logger.Debug().Int64("active_clients", active).Msg("client connected")
	defer func() {
		remaining := s.clients.Add(-1)
		logger.Debug().Int64("active_clients", remaining).Msg("client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				logger.Warn().Err(err).Msg("control read")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, controlResponse{OK: false, Error: err.Error()}, nil)
			continue
		}
		if err := s.serveRequest(ctx, conn, req); err != nil {
			logger.Warn().Err(err).Str("action", req.Action).Msg("control write")
			return
		}
	}
}

func (s *ControlServer) serveRequest(ctx context.Context, conn *net.UnixConn, req controlRequest) error {
	if req.Action != ActionConnect {
		return writeControlResponse(conn, s.handleControlRequest(ctx, req), nil)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	handle, err := s.bridge.Connect(connectCtx, req.Params)
	if err != nil {
		return writeControlResponse(conn, controlResponse{OK: false, Error: err.Error()}, nil)
	}
	// The client receives duplicates; this process keeps no host ends.
	defer handle.Close()
	return writeControlResponse(conn, controlResponse{OK: true, Data: handle}, []int{handle.ReadPipeFD, handle.WritePipeFD})
}

// handleControlRequest dispatches the actions that carry no descriptors.
func (s *ControlServer) handleControlRequest(ctx context.Context, req controlRequest) controlResponse {
	switch req.Action {
	case ActionListKernels:
		dirs, err := s.bridge.ListKernels(ctx)
		if err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		return controlResponse{OK: true, Data: dirs}
	case ActionPending:
		if err := s.bridge.Pending(ctx); err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		return controlResponse{OK: true}
	case ActionSessions:
		return controlResponse{OK: true, Data: s.registry().List()}
	case ActionClose:
		if err := s.registry().Cancel(strings.TrimSpace(req.SessionID)); err != nil {
			return controlResponse{OK: false, Error: err.Error()}
		}
		return controlResponse{OK: true}
	default:
		return controlResponse{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}
	}
}

func (s *ControlServer) registry() *session.Registry {
	if reg := s.bridge.Factory().Registry; reg != nil {
		return reg
	}
	return session.DefaultRegistry
}

func writeControlResponse(conn *net.UnixConn, resp controlResponse, fds []int) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	if len(fds) == 0 {
		_, err = conn.Write(payload)
		return err
	}
	n, _, err := conn.WriteMsgUnix(payload, unix.UnixRights(fds...), nil)
	if err != nil {
		return err
	}
	if n < len(payload) {
		_, err = conn.Write(payload[n:])
	}
	return err
}
