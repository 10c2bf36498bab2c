package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/kernelbridge/internal/session"
	"github.com/danmuck/kernelbridge/internal/sidecar"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// hostedSession holds the host pipe ends of a session created over HTTP.
// A single pump reads the outbound pipe for the whole session life. Lines that
// arrive while no websocket is attached are dropped so the router never stalls.
type hostedSession struct {
	handle *session.Handle
	ended  chan struct{}

	writeMu sync.Mutex
	// guarded by Server.mu
	sink    *attachment
	dropped uint64
}

// attachment is the websocket currently consuming a session's output.
type attachment struct {
	lines chan []byte
	gone  chan struct{}
}

func (s *Server) host(handle *session.Handle) {
	hs := &hostedSession{handle: handle, ended: make(chan struct{})}
	s.mu.Lock()
	s.hosted[handle.SessionID] = hs
	s.mu.Unlock()
	go s.pump(hs)
	go s.watch(hs)
}

// watch unlists the session as soon as its router exits. The pump still owns
// the pipe files and closes them at end of stream.
func (s *Server) watch(hs *hostedSession) {
	select {
	case <-hs.handle.Task().Done():
	case <-hs.ended:
	}
	s.unlist(hs)
}

func (s *Server) unlist(hs *hostedSession) {
	s.mu.Lock()
	if s.hosted[hs.handle.SessionID] == hs {
		delete(s.hosted, hs.handle.SessionID)
	}
	s.mu.Unlock()
}

// pump forwards router output until the router closes the pipe.
func (s *Server) pump(hs *hostedSession) {
	logger := log.With().Str("component", "http").Str("session_id", hs.handle.SessionID).Logger()
	reader := sidecar.NewLineReader(hs.handle.Reader(), sidecar.DefaultMaxLine)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			break
		}
		s.mu.Lock()
		a := hs.sink
		if a == nil {
			hs.dropped++
		}
		s.mu.Unlock()
		if a == nil {
			continue
		}
		select {
		case a.lines <- line:
		case <-a.gone:
		}
	}
	close(hs.ended)
	s.unlist(hs)

	s.mu.Lock()
	dropped := hs.dropped
	s.mu.Unlock()
	_ = hs.handle.Close()
	logger.Debug().Uint64("dropped", dropped).Msg("hosted session released")
}

func (s *Server) acquire(id string) (*hostedSession, *attachment, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.hosted[id]
	if !ok {
		return nil, nil, http.StatusNotFound
	}
	if hs.sink != nil {
		return nil, nil, http.StatusConflict
	}
	a := &attachment{lines: make(chan []byte), gone: make(chan struct{})}
	hs.sink = a
	return hs, a, http.StatusOK
}

func (s *Server) release(hs *hostedSession, a *attachment) {
	s.mu.Lock()
	if hs.sink == a {
		hs.sink = nil
	}
	s.mu.Unlock()
	close(a.gone)
}

// attachSession relays websocket text frames to the session inbound pipe and
// session output lines to text frames. One attachment per session.
func (s *Server) attachSession(c *gin.Context) {
	id := c.Param("id")
	hs, a, status := s.acquire(id)
	if hs == nil {
		c.JSON(status, gin.H{"error": http.StatusText(status), "session_id": id})
		return
	}
	defer s.release(hs, a)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	logger := log.With().Str("component", "attach").Str("session_id", id).Logger()
	logger.Info().Msg("websocket attached")

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case line := <-a.lines:
				if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
					// unblocks the read loop so the pump is released
					_ = conn.Close()
					return
				}
			case <-hs.ended:
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("websocket read ended")
			break
		}
		if err := hs.writeLine(msg); err != nil {
			logger.Warn().Err(err).Msg("session inbound write failed")
			break
		}
	}
	close(stop)
	<-done
	logger.Info().Msg("websocket detached")
}

func (hs *hostedSession) writeLine(msg []byte) error {
	hs.writeMu.Lock()
	defer hs.writeMu.Unlock()
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		msg = append(msg, '\n')
	}
	_, err := hs.handle.Writer().Write(msg)
	return err
}

func (s *Server) hostedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hosted)
}
