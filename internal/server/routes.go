package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/danmuck/kernelbridge/internal/jupyter"
	"github.com/danmuck/kernelbridge/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": "kernelbridge",
			"version": Version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"uptime":   time.Since(s.appeared).String(),
			"sessions": s.registry().Len(),
			"version":  Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/", s.requireToken())
	api.GET("/kernels", s.listKernels)
	api.GET("/sessions", s.listSessions)
	api.POST("/sessions", s.createSession)
	api.DELETE("/sessions/:id", s.cancelSession)
	api.GET("/sessions/:id/attach", s.attachSession)
}

func (s *Server) listKernels(c *gin.Context) {
	dirs, err := s.bridge.ListKernels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kernels": dirs})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.registry().List()})
}

// createSession connects to the kernel in the request body. The host pipe
// ends stay in this process until a websocket attaches.
func (s *Server) createSession(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	handle, err := s.bridge.Connect(c.Request.Context(), json.RawMessage(body))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, jupyter.ErrInvalidConnection) || errors.Is(err, jupyter.ErrSerialization) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.host(handle)
	c.JSON(http.StatusCreated, gin.H{
		"session_id":      handle.SessionID,
		"connection_info": handle.ConnectionInfo,
	})
}

func (s *Server) cancelSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry().Cancel(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrUnknownSession) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	log.Info().Str("component", "http").Str("session_id", id).Msg("session cancel requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "canceling", "session_id": id})
}
