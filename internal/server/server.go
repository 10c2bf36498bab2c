// Package server exposes the admin HTTP API: health, metrics, kernel listing,
// session management and websocket attachment to a session's pipes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/kernelbridge/internal/auth"
	"github.com/danmuck/kernelbridge/internal/bridge"
	"github.com/danmuck/kernelbridge/internal/observability"
	"github.com/danmuck/kernelbridge/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Config defines the admin API.
type Config struct {
	Addr        string
	CORSOrigins []string
	// AdminToken enables bearer auth on every route except health, ready and
	// metrics.
	AdminToken string
}

func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8790"}
}

// Server is the admin API over one bridge.
type Server struct {
	cfg      Config
	bridge   *bridge.Bridge
	engine   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time

	mu     sync.Mutex
	hosted map[string]*hostedSession
}

func New(cfg Config, b *bridge.Bridge) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		bridge:   b,
		engine:   r,
		upgrader: makeUpgrader(cfg.CORSOrigins),
		appeared: time.Now(),
		hosted:   make(map[string]*hostedSession),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("component", "http").Str("addr", s.cfg.Addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) registry() *session.Registry {
	if reg := s.bridge.Factory().Registry; reg != nil {
		return reg
	}
	return session.DefaultRegistry
}

func (s *Server) requireToken() gin.HandlerFunc {
	validator := auth.StaticToken{Token: s.cfg.AdminToken}
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.Next()
			return
		}
		if err := validator.Validate(auth.TokenFromRequest(c.Request)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
		if origin != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, origin)
		}
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"http://localhost:3000"}
	}
	return cfg
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimSpace(o)] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] {
				return true
			}
			return allowed[origin]
		},
	}
}
