package diagapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hdds-team/hdds/internal/discoveryaudit"
	"github.com/hdds-team/hdds/internal/participant"
	"github.com/hdds-team/hdds/internal/qos"
)

// Server is the diagnostics REST API server: a thin wrapper around
// gin.Engine + http.Server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds a diagnostics server bound to p. audit and qosProfiles may
// both be nil.
func New(host string, port int, apiKey string, p *participant.Participant, audit *discoveryaudit.DB, qosProfiles map[string]qos.Policy, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(SlogRequestLogger(logger))

	h := NewHandler(p, audit, qosProfiles, logger)
	RegisterRoutes(engine, h, Config{APIKey: apiKey})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{logger: logger, engine: engine, httpServer: httpServer}
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }
