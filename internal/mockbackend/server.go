// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mockbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/jeranaias/proxychat/internal/logging"
	"github.com/jeranaias/proxychat/internal/model"
)

// DefaultAddr is where the mock backend listens by default.
const DefaultAddr = "127.0.0.1:8000"

// MockDataPoint is the single data point attached to every answer.
const MockDataPoint = "This is a mock response."

// chatRequest is the subset of the chat request the mock reads.
type chatRequest struct {
	Messages     []model.Message `json:"messages"`
	SessionState json.RawMessage `json:"session_state"`
}

type chatResponse struct {
	Message      model.Message `json:"message"`
	Context      model.Context `json:"context"`
	SessionState *SessionToken `json:"session_state,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Server is the mock chat backend.
type Server struct {
	addr     string
	engine   *gin.Engine
	sessions *SessionTable
	logger   *logging.Logger

	mu       sync.Mutex
	server   *http.Server
	shutdown bool
}

// NewServer builds the gin engine around an injected session table.
func NewServer(addr string, sessions *SessionTable, logger *logging.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if sessions == nil {
		sessions = NewSessionTable()
	}
	s := &Server{
		addr:     addr,
		sessions: sessions,
		logger:   logging.OrNop(logger).Named("mock"),
	}

	// gin's debug banner and route table go straight to stdout; keep them
	// out unless GIN_MODE asks for them.
	if gin.Mode() == gin.DebugMode && os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(s.logger))
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:          12 * time.Hour,
	}))

	engine.GET("/", s.handleHealth)
	engine.POST("/chat", s.handleChat)
	engine.GET("/sessions", s.handleSessions)
	engine.POST("/reset", s.handleReset)
	s.engine = engine
	return s
}

// Handler returns the HTTP handler, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Sessions returns the session table.
func (s *Server) Sessions() *SessionTable {
	return s.sessions
}

// Start listens on the configured address and blocks until shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mock backend listen on %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln and blocks until shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("mock.start", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
// A Serve that starts after Shutdown returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.server
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("mock.stop")
	return srv.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "Mock backend is running", "sessions": s.sessions.Len()})
}

func (s *Server) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Errors travel in the body with a 200, as the real backend does.
		c.JSON(http.StatusOK, chatResponse{
			Message: model.Message{Role: model.RoleAssistant, Content: "An error occurred: " + err.Error()},
			Error:   err.Error(),
		})
		return
	}

	tok, resumed := s.sessions.Advance(req.SessionState)
	s.logger.Debug("mock.session", "session_id", tok.SessionID, "counter", tok.MessageCounter, "resumed", resumed)

	c.JSON(http.StatusOK, chatResponse{
		Message: model.Message{
			Role:    model.RoleAssistant,
			Content: composeAnswer(tok.MessageCounter, req.Messages),
		},
		Context: model.Context{
			DataPoints:  []model.DataPoint{{Text: MockDataPoint}},
			ChatHistory: transcript(req.Messages),
		},
		SessionState: &tok,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, s.sessions.List())
}

func (s *Server) handleReset(c *gin.Context) {
	s.sessions.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "Sessions cleared"})
}

// =============================================================================
// RESPONSE TEXT
// =============================================================================

func composeAnswer(counter int, messages []model.Message) string {
	question, ok := model.LastUserMessage(messages)
	if !ok {
		question = "no question found"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Response #%d: you asked %q.", counter, question)
	if len(messages) > 0 {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(transcript(messages))
	}
	return sb.String()
}

func transcript(messages []model.Message) string {
	var sb strings.Builder
	for i, m := range messages {
		fmt.Fprintf(&sb, "%d. %s: %s\n", i+1, m.Role, m.Content)
	}
	return sb.String()
}

func requestLogger(log *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}
