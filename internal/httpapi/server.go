// Package httpapi implements the HTTP surface: /health, /v1/models, and
// an OpenAI-compatible /v1/chat/completions, served over a Unix domain
// socket (the same transport style as the IPC gateway).
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/axrunhq/ax/internal/conversation"
	"github.com/axrunhq/ax/internal/router"
	"github.com/axrunhq/ax/internal/sandbox"
)

// maxBodyBytes caps a request body at 1 MiB; larger bodies get a 413.
const maxBodyBytes = 1 << 20

// Server is the Unix-socket HTTP surface.
type Server struct {
	socketPath   string
	httpServer   *http.Server
	Router       *router.Router
	Orchestrator *sandbox.Orchestrator
	Conversation *conversation.Store
	AgentID      string
	AgentName    string
	Model        string
}

// New builds a Server bound to socketPath but not yet listening.
func New(socketPath string, r *router.Router, orch *sandbox.Orchestrator, conv *conversation.Store, agentID, agentName, model string) *Server {
	s := &Server{
		socketPath:   socketPath,
		Router:       r,
		Orchestrator: orch,
		Conversation: conv,
		AgentID:      agentID,
		AgentName:    agentName,
		Model:        model,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/", s.handleNotFound)

	s.httpServer = &http.Server{Handler: cors(mux)}
	return s
}

// cors allows GET, POST, OPTIONS from any origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens on the configured Unix socket and serves until ctx is
// cancelled, at which point it shuts down gracefully (HTTP closes before
// IPC/storage/sockets in the host's teardown order).
func (s *Server) Start(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.socketPath, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("httpapi.shutdown_failed", "error", err)
		}
	}()

	slog.Info("httpapi.started", "socket", s.socketPath)
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: serve: %w", err)
	}
	return nil
}

// Close stops the server immediately, for callers that manage their own
// shutdown context outside of Start's ctx.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody("not found"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func errorBody(msg string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]string{"message": msg}}
}
