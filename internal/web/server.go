// Package web provides the chat web server: a static single-page client
// and the websocket endpoint that carries all session traffic.
package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/quillchat/quill/internal/log"
	"github.com/quillchat/quill/internal/transcript"
	"github.com/quillchat/quill/internal/turn"
	"github.com/quillchat/quill/internal/web/static"
)

// TranscriptStore is the slice of the transcript store the transport needs.
type TranscriptStore interface {
	Load(owner, conv string, wantAugment bool) []transcript.Message
	Create(owner string) (transcript.Summary, error)
	List(owner string) []transcript.Summary
	Delete(owner, conv string) error
}

// TurnRunner drives generation turns and their cancellation tokens.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, em turn.Emitter)
	Stop(connID string)
	EndConnection(connID string)
}

// Server is the chat HTTP server.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger
}

// Config contains the dependencies for creating a server.
type Config struct {
	Logger log.Logger
	Store  TranscriptStore
	Runner TurnRunner
}

func (cfg Config) validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	return nil
}

// NewServer creates a server with all routes configured.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Server{
		mux:    http.NewServeMux(),
		logger: cfg.Logger,
	}

	ws := &wsHandler{
		logger: cfg.Logger,
		store:  cfg.Store,
		runner: cfg.Runner,
	}

	s.mux.HandleFunc("GET /healthz", handleHealth)
	s.mux.HandleFunc("GET /ws", ws.serve)
	s.mux.Handle("GET /", static.Handler())

	return s, nil
}

// ServeHTTP implements http.Handler with the middleware stack applied.
// Recovery wraps logging so panics in either layer are caught.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var handler http.Handler = s.mux
	handler = loggingMiddleware(s.logger)(handler)
	handler = recoveryMiddleware(s.logger)(handler)
	handler.ServeHTTP(w, r)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
