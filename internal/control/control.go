// Package control exposes a loopback HTTP API on a running engine so a
// second invocation can inspect and tear down tunnels the engine owns.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/beam/internal/state"
)

// Engine is the surface the control API drives.
type Engine interface {
	LiveEntries() []state.Entry
	DisconnectSelector(ctx context.Context, selector string) (int, error)
}

// Server serves the control API on 127.0.0.1 only.
type Server struct {
	engine Engine
	port   int

	srv      *http.Server
	listener net.Listener
}

// NewServer builds a control server for the engine.
func NewServer(port int, engine Engine) *Server {
	s := &Server{engine: engine, port: port}

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/disconnect", s.handleDisconnect)
	})
	s.srv = &http.Server{Handler: r}
	return s
}

// Start binds the loopback port and serves in the background. A bind failure
// is returned synchronously; another engine already listening is the common
// cause.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.listener = l

	go func() {
		if err := s.srv.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("WARNING: control server: %v", err)
		}
	}()
	log.Printf("control server listening on %s", l.Addr())
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.LiveEntries())
}

type disconnectRequest struct {
	Selector string `json:"selector"`
}

type disconnectResponse struct {
	Closed int `json:"closed"`
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Selector == "" {
		writeError(w, http.StatusBadRequest, "selector is required")
		return
	}

	closed, err := s.engine.DisconnectSelector(r.Context(), req.Selector)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, disconnectResponse{Closed: closed})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// Client talks to a running engine's control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the loopback control port.
func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 3 * time.Second},
	}
}

// Status returns the live entries of the running engine. A connection error
// means no engine is listening; callers fall back to the checkpoint.
func (c *Client) Status(ctx context.Context) ([]state.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("control status: HTTP %d", resp.StatusCode)
	}

	var entries []state.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Disconnect asks the running engine to close tunnels matching the selector
// and returns how many it closed.
func (c *Client) Disconnect(ctx context.Context, selector string) (int, error) {
	body, err := json.Marshal(disconnectRequest{Selector: selector})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/disconnect", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("control disconnect: HTTP %d", resp.StatusCode)
	}

	var out disconnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Closed, nil
}
