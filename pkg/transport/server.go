// Package transport exposes the bridge to the Studio plugin over localhost
// HTTP: a long-poll endpoint for the next command, a result endpoint matched
// by command id, and a log intake feeding the ring buffer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studiobridge/studiobridge/pkg/bridge"
	"github.com/studiobridge/studiobridge/pkg/log"
	"github.com/studiobridge/studiobridge/pkg/ringlog"
)

// SessionHeader carries the plugin's session id. A plugin that polls without
// one is assigned a fresh id, echoed back in the response.
const SessionHeader = "X-Session-Id"

// Config configures the plugin-facing HTTP server.
type Config struct {
	// Port to listen on, loopback only. Zero lets the OS pick (tests).
	Port int
	// PollBudget is how long GET /request parks before the empty reply.
	PollBudget time.Duration
	Queue      *bridge.Queue
	Events     *ringlog.Buffer
}

// Server is the plugin-facing HTTP endpoint.
type Server struct {
	server     *http.Server
	listener   net.Listener
	queue      *bridge.Queue
	events     *ringlog.Buffer
	pollBudget time.Duration
	now        func() time.Time
}

// NewServer creates the server and binds its listener.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event buffer is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.PollBudget <= 0 {
		return nil, fmt.Errorf("poll budget must be positive")
	}

	s := &Server{
		queue:      cfg.Queue,
		events:     cfg.Events,
		pollBudget: cfg.PollBudget,
		now:        time.Now,
	}

	// Loopback only: the plugin runs on the same machine and nothing else
	// should be able to submit results.
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind plugin port: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{Handler: s.Handler()}
	return s, nil
}

// Handler returns the route mux, for tests that drive it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/request", s.handleRequest)
	mux.HandleFunc("/response", s.handleResponse)
	mux.HandleFunc("/log", s.handleLog)
	mux.HandleFunc("/logs", s.handleLogs)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Start serves until ctx is cancelled or the server fails.
func (s *Server) Start(ctx context.Context) error {
	log.Info("plugin endpoint listening", "addr", s.listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("plugin endpoint failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down plugin endpoint")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Close releases the listener without waiting for in-flight requests.
func (s *Server) Close() error {
	return s.server.Close()
}

// handleRequest is the plugin's long poll for the next command. 200 carries a
// command envelope; 204 is the empty reply after the poll budget.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session")
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w.Header().Set(SessionHeader, sessionID)

	cmd, err := s.queue.PollNext(r.Context(), sessionID, s.pollBudget)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrInvalidArgument):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The plugin hung up mid-poll; nothing to answer.
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(cmd); err != nil {
		log.Error("failed to encode command envelope", "id", cmd.ID, "error", err)
	}
}

// resultSubmission is the plugin's POST /response body.
type resultSubmission struct {
	ID       int64  `json:"id"`
	Success  bool   `json:"success"`
	Response string `json:"response"`
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sub resultSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "malformed result body", http.StatusBadRequest)
		return
	}
	if sub.ID <= 0 {
		http.Error(w, "result requires a command id", http.StatusBadRequest)
		return
	}

	// Stale and duplicate results are acknowledged 200 with Accepted=false;
	// the plugin has nothing useful to do about them.
	ack := s.queue.SubmitResult(sub.ID, sub.Success, sub.Response)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ack); err != nil {
		log.Error("failed to encode ack", "id", sub.ID, "error", err)
	}
}

// logSubmission is the plugin's POST /log body.
type logSubmission struct {
	Level   string `json:"level"`
	Source  string `json:"source"`
	Message string `json:"message"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var sub logSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		http.Error(w, "malformed log body", http.StatusBadRequest)
		return
	}
	if sub.Message == "" {
		http.Error(w, "log requires a message", http.StatusBadRequest)
		return
	}

	s.events.Capture(ringlog.Level(sub.Level), sub.Source, sub.Message)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, err := parseLogQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := s.events.Query(q)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Error("failed to encode log query result", "error", err)
	}
}

func parseLogQuery(r *http.Request) (ringlog.Query, error) {
	var q ringlog.Query
	params := r.URL.Query()

	if raw := params.Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, fmt.Errorf("invalid since %q", raw)
		}
		q.Since = since
	}
	if raw := params.Get("level"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			level := ringlog.Level(strings.TrimSpace(part))
			if !ringlog.ValidLevel(level) {
				return q, fmt.Errorf("unknown level %q", part)
			}
			q.Levels = append(q.Levels, level)
		}
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, fmt.Errorf("invalid limit %q", raw)
		}
		q.Limit = limit
	}
	if raw := params.Get("clear"); raw != "" {
		clear, err := strconv.ParseBool(raw)
		if err != nil {
			return q, fmt.Errorf("invalid clear %q", raw)
		}
		q.ClearAfterRead = clear
	}
	return q, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   s.now().UTC().Format(time.RFC3339Nano),
		"queue":  s.queue.Status(),
	})
}
