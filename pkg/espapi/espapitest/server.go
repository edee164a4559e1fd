// Package espapitest provides an in-process fake ESP server for tests.
package espapitest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"espctl/pkg/espapi"
)

const (
	APIPath    = "/esp-ui/services/api/v1"
	StreamPath = "/distributed/result"

	Username = "admin"
	Password = "secret"
	Token    = "test-token"
)

// Request is one recorded REST call.
type Request struct {
	Method string
	Path   string
	Token  string
	Body   []byte
}

// Decode unmarshals the recorded body into dest.
func (r Request) Decode(dest any) error {
	return json.Unmarshal(r.Body, dest)
}

// Server routes REST calls to per-test handlers and replays canned websocket frames.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	requests []Request
	streams  map[string][]any
	ack      any
}

// NewServer starts a fake server and registers its shutdown with t.
func NewServer(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		handlers: make(map[string]http.HandlerFunc),
		streams:  make(map[string][]any),
		ack:      map[string]string{"status": "success"},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(StreamPath, s.handleStream)
	r.Route(APIPath, func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.HandleFunc("/*", s.dispatch)
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Config returns client settings pointing at the fake server with retries disabled.
func (s *Server) Config() espapi.Config {
	return espapi.Config{
		Username:  Username,
		Password:  Password,
		BaseURL:   s.URL + APIPath,
		StreamURL: "ws" + strings.TrimPrefix(s.URL, "http") + StreamPath,
	}
}

// Handle registers h for method and path, where path is relative to the API root.
func (s *Server) Handle(method, path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method+" "+path] = h
}

// HandleJSON registers a handler that always replies with status and payload.
func (s *Server) HandleJSON(method, path string, status int, payload any) {
	s.Handle(method, path, func(w http.ResponseWriter, _ *http.Request) {
		RespondJSON(w, status, payload)
	})
}

// Stream queues websocket frames to replay, in order, to subscribers of queryID.
func (s *Server) Stream(queryID string, frames ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[queryID] = append(s.streams[queryID], frames...)
}

// Requests returns recorded calls to path with the given method.
func (s *Server) Requests(method, path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Envelope builds a success envelope around data.
func Envelope(data any) map[string]any {
	return map[string]any{"status": "success", "message": "", "data": data}
}

// Listing builds a success envelope around a {count, results} list.
func Listing[T any](results ...T) map[string]any {
	return Envelope(map[string]any{"count": len(results), "results": results})
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) record(r *http.Request, path string) Request {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	req := Request{Method: r.Method, Path: path, Token: r.Header.Get("x-access-token"), Body: body}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	return req
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req := s.record(r, "/login")

	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := req.Decode(&creds); err != nil {
		RespondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if creds.Username != Username || creds.Password != Password {
		RespondJSON(w, http.StatusOK, map[string]string{"status": "failure", "message": "Invalid credentials"})
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "success", "token": Token})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	req := s.record(r, path)
	if req.Token != Token {
		RespondJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid token"})
		return
	}

	s.mu.Lock()
	h, ok := s.handlers[r.Method+" "+path]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return
	}
	queryID := string(msg)

	s.mu.Lock()
	frames := append([]any{s.ack}, s.streams[queryID]...)
	s.mu.Unlock()

	for _, frame := range frames {
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}

	// Hold the connection open until the client hangs up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
