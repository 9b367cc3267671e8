// Package apitest provides an in-process bookmark server for tests. It
// implements the REST routes and the push channel the sync engine uses,
// and broadcasts a bookmark_change to every channel connection on each
// mutation, as the real server does.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/bookmark-sync/internal/api"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Login credentials accepted by POST /auth/login.
const (
	Email    = "user@example.com"
	Password = "correct horse"
)

// Server is a fake bookmark server.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	token       string
	records     []api.Record
	nextID      int
	requests    []string
	unavailable bool
	conns       map[*websocket.Conn]struct{}
	subscribed  [][]string
}

// NewServer starts a server accepting token and stops it at test end.
func NewServer(t testing.TB, token string) *Server {
	t.Helper()

	s := &Server{
		token: token,
		conns: make(map[*websocket.Conn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /bookmarks", s.auth(s.handleList))
	mux.HandleFunc("GET /bookmarks/search", s.auth(s.handleSearch))
	mux.HandleFunc("POST /bookmarks", s.auth(s.handleCreate))
	mux.HandleFunc("PUT /bookmarks/{id}", s.auth(s.handleUpdate))
	mux.HandleFunc("DELETE /bookmarks/{id}", s.auth(s.handleDelete))
	mux.HandleFunc("GET /auth/verify", s.auth(s.handleVerify))
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)

	return s
}

// Close drops channel connections and shuts the server down.
func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}

// Seed adds records without notifying channel clients. Ids are assigned
// when missing.
func (s *Server) Seed(records ...api.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if r.ID == "" {
			s.nextID++
			r.ID = api.RecordID(strconv.Itoa(s.nextID))
		}

		if r.Tags == nil {
			r.Tags = []string{}
		}

		s.records = append(s.records, r)
	}
}

// Records returns a copy of the collection.
func (s *Server) Records() []api.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.records)
}

// Requests returns "METHOD /path" for every REST call received.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.requests)
}

// Mutations returns the POST, PUT and DELETE requests received.
func (s *Server) Mutations() []string {
	var out []string

	for _, r := range s.Requests() {
		if !strings.HasPrefix(r, http.MethodGet) {
			out = append(out, r)
		}
	}

	return out
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

// SetToken changes the accepted token; the old one is rejected from now on.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetUnavailable makes every REST call fail with 503.
func (s *Server) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

// Subscriptions returns the subscription lists received on the channel.
func (s *Server) Subscriptions() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.subscribed)
}

// ConnectionCount returns the number of open channel connections.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// DropConnections closes every channel connection abnormally.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseNow()
	}
}

// Broadcast sends a bookmark_change to every channel connection.
func (s *Server) Broadcast(action string, rec api.Record) {
	msg, _ := json.Marshal(map[string]any{
		"type":      "bookmark_change",
		"action":    action,
		"data":      rec,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.Write(ctx, websocket.MessageText, msg)
		cancel()
	}
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		token, unavailable := s.token, s.unavailable
		s.mu.Unlock()

		if unavailable {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "access token required"})
			return
		}

		if strings.TrimPrefix(header, "Bearer ") != token {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid access token"})
			return
		}

		next(w, r)
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": s.Records()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	q := strings.ToLower(r.URL.Query().Get("q"))

	if target == "" && q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query or url required"})
		return
	}

	found := []api.Record{}

	for _, rec := range s.Records() {
		switch {
		case target != "" && rec.URL == target:
			found = append(found, rec)
		case q != "" && (strings.Contains(strings.ToLower(rec.Title), q) || strings.Contains(strings.ToLower(rec.URL), q)):
			found = append(found, rec)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"bookmarks": found})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in api.BookmarkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Title == "" || in.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "title and url are required"})
		return
	}

	now := time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	s.nextID++
	rec := api.Record{
		ID:          api.RecordID(strconv.Itoa(s.nextID)),
		Title:       in.Title,
		URL:         in.URL,
		Folder:      in.Folder,
		Tags:        orEmpty(in.Tags),
		Description: in.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.records = append(s.records, rec)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"message": "created", "bookmark": rec})
	s.Broadcast("created", rec)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var in api.BookmarkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	id := api.RecordID(r.PathValue("id"))

	s.mu.Lock()
	idx := slices.IndexFunc(s.records, func(rec api.Record) bool { return rec.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bookmark not found"})
		return
	}

	rec := &s.records[idx]
	rec.Title = in.Title
	rec.URL = in.URL
	rec.Folder = in.Folder
	rec.Tags = orEmpty(in.Tags)
	rec.Description = in.Description
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	updated := *rec
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"message": "updated", "bookmark": updated})
	s.Broadcast("updated", updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := api.RecordID(r.PathValue("id"))

	s.mu.Lock()
	idx := slices.IndexFunc(s.records, func(rec api.Record) bool { return rec.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "bookmark not found"})
		return
	}

	removed := s.records[idx]
	s.records = slices.Delete(s.records, idx, idx+1)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "deleted"})
	s.Broadcast("deleted", removed)
}

func (s *Server) handleVerify(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"valid": true,
		"user":  map[string]any{"id": 1, "email": Email, "name": "Test User"},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Email != Email || in.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid email or password"})
		return
	}

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "login successful",
		"token":   token,
		"user":    map[string]any{"id": 1, "email": Email, "name": "Test User"},
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if r.URL.Query().Get("token") != token {
		conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.CloseNow()
	}()

	ctx := context.Background()

	writeWS(ctx, conn, map[string]any{
		"type":      "connection",
		"status":    "connected",
		"message":   "connected to bookmark server",
		"user":      map[string]any{"id": 1, "email": Email},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch gjson.GetBytes(data, "type").Str {
		case "ping":
			writeWS(ctx, conn, map[string]any{"type": "pong", "timestamp": time.Now().UTC().Format(time.RFC3339)})
		case "subscribe":
			var subs []string
			for _, v := range gjson.GetBytes(data, "subscriptions").Array() {
				subs = append(subs, v.String())
			}

			s.mu.Lock()
			s.subscribed = append(s.subscribed, subs)
			s.mu.Unlock()

			writeWS(ctx, conn, map[string]any{"type": "subscribed", "subscriptions": subs})
		default:
			writeWS(ctx, conn, map[string]any{"type": "error", "message": fmt.Sprintf("unknown message type %q", gjson.GetBytes(data, "type").Str)})
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}

	_ = conn.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func orEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}

	return tags
}
