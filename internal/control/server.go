// Package control is the local control plane: an HTTP+JSON API over a unix
// socket for session lifecycle (spawn, list, kill) and a WebSocket attach
// endpoint that bridges a local terminal into the hub as a viewer. Every
// mutation routes through the hub's event queue; handlers never touch
// session state directly.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/perchlabs/perch/internal/channel"
	"github.com/perchlabs/perch/internal/hub"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/pty"
	"github.com/perchlabs/perch/internal/store"
)

const replyTimeout = 10 * time.Second

// Server serves the control API for one hub loop.
type Server struct {
	loop       *hub.Loop
	history    *store.Store // nil disables the history endpoint
	socketPath string
	secret     []byte // empty disables bearer auth (socket perms gate access)
	defaults   hub.SessionSpec
}

// Config wires the server.
type Config struct {
	Loop       *hub.Loop
	History    *store.Store
	SocketPath string
	Secret     string
	// DefaultSpec fills unset spawn fields (shell command, dims, caps).
	DefaultSpec hub.SessionSpec
}

func NewServer(cfg Config) *Server {
	return &Server{
		loop:       cfg.Loop,
		history:    cfg.History,
		socketPath: cfg.SocketPath,
		secret:     []byte(cfg.Secret),
		defaults:   cfg.DefaultSpec,
	}
}

// ListenAndServe serves until ctx is canceled. The socket file is removed on
// the way out.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up stale socket.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{Handler: s.auth(mux)}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions", s.handleSpawn)
	mux.HandleFunc("GET /sessions", s.handleList)
	mux.HandleFunc("GET /sessions/{key}", s.handleGet)
	mux.HandleFunc("DELETE /sessions/{key}", s.handleKill)
	mux.HandleFunc("GET /sessions/{key}/ws", s.handleAttach)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /status", s.handleStatus)
}

// auth verifies the bearer JWT when a secret is configured. Without one the
// unix socket's file mode is the access boundary.
func (s *Server) auth(next http.Handler) http.Handler {
	if len(s.secret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Request/response types

type spawnRequest struct {
	Key        string   `json:"key,omitempty"`
	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	WorkingDir string   `json:"dir,omitempty"`
	Env        []string `json:"env,omitempty"`
	Cols       uint16   `json:"cols,omitempty"`
	Rows       uint16   `json:"rows,omitempty"`
}

type sessionResponse struct {
	Key       string  `json:"key"`
	Command   string  `json:"command"`
	State     string  `json:"state"`
	Cols      uint16  `json:"cols"`
	Rows      uint16  `json:"rows"`
	Viewers   int     `json:"viewers"`
	StartedAt string  `json:"started_at"`
	ExitedAt  *string `json:"exited_at,omitempty"`
	ExitCode  *int    `json:"exit_code,omitempty"`
}

type statusResponse struct {
	Running int `json:"running"`
	Exited  int `json:"exited"`
	Viewers int `json:"viewers"`
}

func infoToResponse(info hub.SessionInfo) sessionResponse {
	r := sessionResponse{
		Key:       info.Key,
		Command:   info.Command,
		State:     info.State.String(),
		Cols:      info.Cols,
		Rows:      info.Rows,
		Viewers:   info.Viewers,
		StartedAt: info.StartedAt.UTC().Format(time.RFC3339),
		ExitCode:  info.ExitCode,
	}
	if !info.ExitedAt.IsZero() {
		e := info.ExitedAt.UTC().Format(time.RFC3339)
		r.ExitedAt = &e
	}
	return r
}

// Handlers

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	spec := s.defaults
	if req.Command != "" {
		spec.Command = req.Command
		spec.Args = req.Args
	}
	if req.WorkingDir != "" {
		spec.WorkingDir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		spec.Env = append(os.Environ(), req.Env...)
	}
	if req.Cols > 0 {
		spec.Cols = req.Cols
	}
	if req.Rows > 0 {
		spec.Rows = req.Rows
	}
	if spec.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	key := req.Key
	if key == "" {
		key = uuid.NewString()[:8]
	}

	reply := make(chan error, 1)
	s.loop.Enqueue(hub.SpawnSession{Key: key, Spec: spec, Reply: reply})
	if err := awaitReply(r.Context(), reply); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, hub.ErrDuplicateSession) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	info, _ := s.loop.Cache().Get(key)
	writeJSON(w, http.StatusCreated, infoToResponse(info))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.loop.Cache().List()
	result := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		result = append(result, infoToResponse(info))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	info, ok := s.loop.Cache().Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, infoToResponse(info))
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	reply := make(chan error, 1)
	s.loop.Enqueue(hub.CloseSession{Key: key, Reply: reply})
	if err := awaitReply(r.Context(), reply); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, hub.ErrUnknownSession) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history store not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.history.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type historyResp struct {
		Key       string  `json:"key"`
		Command   string  `json:"command"`
		Pid       int     `json:"pid"`
		StartedAt string  `json:"started_at"`
		ExitedAt  *string `json:"exited_at,omitempty"`
		ExitCode  *int    `json:"exit_code,omitempty"`
	}
	result := make([]historyResp, 0, len(recs))
	for _, rec := range recs {
		hr := historyResp{
			Key:       rec.Key,
			Command:   rec.Command,
			Pid:       rec.Pid,
			StartedAt: rec.StartedAt.UTC().Format(time.RFC3339),
			ExitCode:  rec.ExitCode,
		}
		if rec.ExitedAt != nil {
			e := rec.ExitedAt.UTC().Format(time.RFC3339)
			hr.ExitedAt = &e
		}
		result = append(result, hr)
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	for _, info := range s.loop.Cache().List() {
		switch info.State {
		case pty.StateRunning:
			resp.Running++
		case pty.StateExited:
			resp.Exited++
		}
		resp.Viewers += info.Viewers
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAttach upgrades to WebSocket and bridges the connection into the hub
// as a local viewer: binary frames in are keyboard input, binary frames out
// are rendered screen updates, text frames in are control messages (resize,
// scroll).
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	cols := parseDim(r.URL.Query().Get("cols"))
	rows := parseDim(r.URL.Query().Get("rows"))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	client := pty.ClientID{Kind: pty.ClientLocal, ID: uuid.NewString()}
	viewer := newWSViewer(conn)

	reply := make(chan error, 1)
	s.loop.Enqueue(hub.AttachViewer{
		Key:    key,
		Client: client,
		Cols:   cols,
		Rows:   rows,
		Sink:   viewer.sink,
		Reply:  reply,
	})
	if err := awaitReply(r.Context(), reply); err != nil {
		viewer.close()
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	ctx := r.Context()
	go viewer.writeLoop(ctx)

	defer func() {
		s.loop.Enqueue(hub.DetachViewer{Key: key, Client: client})
		viewer.close()
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			s.loop.Enqueue(hub.ChannelMessage{
				SessionKey: key,
				Msg:        channel.IncomingMessage{Peer: "local:" + client.ID, Data: data},
			})
		case websocket.MessageText:
			var ctrl struct {
				Type   string `json:"type"`
				Cols   uint16 `json:"cols"`
				Rows   uint16 `json:"rows"`
				Offset int    `json:"offset"`
			}
			if err := json.Unmarshal(data, &ctrl); err != nil {
				logger.Warn("bad attach control message", "session", key, "err", err)
				continue
			}
			switch ctrl.Type {
			case "resize":
				s.loop.Enqueue(hub.ResizeViewer{Key: key, Client: client, Cols: ctrl.Cols, Rows: ctrl.Rows})
			case "scroll":
				s.loop.Enqueue(hub.SetScrollback{Key: key, Offset: ctrl.Offset})
			}
		}
	}
}

// wsViewer decouples the flush phase from the socket: the sink only
// enqueues, a dedicated goroutine writes.
type wsViewer struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

func newWSViewer(conn *websocket.Conn) *wsViewer {
	return &wsViewer{
		conn: conn,
		out:  make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (v *wsViewer) sink(data []byte) error {
	select {
	case <-v.done:
		return errors.New("viewer closed")
	default:
	}
	select {
	case v.out <- data:
		return nil
	default:
		return errors.New("viewer write queue full")
	}
}

func (v *wsViewer) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-v.out:
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := v.conn.Write(wctx, websocket.MessageBinary, data)
			cancel()
			if err != nil {
				return
			}
			// The exit report is the last frame a viewer gets; close the
			// socket so attached clients do not hang on a dead session.
			if _, ok := hub.ParseExitNotification(data); ok {
				v.conn.Close(websocket.StatusNormalClosure, "session exited")
				return
			}
		case <-v.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (v *wsViewer) close() {
	select {
	case <-v.done:
	default:
		close(v.done)
	}
}

// Helpers

func awaitReply(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(replyTimeout):
		return errors.New("control: hub reply timed out")
	}
}

func parseDim(s string) uint16 {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 0xFFFF {
		return 0
	}
	return uint16(n)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
