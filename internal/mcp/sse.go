package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// maxFrameBytes caps the size of a single client-to-server frame.
const maxFrameBytes = 1 << 20

const defaultHeartbeat = 15 * time.Second

// Session is one live SSE connection. Its context derives from the
// originating GET request, so a client disconnect cancels every frame
// still being handled on the session.
type Session struct {
	ID     string
	events chan json.RawMessage
	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(parent context.Context) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:     uuid.NewString(),
		events: make(chan json.RawMessage, 16),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the session-scoped context. Values set on the GET /sse
// request (destination, client IP, analytics session) flow through it into
// dispatched handlers.
func (s *Session) Context() context.Context { return s.ctx }

// Done reports session closure.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Send queues a frame for the SSE writer. It blocks until the writer has
// room and returns false when the session closed first.
func (s *Session) Send(frame json.RawMessage) bool {
	select {
	case s.events <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) close() { s.cancel() }

// SSEServerConfig wires the SSE transport.
type SSEServerConfig struct {
	Server *Server
	Logger *observability.Logger

	// MessagePath is the client-to-server POST path advertised in the
	// endpoint frame. Defaults to /messages.
	MessagePath string

	// Heartbeat is the comment-frame interval keeping idle connections
	// alive through proxies. Defaults to 15s.
	Heartbeat time.Duration
}

// SSEServer carries the MCP protocol over Server-Sent Events: GET /sse
// opens a session and streams server-to-client frames, POST /messages
// delivers client-to-server frames into it.
type SSEServer struct {
	server      *Server
	logger      *observability.Logger
	messagePath string
	heartbeat   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	wg sync.WaitGroup
}

func NewSSEServer(cfg SSEServerConfig) *SSEServer {
	messagePath := cfg.MessagePath
	if messagePath == "" {
		messagePath = "/messages"
	}
	heartbeat := cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = defaultHeartbeat
	}
	return &SSEServer{
		server:      cfg.Server,
		logger:      cfg.Logger,
		messagePath: messagePath,
		heartbeat:   heartbeat,
		sessions:    make(map[string]*Session),
	}
}

// ServeSSE handles GET /sse: it registers a session, emits the endpoint
// frame telling the client where to POST, then streams queued frames until
// the client drops or the server shuts down.
func (t *SSEServer) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sess, err := t.open(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer t.drop(sess)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	if t.logger != nil {
		t.logger.Info(r.Context(), "SSE session opened", "sse_session_id", sess.ID)
	}

	endpoint := fmt.Sprintf("%s?session_id=%s", t.messagePath, sess.ID)
	if err := writeFrame(w, flusher, "endpoint", []byte(endpoint)); err != nil {
		return
	}

	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			if t.logger != nil {
				t.logger.Info(r.Context(), "SSE session closed", "sse_session_id", sess.ID)
			}
			return
		case frame := <-sess.events:
			if err := writeFrame(w, flusher, "message", frame); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeMessage handles POST /messages: it acknowledges the frame with 202
// immediately and dispatches it on a goroutine bound to the owning
// session's context, so in-flight work dies with the SSE connection.
func (t *SSEServer) ServeMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	sess, ok := t.lookup(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameBytes))
	if err != nil {
		http.Error(w, "read request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.dispatch(sess, body)
	}()
}

func (t *SSEServer) dispatch(sess *Session, raw []byte) {
	ctx := sess.Context()

	resp := t.server.Handle(ctx, raw)
	if resp == nil {
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		if t.logger != nil {
			t.logger.Error(ctx, "marshal response frame", "error", err)
		}
		return
	}
	if !sess.Send(data) && t.logger != nil {
		t.logger.Debug(ctx, "session closed before response delivery", "sse_session_id", sess.ID)
	}
}

// Close cancels every live session and waits for in-flight dispatches.
// New connections are refused afterwards.
func (t *SSEServer) Close() {
	t.mu.Lock()
	t.closed = true
	sessions := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		sessions = append(sessions, sess)
	}
	t.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
	t.wg.Wait()
}

// SessionCount returns the number of live SSE connections.
func (t *SSEServer) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *SSEServer) open(parent context.Context) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("server is shutting down")
	}
	sess := newSession(parent)
	t.sessions[sess.ID] = sess
	return sess, nil
}

func (t *SSEServer) drop(sess *Session) {
	sess.close()
	t.mu.Lock()
	delete(t.sessions, sess.ID)
	t.mu.Unlock()
}

func (t *SSEServer) lookup(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	return sess, ok
}

func writeFrame(w io.Writer, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
