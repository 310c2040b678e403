package gateway

import (
	"context"
	"sync"

	"github.com/beiningY/DB-MCP-server/internal/analytics"
	"github.com/beiningY/DB-MCP-server/internal/observability"
)

// sessionKey identifies one logical client. MCP clients open redundant
// event streams (primary, fallback, reconnect), and all of them should
// share a single analytics session.
type sessionKey struct {
	clientIP string
	dbKey    string
}

type sessionEntry struct {
	id   string
	refs int
}

// SessionTracker collapses duplicate SSE connections from the same
// (client IP, destination) pair onto one analytics session. Identity is
// the address pair, not a cookie; a load balancer rewriting source
// addresses defeats the dedup, which is an accepted limitation of the
// unauthenticated transport.
type SessionTracker struct {
	recorder *analytics.Recorder
	metrics  *observability.Metrics
	logger   *observability.Logger

	mu      sync.Mutex
	entries map[sessionKey]*sessionEntry
}

func NewSessionTracker(recorder *analytics.Recorder, metrics *observability.Metrics, logger *observability.Logger) *SessionTracker {
	return &SessionTracker{
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		entries:  make(map[sessionKey]*sessionEntry),
	}
}

// Acquire returns the analytics session id for a new connection, starting
// a session on the first connect of the pair and reusing it for
// duplicates. The returned release must be called on disconnect; the
// session closes when the last duplicate releases.
func (t *SessionTracker) Acquire(ctx context.Context, clientIP, userAgent, dbKey string) (string, func()) {
	key := sessionKey{clientIP: clientIP, dbKey: dbKey}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.entries[key]; ok {
		entry.refs++
		if t.logger != nil {
			t.logger.Debug(ctx, "reusing analytics session",
				"session_id", entry.id, "db", dbKey, "refs", entry.refs)
		}
		return entry.id, t.releaseFunc(ctx, key)
	}

	var id string
	if t.recorder != nil {
		id = t.recorder.StartSession(ctx, clientIP, userAgent, dbKey)
	}
	t.entries[key] = &sessionEntry{id: id, refs: 1}
	if t.metrics != nil {
		t.metrics.SessionOpened()
	}
	if t.logger != nil {
		t.logger.Info(ctx, "analytics session started",
			"session_id", id, "client_ip", clientIP, "db", dbKey)
	}
	return id, t.releaseFunc(ctx, key)
}

// Len reports how many logical sessions are live.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// releaseFunc builds the idempotent disconnect callback. The context is
// detached because the release runs after the request context died.
func (t *SessionTracker) releaseFunc(ctx context.Context, key sessionKey) func() {
	logCtx := context.WithoutCancel(ctx)
	var once sync.Once
	return func() {
		once.Do(func() { t.release(logCtx, key) })
	}
}

func (t *SessionTracker) release(ctx context.Context, key sessionKey) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	entry.refs--
	if entry.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	if entry.id != "" && t.recorder != nil {
		t.recorder.CloseSession(ctx, entry.id)
	}
	if t.metrics != nil {
		t.metrics.SessionClosed()
	}
	if t.logger != nil {
		t.logger.Info(ctx, "analytics session closed", "session_id", entry.id, "db", key.dbKey)
	}
}
