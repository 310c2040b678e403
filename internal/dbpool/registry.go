// Package dbpool manages one connection pool per destination database. Pools
// are keyed by host:port@username@database; the password is not part of the
// identity, so rotating a credential does not strand a pool. The registry is
// capped; above the cap the least recently used pool is disposed before a
// new one is admitted.
package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/beiningY/DB-MCP-server/internal/mapping"
)

// ErrUnsupportedType is returned for destinations whose db_type this release
// cannot dial. Only MySQL-compatible destinations are supported.
var ErrUnsupportedType = errors.New("unsupported database type")

// Config shapes every per-destination pool and the registry itself.
type Config struct {
	// Size is the steady per-pool connection count (also the idle cap).
	Size int
	// MaxOverflow is how many connections beyond Size a pool may open.
	MaxOverflow int
	// Timeout bounds connection acquisition and each query.
	Timeout time.Duration
	// Recycle is the maximum lifetime of a pooled connection.
	Recycle time.Duration
	// MaxPools caps how many destination pools exist at once.
	MaxPools int
}

// QueryResult is one result set with driver values converted to plain JSON
// types: integers as int64, decimals as float64, timestamps as ISO-8601
// strings, binary as UTF-8 or hex, NULL as nil.
type QueryResult struct {
	Columns  []string
	Rows     []map[string]any
	RowCount int
}

// Engine is one pooled destination. The zero lastUsed ordering drives LRU
// eviction; pingOnce defers the first connection attempt out of the registry
// lock.
type Engine struct {
	key      string
	db       *sql.DB
	created  time.Time
	lastUsed time.Time // guarded by Registry.mu

	pingOnce sync.Once
	pingErr  error
}

// Key returns the pool identity, password excluded.
func (e *Engine) Key() string { return e.key }

// DB exposes the underlying pool for callers that need raw access.
func (e *Engine) DB() *sql.DB { return e.db }

// PoolStat is a point-in-time snapshot of one pool.
type PoolStat struct {
	Key         string    `json:"key"`
	PoolSize    int       `json:"pool_size"`
	MaxOverflow int       `json:"max_overflow"`
	InUse       int       `json:"in_use"`
	Idle        int       `json:"idle"`
	LastUsed    time.Time `json:"last_used"`
	Created     time.Time `json:"created"`
}

// Registry holds the live pools.
type Registry struct {
	cfg Config

	mu    sync.Mutex
	pools map[string]*Engine

	// OnCountChange, when set, receives the pool count after every change.
	// The gateway points it at the db_pools_active gauge.
	OnCountChange func(n int)

	// open is replaced in tests to avoid dialing real databases.
	open func(dsn string) (*sql.DB, error)
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Size < 1 {
		cfg.Size = 5
	}
	if cfg.MaxOverflow < 0 {
		cfg.MaxOverflow = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Recycle <= 0 {
		cfg.Recycle = time.Hour
	}
	if cfg.MaxPools < 1 {
		cfg.MaxPools = 50
	}
	return &Registry{
		cfg:   cfg,
		pools: make(map[string]*Engine),
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("mysql", dsn)
		},
	}
}

// PoolKey derives the registry identity for a destination. A zero port
// normalizes to 3306 so explicit and defaulted tuples share a pool.
func PoolKey(dest *mapping.Destination) string {
	port := dest.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%d@%s@%s", dest.Host, port, dest.Username, dest.Database)
}

// Engine returns the pool for the destination, creating it on first use.
// When the registry is full the least recently used pool is disposed outside
// the lock, then admission is re-checked; a concurrent creator winning the
// race is detected and its engine reused.
func (r *Registry) Engine(ctx context.Context, dest *mapping.Destination) (*Engine, error) {
	if dest == nil {
		return nil, errors.New("nil destination")
	}
	if dest.Type != "" && !strings.EqualFold(dest.Type, "mysql") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dest.Type)
	}
	key := PoolKey(dest)

	for {
		r.mu.Lock()
		if e, ok := r.pools[key]; ok {
			e.lastUsed = time.Now()
			r.mu.Unlock()
			return r.ready(ctx, e)
		}

		if len(r.pools) >= r.cfg.MaxPools {
			victim := r.oldestLocked()
			delete(r.pools, victim.key)
			n := len(r.pools)
			r.mu.Unlock()

			// Dispose outside the critical section; closing can block on
			// in-flight queries.
			victim.db.Close()
			r.notify(n)
			continue
		}

		// sql.Open validates the DSN without dialing, so creating under the
		// lock is cheap. The first connection happens in ready().
		db, err := r.open(buildDSN(dest, r.cfg.Timeout))
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("open pool %s: %w", key, err)
		}
		db.SetMaxOpenConns(r.cfg.Size + r.cfg.MaxOverflow)
		db.SetMaxIdleConns(r.cfg.Size)
		db.SetConnMaxLifetime(r.cfg.Recycle)

		now := time.Now()
		e := &Engine{key: key, db: db, created: now, lastUsed: now}
		r.pools[key] = e
		n := len(r.pools)
		r.mu.Unlock()

		r.notify(n)
		return r.ready(ctx, e)
	}
}

// ready performs the once-per-engine connectivity check. A failed ping
// removes the engine so the next call starts fresh.
func (r *Registry) ready(ctx context.Context, e *Engine) (*Engine, error) {
	e.pingOnce.Do(func() {
		pctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		e.pingErr = e.db.PingContext(pctx)
	})
	if e.pingErr != nil {
		r.removeEngine(e)
		return nil, fmt.Errorf("connect %s: %w", e.key, e.pingErr)
	}
	return e, nil
}

func (r *Registry) removeEngine(e *Engine) {
	r.mu.Lock()
	if cur, ok := r.pools[e.key]; ok && cur == e {
		delete(r.pools, e.key)
	}
	n := len(r.pools)
	r.mu.Unlock()

	e.db.Close()
	r.notify(n)
}

func (r *Registry) oldestLocked() *Engine {
	var victim *Engine
	for _, e := range r.pools {
		if victim == nil || e.lastUsed.Before(victim.lastUsed) {
			victim = e
		}
	}
	return victim
}

func (r *Registry) notify(n int) {
	if r.OnCountChange != nil {
		r.OnCountChange(n)
	}
}

// Execute runs one query against the destination and collects the full
// result set. The configured timeout applies as a context deadline, which
// covers both waiting for a pooled connection and the query itself.
func (r *Registry) Execute(ctx context.Context, dest *mapping.Destination, query string, args ...any) (*QueryResult, error) {
	e, err := r.Engine(ctx, dest)
	if err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	rows, err := e.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

// TestConnection checks reachability with SELECT 1. The message is
// user-facing and mirrors the envelope language.
func (r *Registry) TestConnection(ctx context.Context, dest *mapping.Destination) (bool, string) {
	e, err := r.Engine(ctx, dest)
	if err != nil {
		return false, fmt.Sprintf("数据库连接失败: %v", err)
	}

	qctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var one int
	if err := e.db.QueryRowContext(qctx, "SELECT 1").Scan(&one); err != nil {
		return false, fmt.Sprintf("数据库连接失败: %v", err)
	}
	return true, "连接成功"
}

// CloseAll disposes every pool. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.pools))
	for _, e := range r.pools {
		engines = append(engines, e)
	}
	r.pools = make(map[string]*Engine)
	r.mu.Unlock()

	for _, e := range engines {
		e.db.Close()
	}
	r.notify(0)
}

// Len reports how many pools are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Stats snapshots every live pool, sorted by key.
func (r *Registry) Stats() []PoolStat {
	r.mu.Lock()
	stats := make([]PoolStat, 0, len(r.pools))
	for _, e := range r.pools {
		ds := e.db.Stats()
		stats = append(stats, PoolStat{
			Key:         e.key,
			PoolSize:    r.cfg.Size,
			MaxOverflow: r.cfg.MaxOverflow,
			InUse:       ds.InUse,
			Idle:        ds.Idle,
			LastUsed:    e.lastUsed,
			Created:     e.created,
		})
	}
	r.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Key < stats[j].Key })
	return stats
}

func buildDSN(dest *mapping.Destination, dialTimeout time.Duration) string {
	mc := mysql.NewConfig()
	mc.User = dest.Username
	mc.Passwd = dest.Password
	mc.Net = "tcp"
	port := dest.Port
	if port == 0 {
		port = 3306
	}
	mc.Addr = net.JoinHostPort(dest.Host, strconv.Itoa(port))
	mc.DBName = dest.Database
	mc.Timeout = dialTimeout
	mc.ParseTime = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func collectRows(rows *sql.Rows) (*QueryResult, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("read column types: %w", err)
	}

	result := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	raw := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = convertValue(raw[i], types[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}
