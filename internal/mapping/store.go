// Package mapping resolves symbolic destination names to connection tuples.
// The db_mapping table is the source of truth; an in-memory snapshot serves
// the request path so lookups never block on the control database once
// seeded.
package mapping

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned when a destination name has no active mapping.
var ErrNotFound = errors.New("destination not found")

// Destination is a resolved connection tuple. Password never participates
// in pool identity and is excluded from String-like output everywhere.
type Destination struct {
	Name        string
	Host        string
	Port        int
	Username    string
	Password    string
	Database    string
	Type        string
	Description string
}

// Record is a full db_mapping row, inactive ones included. Operator tooling
// lists these; the request path only ever sees Destination values.
type Record struct {
	ID int64
	Destination
	Active    bool
	CreatedAt string
	UpdatedAt string
}

// Store caches active destinations from the control database.
//
// Concurrency: the snapshot map is replaced wholesale under the write lock,
// so readers observe either the previous snapshot or the new one, never a
// half-built map.
type Store struct {
	db *sql.DB

	mu     sync.RWMutex
	byName map[string]*Destination
}

// NewStore creates a store over the control database. Call LoadAll before
// serving requests.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		byName: make(map[string]*Destination),
	}
}

const activeColumns = "db_name, host, port, username, password, `database`, db_type, description"

// LoadAll seeds the snapshot with every active mapping row. Returns the
// number of destinations loaded.
func (s *Store) LoadAll(ctx context.Context) (int, error) {
	return s.Refresh(ctx)
}

// Refresh rebuilds the snapshot from the control database and swaps it in
// atomically. Returns the number of active destinations.
func (s *Store) Refresh(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+activeColumns+" FROM db_mapping WHERE is_active = 1")
	if err != nil {
		return 0, fmt.Errorf("load mappings: %w", err)
	}
	defer rows.Close()

	next := make(map[string]*Destination)
	for rows.Next() {
		dest, err := scanDestination(rows)
		if err != nil {
			return 0, fmt.Errorf("scan mapping: %w", err)
		}
		next[dest.Name] = dest
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate mappings: %w", err)
	}

	s.mu.Lock()
	s.byName = next
	s.mu.Unlock()

	return len(next), nil
}

// Get resolves a destination name. The snapshot is consulted first; a miss
// falls through to the control database so rows added after the last refresh
// are still reachable, and a hit there is cached. Inactive or unknown names
// return ErrNotFound.
func (s *Store) Get(ctx context.Context, name string) (*Destination, error) {
	if name == "" {
		return nil, ErrNotFound
	}

	s.mu.RLock()
	dest, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		return dest, nil
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT "+activeColumns+" FROM db_mapping WHERE db_name = ? AND is_active = 1", name)
	dest, err := scanDestination(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query mapping: %w", err)
	}

	s.mu.Lock()
	s.byName[dest.Name] = dest
	s.mu.Unlock()

	return dest, nil
}

// Names returns the sorted destination names in the current snapshot.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len reports how many destinations the current snapshot holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byName)
}

// List returns every db_mapping row, inactive ones included. This is the
// operator view; it always hits the control database.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, "+activeColumns+", is_active, created_at, updated_at FROM db_mapping ORDER BY db_name")
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec                  Record
			password, dbType     sql.NullString
			description          sql.NullString
			createdAt, updatedAt sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Destination.Name,
			&rec.Destination.Host,
			&rec.Destination.Port,
			&rec.Destination.Username,
			&password,
			&rec.Destination.Database,
			&dbType,
			&description,
			&rec.Active,
			&createdAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mapping row: %w", err)
		}
		rec.Destination.Password = password.String
		rec.Destination.Type = orDefault(dbType.String, "mysql")
		rec.Destination.Description = description.String
		rec.CreatedAt = createdAt.String
		rec.UpdatedAt = updatedAt.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mapping rows: %w", err)
	}
	return records, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDestination(row scanner) (*Destination, error) {
	var (
		dest                          Destination
		password, dbType, description sql.NullString
	)
	if err := row.Scan(
		&dest.Name,
		&dest.Host,
		&dest.Port,
		&dest.Username,
		&password,
		&dest.Database,
		&dbType,
		&description,
	); err != nil {
		return nil, err
	}
	dest.Password = password.String
	dest.Type = orDefault(dbType.String, "mysql")
	dest.Description = description.String
	return &dest, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
