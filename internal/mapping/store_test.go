package mapping

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Store) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewStore(db)
}

func destinationRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"db_name", "host", "port", "username", "password", "database", "db_type", "description",
	})
	for _, name := range names {
		rows.AddRow(name, "db-"+name+".internal", 3306, "reader", "secret", name+"_db", "mysql", "test destination")
	}
	return rows
}

func TestStore_LoadAll(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(destinationRows("orders", "sales"))

	n, err := store.LoadAll(context.Background())
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 destinations, got %d", n)
	}
	if got := store.Names(); !reflect.DeepEqual(got, []string{"orders", "sales"}) {
		t.Errorf("Names() = %v, want [orders sales]", got)
	}

	// Cached hit must not touch the database again.
	dest, err := store.Get(context.Background(), "sales")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if dest.Host != "db-sales.internal" || dest.Database != "sales_db" {
		t.Errorf("unexpected destination: %+v", dest)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_Get_ReadThrough(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE db_name = \\? AND is_active = 1").
		WithArgs("orders").
		WillReturnRows(destinationRows("orders"))

	dest, err := store.Get(context.Background(), "orders")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if dest.Name != "orders" || dest.Port != 3306 {
		t.Errorf("unexpected destination: %+v", dest)
	}

	// Second lookup is served from the snapshot; no extra expectation set.
	if _, err := store.Get(context.Background(), "orders"); err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_Get_NotFound(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE db_name = \\? AND is_active = 1").
		WithArgs("ghost").
		WillReturnRows(destinationRows())

	_, err := store.Get(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Empty names never reach the database.
	if _, err := store.Get(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty name, got %v", err)
	}
}

func TestStore_Refresh_ReplacesSnapshot(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(destinationRows("orders", "sales"))
	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(destinationRows("warehouse"))
	// The deactivated name falls through to a read-through miss.
	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE db_name = \\? AND is_active = 1").
		WithArgs("orders").
		WillReturnRows(destinationRows())

	if _, err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	n, err := store.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 destination after refresh, got %d", n)
	}
	if got := store.Names(); !reflect.DeepEqual(got, []string{"warehouse"}) {
		t.Errorf("Names() = %v, want [warehouse]", got)
	}
	if _, err := store.Get(context.Background(), "orders"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for removed destination, got %v", err)
	}
}

// Readers racing a refresh must observe either the old snapshot or the new
// one in full, never a mix.
func TestStore_Refresh_SnapshotIsolation(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(destinationRows("alpha", "beta"))
	mock.ExpectQuery("SELECT (.+) FROM db_mapping WHERE is_active = 1").
		WillReturnRows(destinationRows("gamma"))

	if _, err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}

	old := []string{"alpha", "beta"}
	next := []string{"gamma"}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				got := store.Names()
				if !reflect.DeepEqual(got, old) && !reflect.DeepEqual(got, next) {
					t.Errorf("observed partial snapshot: %v", got)
					return
				}
			}
		}()
	}

	close(start)
	if _, err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	wg.Wait()
}

func TestStore_List(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{
		"id", "db_name", "host", "port", "username", "password", "database",
		"db_type", "description", "is_active", "created_at", "updated_at",
	}).
		AddRow(1, "orders", "db1.internal", 3306, "reader", "pw", "orders_db", "mysql", "orders", true, "2026-01-01 00:00:00", "2026-01-01 00:00:00").
		AddRow(2, "retired", "db2.internal", 3306, "reader", nil, "retired_db", nil, nil, false, nil, nil)

	mock.ExpectQuery("SELECT id, (.+) FROM db_mapping ORDER BY db_name").
		WillReturnRows(rows)

	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if !records[0].Active || records[1].Active {
		t.Errorf("active flags wrong: %+v", records)
	}
	if records[1].Type != "mysql" {
		t.Errorf("expected db_type default mysql, got %q", records[1].Type)
	}
}

func TestContextPlumbing(t *testing.T) {
	ctx := context.Background()

	if _, ok := DestinationFromContext(ctx); ok {
		t.Error("empty context should carry no destination")
	}
	if _, ok := NameFromContext(ctx); ok {
		t.Error("empty context should carry no name")
	}

	dest := &Destination{Name: "orders", Host: "h", Port: 3306, Database: "orders_db"}
	ctx = WithName(WithDestination(ctx, dest), "orders")

	got, ok := DestinationFromContext(ctx)
	if !ok || got.Name != "orders" {
		t.Errorf("DestinationFromContext = %+v, %v", got, ok)
	}
	name, ok := NameFromContext(ctx)
	if !ok || name != "orders" {
		t.Errorf("NameFromContext = %q, %v", name, ok)
	}
}
