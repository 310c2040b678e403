package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/beiningY/DB-MCP-server/internal/mapping"
)

func testDest(name string) *mapping.Destination {
	return &mapping.Destination{
		Name:     name,
		Host:     "db-" + name + ".internal",
		Port:     3306,
		Username: "reader",
		Password: "secret",
		Database: name + "_db",
	}
}

// newMockRegistry routes engine creation to fresh sqlmock databases and
// records every mock so tests can queue expectations per destination.
func newMockRegistry(t *testing.T, cfg Config) (*Registry, *[]sqlmock.Sqlmock) {
	t.Helper()
	mocks := &[]sqlmock.Sqlmock{}
	r := NewRegistry(cfg)
	r.open = func(dsn string) (*sql.DB, error) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("failed to create mock db: %v", err)
		}
		mock.ExpectPing()
		*mocks = append(*mocks, mock)
		return db, nil
	}
	return r, mocks
}

func TestPoolKey(t *testing.T) {
	tests := []struct {
		name string
		dest *mapping.Destination
		want string
	}{
		{
			name: "full tuple",
			dest: &mapping.Destination{Host: "h", Port: 3307, Username: "u", Password: "pw", Database: "d"},
			want: "h:3307@u@d",
		},
		{
			name: "password excluded from identity",
			dest: &mapping.Destination{Host: "h", Port: 3307, Username: "u", Password: "other", Database: "d"},
			want: "h:3307@u@d",
		},
		{
			name: "zero port normalizes",
			dest: &mapping.Destination{Host: "h", Username: "u", Database: "d"},
			want: "h:3306@u@d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PoolKey(tt.dest); got != tt.want {
				t.Errorf("PoolKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_Engine_ReusesPool(t *testing.T) {
	r, mocks := newMockRegistry(t, Config{MaxPools: 10})
	ctx := context.Background()

	dest := testDest("orders")
	e1, err := r.Engine(ctx, dest)
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}

	// Same tuple with a rotated password must land on the same pool.
	rotated := *dest
	rotated.Password = "new-secret"
	e2, err := r.Engine(ctx, &rotated)
	if err != nil {
		t.Fatalf("Engine: %v", err)
	}

	if e1 != e2 {
		t.Error("expected the same engine for identical identity tuples")
	}
	if len(*mocks) != 1 {
		t.Errorf("expected 1 pool opened, got %d", len(*mocks))
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_Engine_LRUEviction(t *testing.T) {
	r, mocks := newMockRegistry(t, Config{MaxPools: 2})
	ctx := context.Background()

	var counts []int
	r.OnCountChange = func(n int) { counts = append(counts, n) }

	if _, err := r.Engine(ctx, testDest("alpha")); err != nil {
		t.Fatalf("Engine alpha: %v", err)
	}
	if _, err := r.Engine(ctx, testDest("beta")); err != nil {
		t.Fatalf("Engine beta: %v", err)
	}
	// Touch alpha so beta becomes the eviction victim.
	if _, err := r.Engine(ctx, testDest("alpha")); err != nil {
		t.Fatalf("Engine alpha again: %v", err)
	}
	if _, err := r.Engine(ctx, testDest("gamma")); err != nil {
		t.Fatalf("Engine gamma: %v", err)
	}

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	keys := make([]string, 0, 2)
	for _, st := range r.Stats() {
		keys = append(keys, st.Key)
	}
	want := []string{PoolKey(testDest("alpha")), PoolKey(testDest("gamma"))}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("surviving pools = %v, want %v", keys, want)
			break
		}
	}
	if len(*mocks) != 3 {
		t.Errorf("expected 3 pools opened in total, got %d", len(*mocks))
	}
	// Gauge saw the dip to 1 during eviction and the recovery to 2.
	if counts[len(counts)-1] != 2 {
		t.Errorf("final gauge value = %d, want 2", counts[len(counts)-1])
	}
}

func TestRegistry_Engine_PingFailure(t *testing.T) {
	mockErrs := []error{errors.New("dial tcp: connection refused"), nil}
	var attempt int

	r := NewRegistry(Config{MaxPools: 10})
	r.open = func(dsn string) (*sql.DB, error) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("failed to create mock db: %v", err)
		}
		if mockErrs[attempt] != nil {
			mock.ExpectPing().WillReturnError(mockErrs[attempt])
		} else {
			mock.ExpectPing()
		}
		attempt++
		return db, nil
	}

	ctx := context.Background()
	_, err := r.Engine(ctx, testDest("orders"))
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !strings.Contains(err.Error(), "connect") {
		t.Errorf("error should mention connect: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("failed engine must not linger, Len() = %d", r.Len())
	}

	// The next attempt opens a fresh pool instead of replaying the failure.
	if _, err := r.Engine(ctx, testDest("orders")); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if attempt != 2 {
		t.Errorf("expected 2 open attempts, got %d", attempt)
	}
}

func TestRegistry_Engine_UnsupportedType(t *testing.T) {
	r := NewRegistry(Config{})
	dest := testDest("orders")
	dest.Type = "postgresql"

	_, err := r.Engine(context.Background(), dest)
	if !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestRegistry_Execute_ConvertsValues(t *testing.T) {
	r, mocks := newMockRegistry(t, Config{MaxPools: 10, Timeout: 5 * time.Second})
	ctx := context.Background()
	dest := testDest("orders")

	// Prime the pool so the mock exists before queueing query expectations.
	if _, err := r.Engine(ctx, dest); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	mock := (*mocks)[0]

	cols := []*sqlmock.Column{
		sqlmock.NewColumn("id").OfType("BIGINT", int64(0)),
		sqlmock.NewColumn("amount").OfType("DECIMAL", []byte("0")).Nullable(true),
		sqlmock.NewColumn("created_at").OfType("DATETIME", time.Time{}),
		sqlmock.NewColumn("label").OfType("VARBINARY", []byte("")),
		sqlmock.NewColumn("blob").OfType("BLOB", []byte("")).Nullable(true),
	}
	rows := sqlmock.NewRowsWithColumnDefinition(cols...).
		AddRow(
			int64(42),
			[]byte("123.45"),
			time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
			[]byte("订单"),
			[]byte{0xff, 0xfe},
		).
		AddRow(int64(7), nil, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), []byte("plain"), nil)

	mock.ExpectQuery("SELECT (.+) FROM orders").WillReturnRows(rows)

	res, err := r.Execute(ctx, dest, "SELECT id, amount, created_at, label, blob FROM orders")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.RowCount != 2 || len(res.Rows) != 2 {
		t.Fatalf("RowCount = %d, rows = %d, want 2", res.RowCount, len(res.Rows))
	}
	first := res.Rows[0]
	if got, ok := first["id"].(int64); !ok || got != 42 {
		t.Errorf("id = %#v, want int64 42", first["id"])
	}
	if got, ok := first["amount"].(float64); !ok || got != 123.45 {
		t.Errorf("amount = %#v, want float64 123.45", first["amount"])
	}
	if got, ok := first["created_at"].(string); !ok || got != "2026-03-14T09:26:53" {
		t.Errorf("created_at = %#v, want ISO string", first["created_at"])
	}
	if got, ok := first["label"].(string); !ok || got != "订单" {
		t.Errorf("label = %#v, want utf8 string", first["label"])
	}
	if got, ok := first["blob"].(string); !ok || got != "fffe" {
		t.Errorf("blob = %#v, want hex string", first["blob"])
	}
	if res.Rows[1]["amount"] != nil || res.Rows[1]["blob"] != nil {
		t.Errorf("NULL columns must convert to nil: %#v", res.Rows[1])
	}
}

func TestRegistry_Execute_Timeout(t *testing.T) {
	r, mocks := newMockRegistry(t, Config{MaxPools: 10, Timeout: 20 * time.Millisecond})
	ctx := context.Background()
	dest := testDest("orders")

	if _, err := r.Engine(ctx, dest); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	mock := (*mocks)[0]
	mock.ExpectQuery("SELECT SLEEP").
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(sqlmock.NewRows([]string{"x"}))

	_, err := r.Execute(ctx, dest, "SELECT SLEEP(10)")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) && !strings.Contains(err.Error(), "deadline") && !strings.Contains(err.Error(), "canceled") {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestRegistry_TestConnection(t *testing.T) {
	r, mocks := newMockRegistry(t, Config{MaxPools: 10})
	ctx := context.Background()
	dest := testDest("orders")

	if _, err := r.Engine(ctx, dest); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	mock := (*mocks)[0]
	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	ok, msg := r.TestConnection(ctx, dest)
	if !ok {
		t.Errorf("TestConnection failed: %s", msg)
	}
	if msg != "连接成功" {
		t.Errorf("msg = %q", msg)
	}

	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("server gone"))
	ok, msg = r.TestConnection(ctx, dest)
	if ok {
		t.Error("expected failure")
	}
	if !strings.Contains(msg, "数据库连接失败") {
		t.Errorf("msg = %q", msg)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r, _ := newMockRegistry(t, Config{MaxPools: 10})
	ctx := context.Background()

	var last int
	r.OnCountChange = func(n int) { last = n }

	if _, err := r.Engine(ctx, testDest("a")); err != nil {
		t.Fatalf("Engine: %v", err)
	}
	if _, err := r.Engine(ctx, testDest("b")); err != nil {
		t.Fatalf("Engine: %v", err)
	}

	r.CloseAll()
	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll", r.Len())
	}
	if last != 0 {
		t.Errorf("gauge = %d after CloseAll, want 0", last)
	}
}
