package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestPostgresStoreContract(t *testing.T) {
	runStoreContract(t, setupPostgres(t))
}

func TestPostgresStoreConcurrentAccept(t *testing.T) {
	runConcurrentAccept(t, setupPostgres(t))
}

func TestPostgresProfiles(t *testing.T) {
	s := setupPostgres(t)
	ctx := context.Background()
	_, err := s.DB().ExecContext(ctx, `INSERT INTO users(id, role, name, vehicle_plate, subscription_status)
		VALUES ('d1', 'driver', 'Awa', 'AB-123', 'active'), ('d2', 'driver', 'Koffi', '', 'inactive')`)
	if err != nil {
		t.Fatalf("seed users: %v", err)
	}
	got, err := NewPostgresProfiles(s.DB()).Profiles(ctx, "d1", "d2", "missing")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(got))
	}
	if !got["d1"].SubscriptionActive || got["d1"].Vehicle == nil || got["d1"].Vehicle.Plate != "AB-123" {
		t.Fatalf("unexpected d1 profile %+v", got["d1"])
	}
	if got["d2"].SubscriptionActive {
		t.Fatal("d2 subscription must be inactive")
	}
}

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("RIDE_TEST_DSN")
	if dsn == "" {
		t.Skip("RIDE_TEST_DSN not set; skipping DB-backed store tests")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := ApplyMigrations(ctx, db, filepath.Join(repoRoot(t), "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE TABLE rides, users"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return NewPostgresStoreFromDB(db)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

func TestMemoryProfiles(t *testing.T) {
	p := NewMemoryProfiles()
	p.Put(models.Party{ID: "d1", Name: "Awa", Vehicle: &models.Vehicle{Plate: "AB-123"}, SubscriptionActive: true})
	got, err := p.Profiles(context.Background(), "d1", "d2")
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if len(got) != 1 || got["d1"].Name != "Awa" {
		t.Fatalf("unexpected profiles %+v", got)
	}
	got["d1"].Vehicle.Plate = "changed"
	again, _ := p.Profiles(context.Background(), "d1")
	if again["d1"].Vehicle.Plate != "AB-123" {
		t.Fatal("profiles must be copies")
	}
}

// captureConnector is a database/sql connector that records every Exec and
// never talks to a server.
type captureConnector struct {
	mu    sync.Mutex
	execs [][]driver.NamedValue
}

func (c *captureConnector) Connect(context.Context) (driver.Conn, error) { return &captureConn{c}, nil }
func (c *captureConnector) Driver() driver.Driver { return nil }

func (c *captureConnector) lastArgs() []driver.NamedValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.execs) == 0 {
		return nil
	}
	return c.execs[len(c.execs)-1]
}

type captureConn struct{ c *captureConnector }

func (cc *captureConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }
func (cc *captureConn) Close() error { return nil }
func (cc *captureConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }

func (cc *captureConn) ExecContext(_ context.Context, _ string, args []driver.NamedValue) (driver.Result, error) {
	cc.c.mu.Lock()
	defer cc.c.mu.Unlock()
	cc.c.execs = append(cc.c.execs, args)
	return driver.RowsAffected(1), nil
}

func TestPostgresCreateBindsEmptyArrays(t *testing.T) {
	c := &captureConnector{}
	db := sql.OpenDB(c)
	t.Cleanup(func() { db.Close() })

	r := newRide("r1", "u1", time.Now())
	if r.OfferedTo != nil {
		t.Fatal("a fresh ride must start with no offers")
	}
	if err := NewPostgresStoreFromDB(db).Create(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}

	args := c.lastArgs()
	if len(args) != 28 {
		t.Fatalf("expected 28 bound columns, got %d", len(args))
	}
	// offered_to is NOT NULL in the schema, an explicit NULL skips the default.
	if got := args[20].Value; got != "{}" {
		t.Fatalf("offered_to bound as %#v, want empty array literal", got)
	}
	if got, ok := args[17].Value.([]byte); !ok || string(got) != "[]" {
		t.Fatalf("declines bound as %#v, want []", args[17].Value)
	}
}
