package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/mind-engage/nmcprep/internal/db"
)

func openMem(t *testing.T) *sql.DB {
	t.Helper()
	h, err := db.Open(context.Background(), db.DriverSQLite, "file:"+uuid.NewString()+"?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestOpenCreatesSchema(t *testing.T) {
	h := openMem(t)
	for _, table := range []string{"questions", "user_sessions", "session_questions", "profiles", "users", "correction_failures", "event_log"} {
		var n int
		if err := h.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	h1, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer h1.Close()
	h2, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("second open should reuse schema: %v", err)
	}
	_ = h2.Close()
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := db.Open(context.Background(), db.Driver("oracle"), ""); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestWithTxRollsBack(t *testing.T) {
	h := openMem(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := db.WithTx(ctx, h, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (id, username, role, created_at) VALUES ($1,$2,$3,$4)`, "u1", "u1@example.com", "student", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom; got %v", err)
	}
	var n int
	if err := h.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected rollback; got %d rows", n)
	}
}

func TestPlaceholders(t *testing.T) {
	if got := db.Placeholders(3, 3); got != "$3,$4,$5" {
		t.Fatalf("expected $3,$4,$5; got %q", got)
	}
	if got := db.Placeholders(1, 0); got != "" {
		t.Fatalf("expected empty; got %q", got)
	}
}
