package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"dev.c0redev.ddmq/internal/capability"
	"dev.c0redev.ddmq/internal/session"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := openTest(t)
	if err := db.Ping(); err != nil {
		t.Fatal(err)
	}
	if err := migrate(db.DB); err != nil {
		t.Fatalf("migrate twice: %v", err)
	}
}

func TestRecordOpenClose(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	id := uuid.New()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	info := session.Info{
		ID:           id,
		Role:         session.RoleAcceptor,
		Name:         "quiet-river-fox",
		RemoteAddr:   "127.0.0.1:5000",
		Capabilities: capability.Set{Compression: capability.CompressionGzip, Hash: capability.HashSHA256, Encryption: capability.EncryptionNone},
		OpenedAt:     opened,
	}
	if err := db.RecordOpen(ctx, info); err != nil {
		t.Fatal(err)
	}
	open, err := db.OpenSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 1 {
		t.Fatalf("open sessions: %d", len(open))
	}
	got := open[0]
	if got.SessionID != id || got.Role != "acceptor" || got.ClientName != "quiet-river-fox" ||
		got.RemoteAddr != "127.0.0.1:5000" || got.Capabilities != info.Capabilities || !got.OpenedAt.Equal(opened) {
		t.Fatalf("row mismatch: %+v", got)
	}
	if !got.ClosedAt.IsZero() {
		t.Fatal("open row has ClosedAt")
	}

	closed := opened.Add(time.Minute)
	if err := db.RecordClose(ctx, id, closed, "peer closed"); err != nil {
		t.Fatal(err)
	}
	open, _ = db.OpenSessions(ctx)
	if len(open) != 0 {
		t.Fatalf("still open: %+v", open)
	}
	rows, err := db.SessionsByID(ctx, id)
	if err != nil || len(rows) != 1 {
		t.Fatalf("SessionsByID: %v %d", err, len(rows))
	}
	if !rows[0].ClosedAt.Equal(closed) || rows[0].CloseReason != "peer closed" {
		t.Fatalf("close not recorded: %+v", rows[0])
	}
}

func TestRecordCloseNewestOnly(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	id := uuid.New()
	info := session.Info{ID: id, Role: session.RoleInitiator, Capabilities: capability.DefaultSet(), OpenedAt: time.Now()}
	for i := 0; i < 2; i++ {
		if err := db.RecordOpen(ctx, info); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.RecordClose(ctx, id, time.Now(), "closed"); err != nil {
		t.Fatal(err)
	}
	rows, _ := db.SessionsByID(ctx, id)
	if len(rows) != 2 {
		t.Fatalf("rows: %d", len(rows))
	}
	if !rows[0].ClosedAt.IsZero() || rows[1].ClosedAt.IsZero() {
		t.Fatalf("expected only newest row closed: %+v", rows)
	}
	// unknown id is a no-op
	if err := db.RecordClose(ctx, uuid.New(), time.Now(), "x"); err != nil {
		t.Fatal(err)
	}
}

func TestSessionsLimitAndDangling(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := db.RecordOpen(ctx, session.Info{ID: uuid.New(), Role: session.RoleAcceptor, Capabilities: capability.DefaultSet()}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := db.Sessions(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID < list[2].ID {
		t.Fatalf("expected 3 newest first, got %+v", list)
	}
	if list[0].OpenedAt.IsZero() {
		t.Fatal("zero OpenedAt should default to now")
	}
	n, err := db.CloseDangling(ctx, time.Now())
	if err != nil || n != 5 {
		t.Fatalf("CloseDangling: %d %v", n, err)
	}
	open, _ := db.OpenSessions(ctx)
	if len(open) != 0 {
		t.Fatalf("open after CloseDangling: %d", len(open))
	}
}
