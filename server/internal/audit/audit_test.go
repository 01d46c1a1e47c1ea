package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"

	"github.com/onsembl/onsembl/server/internal/db"
)

// newTestDB opens an in-memory SQLite database with the audit schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}
	if err := database.AutoMigrate(&db.AuditEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestService(t *testing.T, retention time.Duration) (*Service, context.CancelFunc) {
	t.Helper()
	svc := New(newTestDB(t), retention, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Wait()
	})
	return svc, cancel
}

// TestRedact pins the two redaction behaviours: password values are replaced
// with the literal, credential keys disappear entirely.
func TestRedact(t *testing.T) {
	t.Parallel()

	got := Redact(map[string]any{
		"password":    "p",
		"token":       "t",
		"accessToken": "at",
		"secret":      "s",
		"username":    "alice",
		"nested": map[string]any{
			"refresh_token": "rt",
			"Password":      "deep",
			"host":          "box-1",
		},
	})

	if got["password"] != Redacted {
		t.Errorf("password = %v, want %q", got["password"], Redacted)
	}
	for _, key := range []string{"token", "accessToken", "secret"} {
		if _, present := got[key]; present {
			t.Errorf("key %q should have been dropped", key)
		}
	}
	if got["username"] != "alice" {
		t.Errorf("username mangled: %v", got["username"])
	}

	nested := got["nested"].(map[string]any)
	if _, present := nested["refresh_token"]; present {
		t.Error("nested refresh_token should have been dropped")
	}
	if nested["Password"] != Redacted {
		t.Errorf("nested Password = %v, want %q (case-insensitive match)", nested["Password"], Redacted)
	}
	if nested["host"] != "box-1" {
		t.Errorf("nested host mangled: %v", nested["host"])
	}
}

// TestRecordAndQuery verifies the end-to-end path: record through the funnel,
// query back with redacted details.
func TestRecordAndQuery(t *testing.T) {
	t.Parallel()

	svc, cancel := newTestService(t, 0)

	userID := uuid.New()
	if err := svc.Record(Event{
		ID:      uuid.New(),
		Kind:    EventUserLogin,
		UserID:  &userID,
		Details: map[string]any{"password": "p", "method": "local"},
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Stop the funnel so the write is guaranteed flushed before querying.
	cancel()
	svc.Wait()

	entries, err := svc.Query(context.Background(), Filter{Kind: EventUserLogin})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	var details map[string]any
	if err := json.Unmarshal([]byte(entries[0].Details), &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details["password"] != Redacted {
		t.Errorf("stored password = %v, want %q", details["password"], Redacted)
	}
	if details["method"] != "local" {
		t.Errorf("stored method = %v, want local", details["method"])
	}
}

// TestRecordIdempotentOnID verifies that replaying an event with the same
// call-site id leaves a single row.
func TestRecordIdempotentOnID(t *testing.T) {
	t.Parallel()

	svc, cancel := newTestService(t, 0)

	id := uuid.New()
	for i := 0; i < 3; i++ {
		if err := svc.Record(Event{ID: id, Kind: EventConfigChange}); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	cancel()
	svc.Wait()

	entries, err := svc.Query(context.Background(), Filter{Kind: EventConfigChange})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (idempotent on id)", len(entries))
	}
}

// TestRecordRejectsBadEvents verifies validation of kind and id.
func TestRecordRejectsBadEvents(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(t, 0)

	if err := svc.Record(Event{ID: uuid.New(), Kind: "made-up"}); err == nil {
		t.Error("expected error for unknown kind")
	}
	if err := svc.Record(Event{Kind: EventUserLogin}); err == nil {
		t.Error("expected error for zero id")
	}
}

// TestRetentionFiltersAndSweeps verifies that expired entries vanish from
// queries and are removed by the sweep.
func TestRetentionFiltersAndSweeps(t *testing.T) {
	t.Parallel()

	database := newTestDB(t)
	svc := New(database, time.Hour, zap.NewNop())

	// Insert one fresh and one expired row directly, bypassing the funnel.
	fresh := db.AuditEntry{
		ID: uuid.New(), CreatedAt: time.Now().UTC(),
		EventKind: string(EventAgentConnect), Details: "{}",
	}
	expired := db.AuditEntry{
		ID: uuid.New(), CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		EventKind: string(EventAgentConnect), Details: "{}",
	}
	if err := database.Create(&fresh).Error; err != nil {
		t.Fatalf("insert fresh: %v", err)
	}
	if err := database.Create(&expired).Error; err != nil {
		t.Fatalf("insert expired: %v", err)
	}

	entries, err := svc.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != fresh.ID {
		t.Fatalf("query returned %d entries, want only the fresh one", len(entries))
	}

	removed, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("sweep removed %d rows, want 1", removed)
	}

	var count int64
	if err := database.Model(&db.AuditEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("%d rows remain, want 1", count)
	}
}

// TestQueryDefaultLimit verifies the 100-entry default cap.
func TestQueryDefaultLimit(t *testing.T) {
	t.Parallel()

	database := newTestDB(t)
	svc := New(database, 0, zap.NewNop())

	for i := 0; i < DefaultLimit+20; i++ {
		entry := db.AuditEntry{
			ID: uuid.New(), CreatedAt: time.Now().UTC(),
			EventKind: string(EventCommandSent), Details: "{}",
		}
		if err := database.Create(&entry).Error; err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	entries, err := svc.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != DefaultLimit {
		t.Errorf("got %d entries, want default limit %d", len(entries), DefaultLimit)
	}
}
