package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/domain"
	"github.com/tbourn/go-newsletter-backend/internal/secret"
)

// newTestDB opens a private in-memory database per test.
func newTestDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	db, err := OpenSQLite("file:"+t.Name()+"?mode=memory&cache=shared", WithLogger(logger.Default.LogMode(logger.Silent)))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func TestOpenSQLite_ErrorOnBadPath(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "does-not-exist", "app.db")

	db, err := OpenSQLite(bad)
	if err == nil || db != nil {
		t.Fatalf("expected error opening %q, got db=%v err=%v", bad, db, err)
	}
	if !os.IsNotExist(err) {
		t.Fatalf("unexpected error opening %q: %v", bad, err)
	}
}

func TestOpenSQLite_SetsPragmas_Pool_AndAutoMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")

	db, err := OpenSQLite(path, WithLogger(logger.Default.LogMode(logger.Silent)))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	var (
		journalMode string
		fkOn        int
		busyMS      int
	)
	if err := db.Raw("PRAGMA journal_mode;").Row().Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journalMode)
	}
	if err := db.Raw("PRAGMA foreign_keys;").Row().Scan(&fkOn); err != nil || fkOn != 1 {
		t.Fatalf("expected foreign_keys=1, got %d (%v)", fkOn, err)
	}
	if err := db.Raw("PRAGMA busy_timeout;").Row().Scan(&busyMS); err != nil || busyMS != 5000 {
		t.Fatalf("expected busy_timeout=5000, got %d (%v)", busyMS, err)
	}

	if stats := sqlDB.Stats(); stats.MaxOpenConnections != 1 {
		t.Fatalf("expected MaxOpenConnections=1, got %d", stats.MaxOpenConnections)
	}

	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&domain.Subscription{}, &domain.SubscriptionToken{}, &domain.Issue{}, &domain.DeliveryTask{}, &domain.Idempotency{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
}

func TestOpen_DispatchesOnDriver(t *testing.T) {
	if _, err := Open(config.DBConfig{Driver: "oracle"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}

	db, err := Open(config.DBConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "x.db")},
		WithLogger(logger.Default.LogMode(logger.Silent)))
	if err != nil {
		t.Fatalf("open sqlite via Open: %v", err)
	}
	sqlDB, _ := db.DB()
	_ = sqlDB.Close()

	if _, err := Open(config.DBConfig{Driver: config.DriverPostgres}); err == nil {
		t.Fatalf("expected error for empty postgres dsn")
	}
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("app.db")
	if !strings.HasPrefix(got, "file:app.db?_pragma=busy_timeout(5000)") {
		t.Fatalf("unexpected dsn %q", got)
	}
	got = sqliteDSN("file:x?mode=memory&cache=shared")
	if !strings.HasPrefix(got, "file:x?mode=memory&cache=shared&_pragma=") {
		t.Fatalf("unexpected dsn %q", got)
	}
}

func TestPostgresDSN_RuntimeParams(t *testing.T) {
	cfg := config.DBConfig{
		URL:              secret.New("postgres://u:p@db:5432/news?sslmode=disable"),
		StatementTimeout: 5 * time.Second,
		IdleTxTimeout:    time.Minute,
	}
	got, err := postgresDSN(cfg)
	if err != nil {
		t.Fatalf("postgresDSN: %v", err)
	}
	for _, want := range []string{"statement_timeout=5000", "idle_in_transaction_session_timeout=60000", "sslmode=disable"} {
		if !strings.Contains(got, want) {
			t.Fatalf("dsn %q missing %q", got, want)
		}
	}

	// explicit values win
	cfg.URL = secret.New("postgres://u:p@db/news?statement_timeout=1")
	got, _ = postgresDSN(cfg)
	if !strings.Contains(got, "statement_timeout=1") || strings.Contains(got, "statement_timeout=5000") {
		t.Fatalf("explicit statement_timeout overridden: %q", got)
	}

	cfg.URL = secret.New("host=db user=u dbname=news")
	got, _ = postgresDSN(cfg)
	if got != "host=db user=u dbname=news statement_timeout=5000 idle_in_transaction_session_timeout=60000" {
		t.Fatalf("keyword dsn unexpected: %q", got)
	}

	cfg = config.DBConfig{URL: secret.New("host=db")}
	if got, _ = postgresDSN(cfg); got != "host=db" {
		t.Fatalf("dsn without timeouts should be unchanged, got %q", got)
	}
}

func TestPostgresDSN_ParseErrorDoesNotLeakPassword(t *testing.T) {
	cfg := config.DBConfig{URL: secret.New("postgres://u:sup3r@%zz/db"), StatementTimeout: time.Second}
	_, err := postgresDSN(cfg)
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if strings.Contains(err.Error(), "sup3r") {
		t.Fatalf("password leaked: %v", err)
	}
}

func TestIssuesStats(t *testing.T) {
	ctx := context.Background()

	if _, _, err := IssuesStats(ctx, newTestDB(t, false)); err == nil {
		t.Fatalf("expected error due to missing table")
	}

	db := newTestDB(t, true)
	count, latest, err := IssuesStats(ctx, db)
	if err != nil || count != 0 || latest != nil {
		t.Fatalf("expected (0, nil, nil), got (%d, %v, %v)", count, latest, err)
	}

	base := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := CreateIssue(ctx, db, "t", "<p>h</p>", "h", base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("CreateIssue: %v", err)
		}
	}
	count, latest, err = IssuesStats(ctx, db)
	if err != nil || count != 3 || latest == nil || !latest.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("unexpected stats: count=%d latest=%v err=%v", count, latest, err)
	}
}

func TestIssues_GetListCount(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t, true)

	now := time.Now().UTC()
	older, _ := CreateIssue(ctx, db, "old", "h", "t", now.Add(-time.Hour))
	newer, _ := CreateIssue(ctx, db, "new", "h", "t", now)

	got, err := GetIssue(ctx, db, older.ID)
	if err != nil || got.Title != "old" {
		t.Fatalf("GetIssue: %+v %v", got, err)
	}
	if _, err := GetIssue(ctx, db, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	n, err := CountIssues(ctx, db)
	if err != nil || n != 2 {
		t.Fatalf("CountIssues = %d, %v", n, err)
	}
	page, err := ListIssuesPage(ctx, db, 0, 1)
	if err != nil || len(page) != 1 || page[0].ID != newer.ID {
		t.Fatalf("expected newest first, got %+v %v", page, err)
	}
}
