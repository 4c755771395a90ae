package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDSN_URLForm(t *testing.T) {
	dsn, err := Config{
		URL:              "postgres://settlement:pw@db:5432/settlement?sslmode=disable",
		StatementTimeout: 30 * time.Second,
	}.dsn()
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "disable", u.Query().Get("sslmode"))
	assert.Equal(t, "-c statement_timeout=30000", u.Query().Get("options"))
}

func TestConfigDSN_KeepsExistingOptions(t *testing.T) {
	dsn, err := Config{
		URL:              "postgresql://db/settlement?options=-c%20search_path%3Dpay",
		StatementTimeout: 1500 * time.Millisecond,
	}.dsn()
	require.NoError(t, err)

	u, err := url.Parse(dsn)
	require.NoError(t, err)
	assert.Equal(t, "-c search_path=pay -c statement_timeout=1500", u.Query().Get("options"))
}

func TestConfigDSN_KeyValueForm(t *testing.T) {
	dsn, err := Config{URL: "host=db dbname=settlement", StatementTimeout: 2 * time.Second}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "host=db dbname=settlement options='-c statement_timeout=2000'", dsn)
}

func TestConfigDSN_Rejects(t *testing.T) {
	_, err := Config{}.dsn()
	assert.ErrorContains(t, err, "database url is empty")

	_, err = Config{URL: "postgres://db/x", StatementTimeout: -time.Second}.dsn()
	assert.ErrorContains(t, err, "statement timeout")

	_, err = Config{URL: "postgres://db/x", StatementTimeout: 2 * time.Hour}.dsn()
	assert.ErrorContains(t, err, "statement timeout")

	dsn, err := Config{URL: "postgres://db/x"}.dsn()
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/x", dsn)
}

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func checksumOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestLoadMigrations(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"002_escrows.up.sql":    "CREATE TABLE escrows (id UUID);",
		"001_payments.up.sql":   "CREATE TABLE payments (id UUID);",
		"001_payments.down.sql": "DROP TABLE payments;",
	})

	got, err := loadMigrations(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "001_payments.up.sql", got[0].version)
	assert.Equal(t, "002_escrows.up.sql", got[1].version)
	assert.Equal(t, checksumOf("CREATE TABLE payments (id UUID);"), got[0].checksum)
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	_, err := loadMigrations(t.TempDir())
	assert.ErrorContains(t, err, "no migrations found")
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return &DB{sqlDB}, mock
}

func expectMigrationPreamble(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_lock($1)")).
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestRunMigrations_AppliesOnlyPending(t *testing.T) {
	first := "CREATE TABLE payments (id UUID);"
	second := "CREATE TABLE escrows (id UUID);"
	dir := writeMigrations(t, map[string]string{
		"001_payments.up.sql": first,
		"002_escrows.up.sql":  second,
	})
	db, mock := newMockDB(t)

	expectMigrationPreamble(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).
			AddRow("001_payments.up.sql", checksumOf(first)))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '10s'")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(second)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)")).
		WithArgs("002_escrows.up.sql", checksumOf(second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectUnlock(mock)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, db.RunMigrations(context.Background(), dir, logger))
}

func TestRunMigrations_ChangedMigrationFails(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_payments.up.sql": "CREATE TABLE payments (id UUID, note TEXT);",
	})
	db, mock := newMockDB(t)

	expectMigrationPreamble(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, checksum FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).
			AddRow("001_payments.up.sql", checksumOf("CREATE TABLE payments (id UUID);")))
	expectUnlock(mock)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	err := db.RunMigrations(context.Background(), dir, logger)
	assert.ErrorContains(t, err, "001_payments.up.sql changed after it was applied")
}
