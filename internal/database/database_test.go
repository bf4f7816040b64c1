package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexure-intelligence/studio-payments/internal/config"
	"github.com/lexure-intelligence/studio-payments/internal/models"
)

func TestParseSQLStatements(t *testing.T) {
	content := `-- tables
CREATE TABLE a (id INT);
CREATE TABLE b (
    id INT
);

CREATE OR REPLACE FUNCTION touch() RETURNS TRIGGER AS $$
BEGIN
    NEW.updated_at = NOW();
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

CREATE INDEX idx_a ON a (id);`

	statements := parseSQLStatements(content)
	require.Len(t, statements, 4)
	assert.Contains(t, statements[0], "CREATE TABLE a")
	assert.Contains(t, statements[1], "CREATE TABLE b")
	assert.Contains(t, statements[2], "RETURN NEW;")
	assert.Contains(t, statements[2], "LANGUAGE plpgsql")
	assert.Contains(t, statements[3], "CREATE INDEX idx_a")
}

func TestParseSQLStatements_TrailingStatementWithoutSemicolon(t *testing.T) {
	statements := parseSQLStatements("SELECT 1;\nSELECT 2")
	require.Len(t, statements, 2)
	assert.Contains(t, statements[1], "SELECT 2")
}

func TestRunMigrations_AppliesOnce(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000001_items.up.sql"),
		[]byte("CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT);\nINSERT INTO items (name) VALUES ('first');\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "000002_more.up.sql"),
		[]byte("INSERT INTO items (name) VALUES ('second');\n"), 0o600))

	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "test.db")}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, RunMigrations(db, dir))
	require.NoError(t, RunMigrations(db, dir))

	var count int64
	require.NoError(t, db.Table("items").Count(&count).Error)
	assert.Equal(t, int64(2), count)

	status, err := GetMigrationStatus(db)
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, "000001_items", status[0].Version)
	assert.Equal(t, "000002_more", status[1].Version)
}

func TestAutoMigrate_CreatesTables(t *testing.T) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "auto.db")}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, AutoMigrate(db))
	for _, table := range []string{"payment_transactions", "webhook_logs", "tenant_settings", "students", "message_dispatches"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasColumn(&models.PaymentTransaction{}, "external_reference"))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
