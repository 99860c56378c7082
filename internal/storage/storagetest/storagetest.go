// Package storagetest opens throwaway databases for package tests
package storagetest

import (
	"io"
	"testing"

	"github.com/liamashdown/claimwatch/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// QuietLogger returns a logger that discards output
func QuietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// New returns a migrated in-memory SQLite database closed at test cleanup
func New(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.OpenSQLite(":memory:", QuietLogger())
	require.NoError(t, err, "Failed to create test database")
	require.NoError(t, db.AutoMigrate(), "Failed to migrate schema")

	t.Cleanup(func() { _ = db.Close() })
	return db
}
