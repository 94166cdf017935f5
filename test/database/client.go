// Package database provides database client helpers shared by test suites.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haven-archive/haven/pkg/database"
	"github.com/haven-archive/haven/test/util"
)

// NewTestClient creates a migrated test database client.
// Default: in-memory SQLite, no external services needed.
// With HAVEN_TEST_POSTGRES set: a dedicated database on a shared PostgreSQL
// testcontainer (or the CI server from HAVEN_TEST_POSTGRES_DSN).
// The client is closed automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	cfg := database.Config{
		Driver: database.DriverSQLite,
		Path:   ":memory:",
	}
	if util.UsePostgres() {
		cfg = util.ScratchPostgresConfig(t)
	}

	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
