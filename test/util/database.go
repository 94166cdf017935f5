// Package util provides test utilities and helper functions for database testing.
package util

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/haven-archive/haven/pkg/database"
)

var (
	// Shared config for all PostgreSQL tests in the package
	sharedPGConfig database.Config
	containerOnce  sync.Once
	containerErr   error
)

// UsePostgres reports whether PostgreSQL-backed tests were requested.
// SQLite in-memory is the default; set HAVEN_TEST_POSTGRES=1 to run the
// suite against a real PostgreSQL (testcontainer, or the server named by
// HAVEN_TEST_POSTGRES_DSN in CI).
func UsePostgres() bool {
	return os.Getenv("HAVEN_TEST_POSTGRES") != "" || os.Getenv("HAVEN_TEST_POSTGRES_DSN") != ""
}

// BasePostgresConfig returns admin credentials for the shared PostgreSQL
// instance, starting the testcontainer on first use.
func BasePostgresConfig(t *testing.T) database.Config {
	// Check if we're in CI with an external database
	if dsn := os.Getenv("HAVEN_TEST_POSTGRES_DSN"); dsn != "" {
		t.Log("Using external PostgreSQL from HAVEN_TEST_POSTGRES_DSN")
		cfg, err := parsePostgresDSN(dsn)
		require.NoError(t, err)
		return cfg
	}

	// Local dev: ensure shared container is started (once per package)
	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer for all tests")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("haven_test"),
			postgres.WithUsername("haven"),
			postgres.WithPassword("haven"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("failed to start postgres container: %w", err)
			return
		}

		host, err := pgContainer.Host(ctx)
		if err != nil {
			containerErr = fmt.Errorf("failed to get container host: %w", err)
			return
		}
		port, err := pgContainer.MappedPort(ctx, "5432/tcp")
		if err != nil {
			containerErr = fmt.Errorf("failed to get mapped port: %w", err)
			return
		}

		sharedPGConfig = database.Config{
			Driver:   database.DriverPostgres,
			Host:     host,
			Port:     port.Int(),
			User:     "haven",
			Password: "haven",
			Database: "haven_test",
			SSLMode:  "disable",
		}
		t.Logf("Shared container ready: %s", sharedPGConfig.Redacted())
	})

	require.NoError(t, containerErr, "Failed to setup shared test container")
	return sharedPGConfig
}

// ScratchPostgresConfig creates a dedicated database on the shared instance
// for one test and registers cleanup to drop it. Each test gets a fresh
// database so parallel packages never interfere.
func ScratchPostgresConfig(t *testing.T) database.Config {
	base := BasePostgresConfig(t)
	dbName := GenerateDatabaseName(t)

	admin := adminConn(t, base)
	_, err := admin.ExecContext(context.Background(), "CREATE DATABASE "+dbName)
	require.NoError(t, err)
	t.Logf("Created test database: %s", dbName)
	_ = admin.Close()

	t.Cleanup(func() {
		admin := adminConn(t, base)
		defer func() { _ = admin.Close() }()
		// FORCE terminates lingering connections from the dropped client.
		_, err := admin.ExecContext(context.Background(),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
		if err != nil {
			t.Logf("Warning: failed to drop database %s: %v", dbName, err)
		}
	})

	cfg := base
	cfg.Database = dbName
	return cfg
}

func adminConn(t *testing.T, cfg database.Config) *stdsql.DB {
	t.Helper()
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)
	db, err := stdsql.Open("pgx", dsn)
	require.NoError(t, err)
	return db
}

// GenerateDatabaseName creates a unique, PostgreSQL-safe database name for
// the test. Format: test_<sanitized_test_name>_<random_hex>
func GenerateDatabaseName(t *testing.T) string {
	testName := strings.ToLower(t.Name())
	testName = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, testName)

	// Stay clear of PostgreSQL's 63 char identifier limit
	if len(testName) > 40 {
		testName = testName[:40]
	}

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		t.Fatalf("failed to generate random bytes for database name: %v", err)
	}

	return fmt.Sprintf("test_%s_%s", testName, hex.EncodeToString(randomBytes))
}

// parsePostgresDSN converts a postgres:// URL into a database.Config.
func parsePostgresDSN(dsn string) (database.Config, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return database.Config{}, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return database.Config{}, fmt.Errorf("invalid port in postgres DSN: %w", err)
		}
	}
	password, _ := u.User.Password()
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}
	return database.Config{
		Driver:   database.DriverPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		Database: strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}
