// Package testhelpers starts disposable databases for integration tests.
package testhelpers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresImage is the server used by integration tests.
const PostgresImage = "postgres:16-alpine"

// PostgresDB is a running container and the DSN to reach it.
type PostgresDB struct {
	Container testcontainers.Container
	DSN       string
}

var (
	sharedPostgres     *PostgresDB
	sharedPostgresOnce sync.Once
	sharedPostgresErr  error
)

// GetPostgres returns a PostgreSQL container shared by every test in the
// package run. Tests are skipped in short mode (Docker is required).
func GetPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedPostgresOnce.Do(func() {
		sharedPostgres, sharedPostgresErr = startPostgres()
	})
	if sharedPostgresErr != nil {
		t.Fatalf("Failed to start postgres container: %v", sharedPostgresErr)
	}
	return sharedPostgres
}

func startPostgres() (*PostgresDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "snap",
			"POSTGRES_USER":     "snap",
			"POSTGRES_PASSWORD": "snap_password",
		},
		// The entrypoint restarts the server once after init.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &PostgresDB{
		Container: container,
		DSN:       fmt.Sprintf("postgres://snap:snap_password@%s:%s/snap?sslmode=disable", host, port.Port()),
	}, nil
}

// FreshSchema creates an empty schema and returns a DSN whose search_path
// points at it, so tests sharing the container do not see each other's rows.
func (p *PostgresDB) FreshSchema(t *testing.T, name string) string {
	t.Helper()
	ctx := context.Background()

	var conn *pgx.Conn
	var err error
	for i := 0; i < 10; i++ {
		if conn, err = pgx.Connect(ctx, p.DSN); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Failed to connect to postgres: %v", err)
	}
	defer conn.Close(ctx)

	ident := pgx.Identifier{name}.Sanitize()
	if _, err := conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE; CREATE SCHEMA "+ident); err != nil {
		t.Fatalf("Failed to create schema %s: %v", name, err)
	}
	return fmt.Sprintf("%s&search_path=%s", p.DSN, name)
}
