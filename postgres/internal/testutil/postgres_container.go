// Package testutil starts a throwaway PostgreSQL container shared by the
// submodule's integration tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	pgImage    = "postgres:16"
	pgPort     = "5432/tcp"
	pgUser     = "loom"
	pgPassword = "loom"
	pgDatabase = "loom_test"
)

func dsnFor(hostport string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostport, pgDatabase)
}

// startPostgres brings up one container per test binary. The testcontainers
// reaper removes the container once the binary exits.
var startPostgres = sync.OnceValues(func() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := testcontainers.Run(
		ctx, pgImage,
		testcontainers.WithExposedPorts(pgPort),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		}),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort(pgPort),
				wait.ForLog("ready to accept connections"),
				wait.ForSQL(pgPort, "pgx", func(host string, port nat.Port) string {
					return dsnFor(host + ":" + port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
	)
	if err != nil {
		return "", err
	}

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(context.Background())
		return "", err
	}
	return dsnFor(endpoint), nil
})

// PostgresDSN returns the DSN of a running PostgreSQL instance, starting one
// container on first use.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	dsn, err := startPostgres()
	if err != nil {
		t.Fatalf("starting postgres container failed: %v", err)
	}
	return dsn
}
