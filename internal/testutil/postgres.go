// Package testutil provides shared test infrastructure.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/emberchat/ember/db"
)

// StartPostgres launches a disposable PostgreSQL container, applies all
// migrations, and returns its connection string. The container is removed
// when the test finishes. Tests using it must call t.Skip under -short.
func StartPostgres(t *testing.T) string {
	t.Helper()

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("ember_test"),
		postgres.WithUsername("ember"),
		postgres.WithPassword("ember"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("starting postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("terminating postgres container: %v", err)
		}
	})

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("getting connection string: %v", err)
	}
	if err := db.Migrate(connString); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return connString
}
