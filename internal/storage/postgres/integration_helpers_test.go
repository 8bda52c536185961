package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

func openPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	truncateAllTablesForIntegrationTest(t, store)

	return store
}

// openRawPostgresStoreForIntegrationTest пробует DSN из окружения, затем поднимает контейнер.
func openRawPostgresStoreForIntegrationTest(t *testing.T) *Store {
	t.Helper()

	var openErrs []string
	for _, dsn := range []string{
		strings.TrimSpace(os.Getenv("ORDERFLOW_POSTGRES_TEST_DSN")),
		strings.TrimSpace(os.Getenv("ORDERFLOW_POSTGRES_DSN")),
	} {
		if dsn == "" {
			continue
		}
		store, err := openWithCleanup(t, dsn)
		if err == nil {
			return store
		}
		openErrs = append(openErrs, fmt.Sprintf("%s: %v", dsn, err))
	}

	if testing.Short() {
		t.Skipf("postgres is not available in short mode: %s", strings.Join(openErrs, " | "))
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		containerDSN, containerErr = startPostgresContainer()
	})
	if containerErr != nil {
		t.Skipf("postgres container is not available: %v", containerErr)
	}

	store, err := openWithCleanup(t, containerDSN)
	if err != nil {
		t.Fatalf("open container postgres: %v", err)
	}
	return store
}

func startPostgresContainer() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orderflow"),
		tcpostgres.WithUsername("orderflow"),
		tcpostgres.WithPassword("orderflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		return "", err
	}
	return container.ConnectionString(ctx, "sslmode=disable")
}

func openWithCleanup(t *testing.T, dsn string) (*Store, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, nil
}

func truncateAllTablesForIntegrationTest(t *testing.T, store *Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx, `
		TRUNCATE TABLE
			workflow_executions,
			receipts,
			orders
	`)
	if err != nil {
		t.Fatalf("truncate integration tables: %v", err)
	}
}
