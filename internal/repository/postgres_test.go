package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/lvonguyen/repsentinel/internal/config"
)

type testDB struct {
	container testcontainers.Container
	pool      *pgxpool.Pool
	connStr   string
}

var (
	sharedTestDB     *testDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// getTestDB returns a migrated PostgreSQL container shared by every test
// in the package.
func getTestDB(t *testing.T) *testDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*testDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "repsentinel",
			"POSTGRES_USER":     "repsentinel",
			"POSTGRES_PASSWORD": "test_password",
		},
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

	connStr := fmt.Sprintf("postgres://repsentinel:test_password@%s:%s/repsentinel?sslmode=disable",
		host, port.Port())

	if err := RunMigrations(connStr, zap.NewNop()); err != nil {
		return nil, err
	}
	// A second run must be a no-op.
	if err := RunMigrations(connStr, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("migrations are not idempotent: %w", err)
	}

	pool, err := NewConnection(ctx, PoolConfig{URL: connStr, MaxConnections: 5})
	if err != nil {
		return nil, err
	}

	return &testDB{container: container, pool: pool, connStr: connStr}, nil
}

func (db *testDB) truncate(t *testing.T) {
	t.Helper()
	_, err := db.pool.Exec(context.Background(), `TRUNCATE matched_threats, query_audits,
		threat_predictions, narrative_clusters, health_logs, entities`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	db := getTestDB(t)

	runStoreSuite(t, func(t *testing.T) storeHarness {
		db.truncate(t)
		s := NewPostgresStore(db.pool, zap.NewNop())
		return storeHarness{
			store: s,
			seedCluster: func(t *testing.T, c NarrativeCluster) {
				ensureID(&c.ID)
				_, err := db.pool.Exec(context.Background(),
					`INSERT INTO narrative_clusters (id, entity_name, intent, attack_surface, created_at)
					 VALUES ($1, $2, $3, $4, $5)`,
					c.ID, c.EntityName, c.Intent, c.AttackSurface, c.CreatedAt)
				if err != nil {
					t.Fatalf("failed to seed cluster: %v", err)
				}
			},
		}
	})
}

func TestOpen_MemoryWhenNoURL(t *testing.T) {
	s, err := Open(context.Background(), config.DatabaseConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open() = %T, want *MemoryStore", s)
	}
}
