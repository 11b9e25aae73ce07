package pgtesting

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/sofia/migrations"
	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/country/seed"
	"github.com/malbeclabs/sofia/pkg/pg"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
	// SkipSeed leaves the countries and aliases tables empty.
	SkipSeed bool
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "testdb"
	}
	if cfg.Username == "" {
		cfg.Username = "testuser"
	}
	if cfg.Password == "" {
		cfg.Password = "testpass"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

type DB struct {
	*sql.DB
	Config    config.Postgres
	container *postgres.PostgresContainer
}

func NewDefaultDB(t testing.TB) *DB {
	return NewDB(t, nil)
}

// NewDB starts a Postgres container, applies migrations and seeds the
// country tables. Tests using it are skipped in -short mode.
func NewDB(t testing.TB, cfg *DBConfig) *DB {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := t.Context()

	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate DB config: %v", err)
	}

	var container *postgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = postgres.Run(ctx, cfg.ContainerImage,
			postgres.WithDatabase(cfg.Database),
			postgres.WithUsername(cfg.Username),
			postgres.WithPassword(cfg.Password),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			require.NoError(t, err)
		}
		break
	}
	if container == nil {
		t.Fatalf("failed to start postgres container after retries: %v", lastErr)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	pgCfg := config.Postgres{
		Host:     host,
		Port:     strconv.Itoa(portNum),
		User:     cfg.Username,
		Password: cfg.Password,
		Database: cfg.Database,
		SSLMode:  "disable",
	}

	log := slog.New(slog.DiscardHandler)
	db, err := pg.Open(ctx, log, pgCfg, pg.Options{MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, pg.RunMigrations(ctx, log, db, migrations.FS))
	if !cfg.SkipSeed {
		_, err := seed.Apply(ctx, db)
		require.NoError(t, err)
	}

	return &DB{DB: db, Config: pgCfg, container: container}
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded")
}
