// Package db opens the Postgres handle backing the analysis ledger.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as database/sql driver

	"bikefit-backend/internal/shared/telemetry"
)

// Profile names the kind of process that owns the pool.
type Profile string

const (
	ProfileServer Profile = "server"
	ProfileLambda Profile = "lambda"
	ProfileCLI    Profile = "cli"
)

// ErrNoDatabaseURL is returned when the connection string is blank.
var ErrNoDatabaseURL = errors.New("DATABASE_URL is empty")

// Pool sizes the connection pool. Zero fields mean "use the profile default".
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	PingTimeout time.Duration
}

var profiles = map[Profile]Pool{
	ProfileServer: {MaxOpen: 10, MaxIdle: 5, MaxLifetime: time.Hour, MaxIdleTime: 2 * time.Minute, PingTimeout: 5 * time.Second},
	ProfileLambda: {MaxOpen: 2, MaxIdle: 1, MaxLifetime: 15 * time.Minute, MaxIdleTime: 30 * time.Second, PingTimeout: 3 * time.Second},
	ProfileCLI:    {MaxOpen: 1, MaxIdle: 1, MaxLifetime: time.Hour, MaxIdleTime: 2 * time.Minute, PingTimeout: 5 * time.Second},
}

// PoolFor returns the defaults for p. Unknown profiles get the server pool.
func PoolFor(p Profile) Pool {
	if pool, ok := profiles[p]; ok {
		return pool
	}
	return profiles[ProfileServer]
}

// DetectProfile picks lambda when running inside AWS Lambda and server otherwise.
func DetectProfile() Profile {
	if strings.TrimSpace(os.Getenv("AWS_LAMBDA_FUNCTION_NAME")) != "" {
		return ProfileLambda
	}
	return ProfileServer
}

// With returns p with every positive field of override applied.
func (p Pool) With(override Pool) Pool {
	if override.MaxOpen > 0 {
		p.MaxOpen = override.MaxOpen
	}
	if override.MaxIdle > 0 {
		p.MaxIdle = override.MaxIdle
	}
	if override.MaxLifetime > 0 {
		p.MaxLifetime = override.MaxLifetime
	}
	if override.MaxIdleTime > 0 {
		p.MaxIdleTime = override.MaxIdleTime
	}
	if override.PingTimeout > 0 {
		p.PingTimeout = override.PingTimeout
	}
	if p.MaxIdle > p.MaxOpen && p.MaxOpen > 0 {
		p.MaxIdle = p.MaxOpen
	}
	return p
}

func (p Pool) apply(db *sql.DB) {
	p = PoolFor(ProfileServer).With(p)
	db.SetMaxOpenConns(p.MaxOpen)
	db.SetMaxIdleConns(p.MaxIdle)
	db.SetConnMaxLifetime(p.MaxLifetime)
	db.SetConnMaxIdleTime(p.MaxIdleTime)
}

var openDB = sql.Open

// Connect opens a pgx-backed *sql.DB sized by pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string, pool Pool) (*sql.DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, ErrNoDatabaseURL
	}
	handle, err := openDB("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pool.apply(handle)

	timeout := pool.PingTimeout
	if timeout <= 0 {
		timeout = PoolFor(ProfileServer).PingTimeout
	}
	if err := Ping(handle, timeout)(ctx); err != nil {
		handle.Close()
		return nil, err
	}

	stats := handle.Stats()
	telemetry.Info("db.connected", map[string]any{
		"maxOpen": stats.MaxOpenConnections,
		"open":    stats.OpenConnections,
		"idle":    stats.Idle,
	})
	return handle, nil
}

// Ping returns a health check that pings handle within timeout.
func Ping(handle *sql.DB, timeout time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := handle.PingContext(pingCtx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		return nil
	}
}

// shared holds the warm-container handle. Lambda invocations reuse it
// across requests; a failed connect leaves it empty so the next call retries.
var shared struct {
	sync.Mutex
	db *sql.DB
}

// Shared returns the process-wide handle, connecting on first use.
func Shared(ctx context.Context, databaseURL string, pool Pool) (*sql.DB, error) {
	shared.Lock()
	defer shared.Unlock()
	if shared.db != nil {
		return shared.db, nil
	}
	handle, err := Connect(ctx, databaseURL, pool)
	if err != nil {
		return nil, err
	}
	shared.db = handle
	return handle, nil
}

func resetShared() {
	shared.Lock()
	shared.db = nil
	shared.Unlock()
}
