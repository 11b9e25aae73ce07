package pg

import (
	"context"
	"database/sql"
	"fmt"
)

// AdvisoryLock is a session-level lock held on a dedicated connection.
type AdvisoryLock struct {
	conn *sql.Conn
	key  string
}

// TryAdvisoryLock attempts pg_try_advisory_lock(hashtext(key)) on a
// connection taken out of the pool. ok is false when another session holds
// the lock.
func TryAdvisoryLock(ctx context.Context, db DB, key string) (*AdvisoryLock, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("failed to try advisory lock %q: %w", key, err)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}
	return &AdvisoryLock{conn: conn, key: key}, true, nil
}

// Release unlocks and returns the connection to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key); err != nil {
		return fmt.Errorf("failed to release advisory lock %q: %w", l.key, err)
	}
	return nil
}
