// Package outbox stores notifications in sofia.notification_outbox and relays
// them to Kafka for the external email and WhatsApp senders.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/malbeclabs/sofia/pkg/pg"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWebhook  Channel = "webhook"
)

// namespace seeds deterministic message IDs derived from a dedup key.
var namespace = uuid.MustParse("6f1c0a52-3f4e-4d8b-9a51-0c7e2f3b5d21")

type Message struct {
	ID        uuid.UUID `json:"id"`
	Channel   Channel   `json:"channel"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

// MessageID returns the ID for a dedup key, or a random one when key is
// empty. Enqueuing twice with the same key stores one row.
func MessageID(key string) uuid.UUID {
	if key == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(namespace, []byte(key))
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     pg.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	db  pg.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, db: cfg.DB}, nil
}

// Enqueue stores m. A zero ID is replaced by a random one. It reports
// whether a new row was written.
func (s *Store) Enqueue(ctx context.Context, m Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	switch m.Channel {
	case ChannelEmail, ChannelWhatsApp, ChannelWebhook:
	default:
		return false, fmt.Errorf("unknown channel %q", m.Channel)
	}
	if m.Recipient == "" {
		return false, errors.New("recipient is required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO sofia.notification_outbox (id, channel, recipient, subject, body)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, m.ID.String(), string(m.Channel), m.Recipient, m.Subject, m.Body)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue notification: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// claim locks up to limit undelivered rows inside tx; rows locked by another
// relay are skipped.
func claim(ctx context.Context, tx *sql.Tx, limit int) ([]Message, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT id, channel, recipient, subject, body, created_at, attempts
FROM sofia.notification_outbox
WHERE delivered_at IS NULL
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim notifications: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			id, ch string
		)
		if err := rows.Scan(&id, &ch, &m.Recipient, &m.Subject, &m.Body, &m.CreatedAt, &m.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid notification id %q: %w", id, err)
		}
		m.Channel = Channel(ch)
		out = append(out, m)
	}
	return out, rows.Err()
}

func markDelivered(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := tx.ExecContext(ctx, `
UPDATE sofia.notification_outbox
SET delivered_at = NOW(), attempts = attempts + 1, last_error = NULL
WHERE id = ANY($1::uuid[])`, pq.Array(strs))
	if err != nil {
		return fmt.Errorf("failed to mark notifications delivered: %w", err)
	}
	return nil
}

func markFailed(ctx context.Context, tx *sql.Tx, id uuid.UUID, cause error) error {
	_, err := tx.ExecContext(ctx, `
UPDATE sofia.notification_outbox SET attempts = attempts + 1, last_error = $2 WHERE id = $1`,
		id.String(), cause.Error())
	if err != nil {
		return fmt.Errorf("failed to record delivery failure for %s: %w", id, err)
	}
	return nil
}

// PendingCount is the number of undelivered notifications.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sofia.notification_outbox WHERE delivered_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending notifications: %w", err)
	}
	return n, nil
}
