package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/pg"
)

const DefaultRelayBatchSize = 500

// Producer is satisfied by KafkaProducer and *kgo.Client.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

type RelayConfig struct {
	Logger    *slog.Logger
	DB        pg.DB
	Producer  Producer
	Topic     string
	BatchSize int
}

func (cfg *RelayConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Producer == nil {
		return errors.New("producer is required")
	}
	if cfg.Topic == "" {
		return errors.New("topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayBatchSize
	}
	return nil
}

type Relay struct {
	log *slog.Logger
	cfg RelayConfig
}

func NewRelay(cfg RelayConfig) (*Relay, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Relay{log: cfg.Logger, cfg: cfg}, nil
}

type RelayStats struct {
	Published int
	Failed    int
}

// RelayOnce publishes one batch of undelivered notifications. Rows are
// marked delivered only after Kafka acknowledges them; failed rows keep
// their place and record the error.
func (r *Relay) RelayOnce(ctx context.Context) (RelayStats, error) {
	var stats RelayStats
	err := pg.InTx(ctx, r.cfg.DB, func(tx *sql.Tx) error {
		msgs, err := claim(ctx, tx, r.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}

		failures := r.publish(ctx, msgs)
		var delivered []uuid.UUID
		for _, m := range msgs {
			if cause, failed := failures[m.ID]; failed {
				stats.Failed++
				if err := markFailed(ctx, tx, m.ID, cause); err != nil {
					return err
				}
				continue
			}
			delivered = append(delivered, m.ID)
		}
		stats.Published = len(delivered)
		return markDelivered(ctx, tx, delivered)
	})
	if err != nil {
		return RelayStats{}, err
	}

	metrics.OutboxPublishedTotal.WithLabelValues("ok").Add(float64(stats.Published))
	metrics.OutboxPublishedTotal.WithLabelValues("error").Add(float64(stats.Failed))
	if stats.Published > 0 || stats.Failed > 0 {
		r.log.Info("outbox: relayed notifications", "published", stats.Published, "failed", stats.Failed, "topic", r.cfg.Topic)
	}
	return stats, nil
}

// RelayAll drains the outbox, stopping early when a batch publishes nothing.
func (r *Relay) RelayAll(ctx context.Context) (RelayStats, error) {
	var total RelayStats
	for {
		stats, err := r.RelayOnce(ctx)
		if err != nil {
			return total, err
		}
		total.Published += stats.Published
		total.Failed += stats.Failed
		if stats.Published == 0 || stats.Published+stats.Failed < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// publish produces msgs and returns the failure of every message the broker
// did not ack.
func (r *Relay) publish(ctx context.Context, msgs []Message) map[uuid.UUID]error {
	failures := make(map[uuid.UUID]error)
	ids := make(map[*kgo.Record]uuid.UUID, len(msgs))
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		rec, err := NewRecord(r.cfg.Topic, m)
		if err != nil {
			failures[m.ID] = err
			continue
		}
		ids[rec] = m.ID
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return failures
	}

	// Results arrive in completion order, not in the order produced.
	for _, res := range r.cfg.Producer.ProduceSync(ctx, recs...) {
		if res.Err == nil {
			continue
		}
		id, ok := ids[res.Record]
		if !ok {
			continue
		}
		failures[id] = res.Err
		r.log.Warn("outbox: failed to publish notification", "id", id, "error", res.Err)
	}
	return failures
}
