// Package outbox drains committed event envelopes to Kafka. Rows are
// written in the same transaction as the state they describe; the relay
// publishes them at least once, so consumers dedupe on envelope id.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskexchange/pkg/database"
	"taskexchange/pkg/logging"
)

// Producer publishes raw messages.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Relay polls the outbox table and publishes pending rows.
type Relay struct {
	db       *sql.DB
	producer Producer
	logger   logging.Logger
	interval time.Duration
	batch    int
}

// NewRelay creates a Relay polling at the given interval.
func NewRelay(db *sql.DB, producer Producer, interval time.Duration, logger logging.Logger) *Relay {
	return &Relay{
		db:       db,
		producer: producer,
		logger:   logger,
		interval: interval,
		batch:    100,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.PublishPending(ctx); err != nil {
				r.logger.WithError(err).Error("Outbox publish pass failed")
			}
		}
	}
}

// PublishPending publishes one batch of unpublished rows and marks them.
// SKIP LOCKED lets multiple relay instances drain the table without
// publishing the same row concurrently; a crash between produce and mark
// republishes the row, which consumers tolerate.
func (r *Relay) PublishPending(ctx context.Context) (int, error) {
	published := 0
	err := database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, topic, key, payload FROM accounting_outbox
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, r.batch)
		if err != nil {
			return fmt.Errorf("select pending outbox rows: %w", err)
		}
		defer rows.Close()

		type pending struct {
			id      int64
			topic   string
			key     string
			payload []byte
		}
		batch := make([]pending, 0, r.batch)
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.id, &p.topic, &p.key, &p.payload); err != nil {
				return fmt.Errorf("scan outbox row: %w", err)
			}
			batch = append(batch, p)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox rows: %w", err)
		}

		now := time.Now().UTC()
		for _, p := range batch {
			if err := r.producer.ProduceMessage(ctx, p.topic, []byte(p.key), p.payload, nil); err != nil {
				return fmt.Errorf("publish outbox row %d: %w", p.id, err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE accounting_outbox SET published_at = $1 WHERE id = $2
			`, now, p.id); err != nil {
				return fmt.Errorf("mark outbox row %d: %w", p.id, err)
			}
			published++
		}

		return nil
	})
	if err != nil {
		return published, err
	}

	if published > 0 {
		r.logger.WithField("published", published).Debug("Outbox rows published")
	}
	return published, nil
}
