// Package relay keeps the tracker's account projection in sync with
// accounts.events.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskexchange/pkg/events"
	"taskexchange/pkg/kafka"
	"taskexchange/pkg/logging"
)

// Relay projects account events into the tracker database.
type Relay struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a Relay.
func New(db *sql.DB, logger logging.Logger) *Relay {
	return &Relay{db: db, logger: logger}
}

// Register subscribes the tracker handlers on the consumer.
func (r *Relay) Register(consumer *kafka.Consumer) {
	consumer.AddHandler(events.TopicAccounts, r.HandleAccountEvent)
}

// HandleAccountEvent upserts the account projection. An AccountUpdated
// arriving before its AccountCreated leaves a placeholder row with the
// role only; the later create fills in the profile.
func (r *Relay) HandleAccountEvent(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}

	now := time.Now().UTC()

	switch env.Name {
	case events.NameAccountCreated:
		var data events.AccountCreatedV1
		if err := env.DecodeData(&data); err != nil {
			return kafka.Permanent(err)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tracker_accounts (public_id, fullname, email, role)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (public_id) DO UPDATE
			SET fullname = EXCLUDED.fullname, email = EXCLUDED.email, updated_at = $5
		`, data.AccountPublicID, data.Fullname, data.Email, data.Role, now)
		if err != nil {
			return fmt.Errorf("upsert account %s: %w", data.AccountPublicID, err)
		}
		return nil

	case events.NameAccountUpdated:
		var data events.AccountUpdatedV1
		if err := env.DecodeData(&data); err != nil {
			return kafka.Permanent(err)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO tracker_accounts (public_id, role)
			VALUES ($1, $2)
			ON CONFLICT (public_id) DO UPDATE
			SET role = EXCLUDED.role, updated_at = $3
		`, data.AccountPublicID, data.Role, now)
		if err != nil {
			return fmt.Errorf("upsert account role %s: %w", data.AccountPublicID, err)
		}
		return nil

	default:
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown account event")
		return nil
	}
}
