// Package relay projects account, task and ledger events into the
// analytics database. Projections are read-only inputs for the reporting
// endpoints; redeliveries are absorbed by upserts and the event-id dedupe
// on transactions.
package relay

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"taskexchange/pkg/events"
	"taskexchange/pkg/kafka"
	"taskexchange/pkg/logging"
)

// Relay wires event handlers to the analytics database.
type Relay struct {
	db     *sql.DB
	logger logging.Logger
}

// New creates a Relay.
func New(db *sql.DB, logger logging.Logger) *Relay {
	return &Relay{db: db, logger: logger}
}

// Register subscribes all analytics handlers on the consumer.
func (r *Relay) Register(consumer *kafka.Consumer) {
	consumer.AddHandler(events.TopicAccounts, r.HandleAccountEvent)
	consumer.AddHandler(events.TopicTasksStream, r.HandleTaskStream)
	consumer.AddHandler(events.TopicAccountingTasks, r.HandleTaskCosts)
	consumer.AddHandler(events.TopicTransactions, r.HandleTransaction)
}

// HandleAccountEvent upserts the account projection.
func (r *Relay) HandleAccountEvent(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}

	switch env.Name {
	case events.NameAccountCreated:
		var data events.AccountCreatedV1
		if err := env.DecodeData(&data); err != nil {
			return kafka.Permanent(err)
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO analytics_accounts (public_id, fullname, email, role)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (public_id) DO UPDATE
			SET fullname = EXCLUDED.fullname, email = EXCLUDED.email
		`, data.AccountPublicID, data.Fullname, data.Email, data.Role)
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
			INSERT INTO analytics_accounts (public_id, role)
			VALUES ($1, $2)
			ON CONFLICT (public_id) DO UPDATE SET role = EXCLUDED.role
		`, data.AccountPublicID, data.Role)
		if err != nil {
			return fmt.Errorf("upsert account role %s: %w", data.AccountPublicID, err)
		}
		return nil

	default:
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown account event")
		return nil
	}
}

// HandleTaskStream projects TaskAdded (v1 and v2); costs arrive later on
// the accounting.tasks topic.
func (r *Relay) HandleTaskStream(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}
	if env.Name != events.NameTaskAdded {
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown task stream event")
		return nil
	}

	var data events.TaskAddedV2
	if err := env.DecodeData(&data); err != nil {
		return kafka.Permanent(err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analytics_tasks (public_id, title, description, assigned_to)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (public_id) DO NOTHING
	`, data.TaskPublicID, data.Title, data.Description, data.AssignedTo)
	if err != nil {
		return fmt.Errorf("insert task projection %s: %w", data.TaskPublicID, err)
	}
	return nil
}

// HandleTaskCosts fills in the costs accounting generated. Costs for a
// task the projection has never seen are a permanent failure: the topics
// carry no cross-topic ordering guarantee, and a retry cannot create the
// missing TaskAdded.
func (r *Relay) HandleTaskCosts(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}
	if env.Name != events.NameTaskCostsGenerated {
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown costs event")
		return nil
	}

	var data events.TaskCostsGeneratedV1
	if err := env.DecodeData(&data); err != nil {
		return kafka.Permanent(err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE analytics_tasks SET assign_cost = $1, complete_cost = $2 WHERE public_id = $3
	`, data.AssignCost, data.CompleteCost, data.TaskPublicID)
	if err != nil {
		return fmt.Errorf("update task costs %s: %w", data.TaskPublicID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return kafka.Permanent(fmt.Errorf("costs for unknown task %s", data.TaskPublicID))
	}
	return nil
}

// HandleTransaction projects FinTransactionApplied. Settlement payments
// are excluded: the reporting endpoints measure task economics, and a
// payment only moves an already-counted balance out of the system. The
// unique event_id keeps redeliveries from double counting.
func (r *Relay) HandleTransaction(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}
	if env.Name != events.NameFinTransactionApplied {
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown transaction event")
		return nil
	}

	var data events.FinTransactionAppliedV1
	if err := env.DecodeData(&data); err != nil {
		return kafka.Permanent(err)
	}

	if data.Type == events.TransactionPayment {
		return nil
	}

	debit := decimal.Zero
	credit := decimal.Zero
	switch data.Type {
	case events.TransactionEnrollment:
		debit = data.Amount
	case events.TransactionWithdrawal:
		credit = data.Amount
	default:
		return kafka.Permanent(fmt.Errorf("unknown transaction type %q", data.Type))
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analytics_transactions
			(event_id, account_public_id, debit, credit, type, task_public_id, description, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`, env.ID, data.AccountPublicID, debit, credit, data.Type, data.TaskPublicID, data.Description, env.Time)
	if err != nil {
		return fmt.Errorf("insert transaction projection %s: %w", env.ID, err)
	}
	return nil
}
