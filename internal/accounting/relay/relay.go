// Package relay consumes upstream domain events and keeps the accounting
// projections in sync, triggering ledger postings for task lifecycle events.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"taskexchange/internal/accounting/billing"
	"taskexchange/internal/accounting/ledger"
	"taskexchange/pkg/database"
	"taskexchange/pkg/events"
	"taskexchange/pkg/kafka"
	"taskexchange/pkg/logging"
)

// CostGenerator produces the assignment and completion costs for a task.
type CostGenerator func() (assign, complete decimal.Decimal)

// RandomCosts matches the original pricing: assignment cost in [10, 20),
// completion cost in [20, 40), whole units.
func RandomCosts() (decimal.Decimal, decimal.Decimal) {
	assign := decimal.NewFromInt(10 + rand.Int64N(10))
	complete := decimal.NewFromInt(20 + rand.Int64N(20))
	return assign, complete
}

// Relay wires event handlers to the accounting database.
type Relay struct {
	db     *sql.DB
	poster *ledger.Poster
	cycles *billing.Manager
	costs  CostGenerator
	logger logging.Logger
}

// New creates a Relay.
func New(db *sql.DB, poster *ledger.Poster, cycles *billing.Manager, logger logging.Logger) *Relay {
	return &Relay{
		db:     db,
		poster: poster,
		cycles: cycles,
		costs:  RandomCosts,
		logger: logger,
	}
}

// Register subscribes all accounting handlers on the consumer.
func (r *Relay) Register(consumer *kafka.Consumer) {
	consumer.AddHandler(events.TopicAccounts, r.HandleAccountEvent)
	consumer.AddHandler(events.TopicTasksStream, r.HandleTaskStream)
	consumer.AddHandler(events.TopicTasksLifecycle, r.HandleTaskLifecycle)
	consumer.AddHandler(events.TopicBillingCron, r.HandleBillingCron)
}

// HandleAccountEvent projects AccountCreated/AccountUpdated. Both upsert:
// an update arriving before its create leaves a placeholder row that the
// later create reconciles. Every account gets an active billing cycle.
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
		return r.upsertAccount(ctx, data.AccountPublicID, data.Fullname, data.Email, data.Role, true)

	case events.NameAccountUpdated:
		var data events.AccountUpdatedV1
		if err := env.DecodeData(&data); err != nil {
			return kafka.Permanent(err)
		}
		return r.upsertAccount(ctx, data.AccountPublicID, "", "", data.Role, false)

	default:
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown account event")
		return nil
	}
}

func (r *Relay) upsertAccount(ctx context.Context, publicID, fullname, email, role string, full bool) error {
	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		if full {
			// AccountCreated carries the whole profile and reconciles any
			// placeholder left by an out-of-order AccountUpdated.
			_, err := tx.ExecContext(ctx, `
				INSERT INTO accounting_accounts (public_id, fullname, email, role)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (public_id) DO UPDATE
				SET fullname = EXCLUDED.fullname, email = EXCLUDED.email, updated_at = $5
			`, publicID, fullname, email, role, now)
			if err != nil {
				return fmt.Errorf("upsert account %s: %w", publicID, err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO accounting_accounts (public_id, fullname, email, role)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (public_id) DO UPDATE
				SET role = EXCLUDED.role, updated_at = $5
			`, publicID, fullname, email, role, now)
			if err != nil {
				return fmt.Errorf("upsert account role %s: %w", publicID, err)
			}
		}

		return billing.EnsureCycle(ctx, tx, publicID, now)
	})
}

// HandleTaskStream projects TaskAdded (v1 and v2) and generates costs for
// tasks seen for the first time. The TaskCostsGenerated confirmation goes
// through the outbox in the same transaction as the projection insert, so
// redelivered TaskAdded events cannot produce a second pricing.
func (r *Relay) HandleTaskStream(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}
	if env.Name != events.NameTaskAdded {
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown task stream event")
		return nil
	}

	// v2 is a superset of v1; decoding v1 payloads into it leaves JiraID nil.
	var data events.TaskAddedV2
	if err := env.DecodeData(&data); err != nil {
		return kafka.Permanent(err)
	}

	assign, complete := r.costs()

	return database.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO accounting_tasks (public_id, title, description, assigned_to, assign_cost, complete_cost)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (public_id) DO NOTHING
		`, data.TaskPublicID, data.Title, data.Description, data.AssignedTo, assign, complete)
		if err != nil {
			return fmt.Errorf("insert task projection %s: %w", data.TaskPublicID, err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("task insert rows: %w", err)
		}
		if inserted == 0 {
			// Redelivery; costs were generated on first sight.
			return nil
		}

		costsEnv, err := events.NewEnvelope(events.NameTaskCostsGenerated, 1, "accounting", events.TaskCostsGeneratedV1{
			TaskPublicID: data.TaskPublicID,
			AssignCost:   assign,
			CompleteCost: complete,
		})
		if err != nil {
			return err
		}
		return ledger.InsertOutboxTx(ctx, tx, events.TopicAccountingTasks, data.TaskPublicID, costsEnv)
	})
}

// HandleTaskLifecycle applies the financial consequence of assignment and
// completion. Postings carry the envelope id, so a redelivered event is
// skipped by the ledger instead of posting twice.
// Missing task or account projections are permanent failures:
// the events that would create them are on different topics with no
// ordering guarantee, but a retry cannot help once the ledger consumer is
// ahead of the projections for good (dead-lettered for inspection).
func (r *Relay) HandleTaskLifecycle(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}

	switch env.Name {
	case events.NameTaskAssigned:
		var data events.TaskAssignedV1
		if err := env.DecodeData(&data); err != nil {
			return kafka.Permanent(err)
		}
		return r.applyTaskCharge(ctx, env.ID, data.TaskPublicID, data.AssignedTo)

	case events.NameTaskCompleted:
		var data events.TaskCompletedV1
		if err := env.DecodeData(&data); err != nil {
			return kafka.Permanent(err)
		}
		return r.applyTaskReward(ctx, env.ID, data.TaskPublicID)

	default:
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown lifecycle event")
		return nil
	}
}

func (r *Relay) applyTaskCharge(ctx context.Context, eventID, taskPublicID, assignedTo string) error {
	task, err := r.lookupTask(ctx, taskPublicID)
	if err != nil {
		return err
	}

	_, err = r.poster.Post(ctx, ledger.Posting{
		AccountPublicID: assignedTo,
		Amount:          task.assignCost.Neg(),
		Type:            events.TransactionEnrollment,
		Description:     fmt.Sprintf("enrollment for task %s", task.title),
		TaskPublicID:    &task.publicID,
		SourceEventID:   &eventID,
	})
	if err == ledger.ErrAccountNotFound || err == ledger.ErrNoActiveCycle {
		return kafka.Permanent(fmt.Errorf("charge for task %s: %w", taskPublicID, err))
	}
	return err
}

func (r *Relay) applyTaskReward(ctx context.Context, eventID, taskPublicID string) error {
	task, err := r.lookupTask(ctx, taskPublicID)
	if err != nil {
		return err
	}

	_, err = r.poster.Post(ctx, ledger.Posting{
		AccountPublicID: task.assignedTo,
		Amount:          task.completeCost,
		Type:            events.TransactionWithdrawal,
		Description:     fmt.Sprintf("withdrawal for task %s", task.title),
		TaskPublicID:    &task.publicID,
		SourceEventID:   &eventID,
	})
	if err == ledger.ErrAccountNotFound || err == ledger.ErrNoActiveCycle {
		return kafka.Permanent(fmt.Errorf("reward for task %s: %w", taskPublicID, err))
	}
	return err
}

type taskRow struct {
	publicID     string
	title        string
	assignedTo   string
	assignCost   decimal.Decimal
	completeCost decimal.Decimal
}

func (r *Relay) lookupTask(ctx context.Context, publicID string) (taskRow, error) {
	var task taskRow
	err := r.db.QueryRowContext(ctx, `
		SELECT public_id, title, assigned_to, assign_cost, complete_cost
		FROM accounting_tasks
		WHERE public_id = $1
	`, publicID).Scan(&task.publicID, &task.title, &task.assignedTo, &task.assignCost, &task.completeCost)
	if err == sql.ErrNoRows {
		return taskRow{}, kafka.Permanent(fmt.Errorf("task %s not found", publicID))
	}
	if err != nil {
		return taskRow{}, fmt.Errorf("look up task %s: %w", publicID, err)
	}
	return task, nil
}

// HandleBillingCron runs the cycle close on EndOfDayHappened.
func (r *Relay) HandleBillingCron(ctx context.Context, msg kafka.Message) error {
	env, err := events.Decode(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}
	if env.Name != events.NameEndOfDayHappened {
		r.logger.WithField("event", env.Name).Warn("Ignoring unknown cron event")
		return nil
	}

	_, err = r.cycles.CloseAll(ctx)
	return err
}
