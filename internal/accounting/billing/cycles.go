// Package billing maintains the per-account billing cycles: opening one at
// account creation, and closing/settling/reopening them on the end-of-day
// trigger.
package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"taskexchange/internal/accounting/ledger"
	"taskexchange/pkg/database"
	"taskexchange/pkg/events"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/models"
)

// Manager owns billing cycle state transitions.
type Manager struct {
	db            *sql.DB
	logger        logging.Logger
	closeDuration prometheus.Histogram
}

// NewManager creates a Manager.
func NewManager(db *sql.DB, logger logging.Logger) *Manager {
	return &Manager{db: db, logger: logger}
}

// WithMetrics attaches a histogram observing the duration of close runs.
func (m *Manager) WithMetrics(closeDuration prometheus.Histogram) *Manager {
	m.closeDuration = closeDuration
	return m
}

// EnsureCycle opens an active cycle for the account unless one exists.
// Runs inside the given transaction so account creation and cycle opening
// commit together.
func EnsureCycle(ctx context.Context, tx *sql.Tx, accountPublicID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounting_billing_cycles (account_public_id, start_date, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_public_id) WHERE status = 'active' DO NOTHING
	`, accountPublicID, now, models.CycleStatusActive)
	if err != nil {
		return fmt.Errorf("ensure active cycle for %s: %w", accountPublicID, err)
	}
	return nil
}

// CloseResult summarizes one rollover run.
type CloseResult struct {
	CyclesClosed int
	Settlements  int
}

// CloseAll rolls over every account with an active cycle. Each account is
// processed in its own transaction: a failure on one account does not hold
// back the rest, and the per-account lock serializes against concurrent
// ledger postings.
func (m *Manager) CloseAll(ctx context.Context) (CloseResult, error) {
	start := time.Now()
	if m.closeDuration != nil {
		defer func() {
			m.closeDuration.Observe(time.Since(start).Seconds())
		}()
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT account_public_id FROM accounting_billing_cycles
		WHERE status = 'active'
		ORDER BY account_public_id
	`)
	if err != nil {
		return CloseResult{}, fmt.Errorf("list active cycles: %w", err)
	}
	defer rows.Close()

	accounts := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return CloseResult{}, fmt.Errorf("scan active cycle row: %w", err)
		}
		accounts = append(accounts, id)
	}
	if err := rows.Err(); err != nil {
		return CloseResult{}, fmt.Errorf("iterate active cycles: %w", err)
	}

	var result CloseResult
	var firstErr error
	for _, account := range accounts {
		settled, err := m.CloseAccount(ctx, account)
		if err != nil {
			m.logger.WithError(err).WithField("account", account).Error("Billing cycle close failed for account")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		result.CyclesClosed++
		if settled {
			result.Settlements++
		}
	}

	m.logger.WithFields(logging.Fields{
		"cycles_closed": result.CyclesClosed,
		"settlements":   result.Settlements,
		"accounts":      len(accounts),
	}).Info("Billing cycle close run finished")

	return result, firstErr
}

// CloseAccount settles and rolls over a single account's active cycle.
// Returns whether a settlement payment was posted.
func (m *Manager) CloseAccount(ctx context.Context, accountPublicID string) (bool, error) {
	settled := false
	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		var balance decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT balance FROM accounting_accounts
			WHERE public_id = $1
			FOR UPDATE
		`, accountPublicID).Scan(&balance)
		if err == sql.ErrNoRows {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lock account %s: %w", accountPublicID, err)
		}

		// Settle while the closing cycle is still active so the payment
		// entry lands in the cycle being closed.
		if balance.IsPositive() {
			_, err := ledger.ApplyInTx(ctx, tx, ledger.Posting{
				AccountPublicID: accountPublicID,
				Amount:          balance.Neg(),
				Type:            events.TransactionPayment,
				Description:     fmt.Sprintf("payment of %s at billing cycle close", balance.String()),
			}, now)
			if err != nil {
				return fmt.Errorf("settle balance: %w", err)
			}
			settled = true
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE accounting_billing_cycles
			SET status = $1, end_date = $2
			WHERE account_public_id = $3 AND status = $4
		`, models.CycleStatusClosed, now, accountPublicID, models.CycleStatusActive)
		if err != nil {
			return fmt.Errorf("close cycle: %w", err)
		}
		closed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("close cycle rows: %w", err)
		}
		if closed == 0 {
			// Lost a race with another rollover run; nothing to reopen.
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounting_billing_cycles (account_public_id, start_date, status)
			VALUES ($1, $2, $3)
		`, accountPublicID, now, models.CycleStatusActive); err != nil {
			return fmt.Errorf("open next cycle: %w", err)
		}

		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}
