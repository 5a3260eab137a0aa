// Package ledger implements atomic ledger posting: one transaction adjusts
// the account balance, appends the ledger entry and records the
// confirmation event in the outbox, so either all three persist or none do.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"taskexchange/pkg/database"
	"taskexchange/pkg/events"
	"taskexchange/pkg/logging"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrNoActiveCycle   = errors.New("no active billing cycle for account")
	ErrZeroAmount      = errors.New("posting amount must be non-zero")
)

// Posting describes one ledger application.
type Posting struct {
	AccountPublicID string
	// Amount is signed: positive credits the account (balance increases),
	// negative debits it.
	Amount       decimal.Decimal
	Type         string
	Description  string
	TaskPublicID *string
	// SourceEventID is the envelope id of the event that triggered this
	// posting. Postings carrying one are applied at most once: a redelivered
	// event hits the unique index and the whole application is skipped.
	SourceEventID *string
}

// Entry is the persisted result of a posting.
type Entry struct {
	PublicID       string
	BillingCycleID int64
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	NewBalance     decimal.Decimal
	// Applied is false when the posting's source event was already in the
	// ledger and nothing was written.
	Applied bool
}

// Poster applies postings against the accounting database.
type Poster struct {
	db       *sql.DB
	logger   logging.Logger
	postings *prometheus.CounterVec
}

// NewPoster creates a Poster.
func NewPoster(db *sql.DB, logger logging.Logger) *Poster {
	return &Poster{db: db, logger: logger}
}

// WithMetrics attaches a counter incremented per posted entry, labeled by
// transaction type.
func (p *Poster) WithMetrics(postings *prometheus.CounterVec) *Poster {
	p.postings = postings
	return p
}

// Post applies one posting atomically. The account row is locked for the
// duration of the transaction, which serializes concurrent postings and
// cycle rollovers for the same account.
func (p *Poster) Post(ctx context.Context, posting Posting) (Entry, error) {
	if posting.Amount.IsZero() {
		return Entry{}, ErrZeroAmount
	}

	var entry Entry
	err := database.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		var err error
		entry, err = ApplyInTx(ctx, tx, posting, time.Now().UTC())
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	if !entry.Applied {
		p.logger.WithFields(logging.Fields{
			"account": posting.AccountPublicID,
			"type":    posting.Type,
			"event":   derefOr(posting.SourceEventID, ""),
		}).Info("Duplicate ledger event skipped")
		return entry, nil
	}

	if p.postings != nil {
		p.postings.WithLabelValues(posting.Type).Inc()
	}

	p.logger.WithFields(logging.Fields{
		"account": posting.AccountPublicID,
		"type":    posting.Type,
		"amount":  posting.Amount.String(),
		"entry":   entry.PublicID,
		"balance": entry.NewBalance.String(),
	}).Info("Ledger entry posted")

	return entry, nil
}

func derefOr(s *string, fallback string) string {
	if s != nil {
		return *s
	}
	return fallback
}

// ApplyInTx runs a posting inside an open transaction so the billing cycle
// manager can settle under the same account lock it already holds.
func ApplyInTx(ctx context.Context, tx *sql.Tx, posting Posting, now time.Time) (Entry, error) {
	var balance decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM accounting_accounts
		WHERE public_id = $1
		FOR UPDATE
	`, posting.AccountPublicID).Scan(&balance)
	if err == sql.ErrNoRows {
		return Entry{}, ErrAccountNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lock account %s: %w", posting.AccountPublicID, err)
	}

	cycle, err := activeCycle(ctx, tx, posting.AccountPublicID)
	if err != nil {
		return Entry{}, err
	}

	debit := decimal.Zero
	credit := decimal.Zero
	if posting.Amount.IsPositive() {
		credit = posting.Amount
	} else {
		debit = posting.Amount.Neg()
	}

	entry := Entry{
		PublicID:       uuid.NewString(),
		BillingCycleID: cycle.ID,
		Debit:          debit,
		Credit:         credit,
		NewBalance:     balance.Add(posting.Amount),
		Applied:        true,
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO accounting_transactions
			(public_id, account_public_id, billing_cycle_id, debit, credit, type, task_public_id, description, source_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source_event_id) DO NOTHING
	`, entry.PublicID, posting.AccountPublicID, cycle.ID, debit, credit,
		posting.Type, posting.TaskPublicID, posting.Description, posting.SourceEventID, now)
	if err != nil {
		return Entry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("ledger entry rows: %w", err)
	}
	if inserted == 0 {
		// The source event was already applied in an earlier delivery; leave
		// the balance and the outbox untouched.
		return Entry{Applied: false}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounting_accounts
		SET balance = $1, updated_at = $2
		WHERE public_id = $3
	`, entry.NewBalance, now, posting.AccountPublicID); err != nil {
		return Entry{}, fmt.Errorf("update balance: %w", err)
	}

	amount := credit
	if credit.IsZero() {
		amount = debit
	}
	env, err := events.NewEnvelope(events.NameFinTransactionApplied, 1, "accounting", events.FinTransactionAppliedV1{
		BillingCycleID:    cycle.ID,
		BillingCycleStart: cycle.Start,
		BillingCycleEnd:   cycle.End,
		AccountPublicID:   posting.AccountPublicID,
		Type:              posting.Type,
		Description:       posting.Description,
		Amount:            amount,
		TaskPublicID:      posting.TaskPublicID,
	})
	if err != nil {
		return Entry{}, err
	}

	if err := InsertOutboxTx(ctx, tx, events.TopicTransactions, posting.AccountPublicID, env); err != nil {
		return Entry{}, err
	}

	return entry, nil
}

type cycleRow struct {
	ID    int64
	Start time.Time
	End   *time.Time
}

func activeCycle(ctx context.Context, tx *sql.Tx, accountPublicID string) (cycleRow, error) {
	var cycle cycleRow
	err := tx.QueryRowContext(ctx, `
		SELECT id, start_date, end_date FROM accounting_billing_cycles
		WHERE account_public_id = $1 AND status = 'active'
	`, accountPublicID).Scan(&cycle.ID, &cycle.Start, &cycle.End)
	if err == sql.ErrNoRows {
		return cycleRow{}, ErrNoActiveCycle
	}
	if err != nil {
		return cycleRow{}, fmt.Errorf("look up active cycle for %s: %w", accountPublicID, err)
	}
	return cycle, nil
}

// InsertOutboxTx records an envelope for at-least-once publication by the
// outbox relay, inside the caller's transaction.
func InsertOutboxTx(ctx context.Context, tx *sql.Tx, topic, key string, env events.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal outbox envelope: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accounting_outbox (topic, key, payload) VALUES ($1, $2, $3)
	`, topic, key, payload); err != nil {
		return fmt.Errorf("insert outbox row: %w", err)
	}
	return nil
}
