package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"taskexchange/pkg/auth"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/middleware"
	"taskexchange/pkg/models"
)

var (
	db     *sql.DB
	logger logging.Logger
)

// Init initializes the handlers with database and logger
func Init(database *sql.DB, log logging.Logger) {
	db = database
	logger = log
}

// GetBalance returns the caller's balance and active cycle.
func GetBalance(c middleware.Context) {
	accountID := auth.CallerID(c)

	var resp models.Balance
	resp.AccountPublicID = accountID

	err := db.QueryRow(`
		SELECT a.balance, bc.id, bc.start_date
		FROM accounting_accounts a
		JOIN accounting_billing_cycles bc
			ON bc.account_public_id = a.public_id AND bc.status = 'active'
		WHERE a.public_id = $1
	`, accountID).Scan(&resp.Balance, &resp.CycleID, &resp.CycleStart)

	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, middleware.H{"error": "Account not found"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("account", accountID).Error("Failed to load balance")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetLedger returns the caller's ledger entries, newest first.
func GetLedger(c middleware.Context) {
	accountID := auth.CallerID(c)

	rows, err := db.Query(`
		SELECT public_id, account_public_id, billing_cycle_id, debit, credit, type, task_public_id, description, created_at
		FROM accounting_transactions
		WHERE account_public_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 200
	`, accountID)
	if err != nil {
		logger.WithError(err).WithField("account", accountID).Error("Failed to load ledger")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0)
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.PublicID, &e.AccountPublicID, &e.BillingCycleID,
			&e.Debit, &e.Credit, &e.Type, &e.TaskPublicID, &e.Description, &e.CreatedAt); err != nil {
			logger.WithError(err).Error("Failed to scan ledger entry")
			c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
			return
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Failed to iterate ledger entries")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, entries)
}

// GetTodayStats returns management's earnings for the current day: the sum
// of charges minus rewards over today's postings, settlements excluded.
func GetTodayStats(c middleware.Context) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var stats models.DailyStats
	var earnings sql.NullString
	err := db.QueryRow(`
		SELECT COALESCE(SUM(debit - credit), 0), COUNT(*)
		FROM accounting_transactions
		WHERE created_at >= $1 AND type != 'payment'
	`, dayStart).Scan(&earnings, &stats.Postings)
	if err != nil {
		logger.WithError(err).Error("Failed to compute daily stats")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	if earnings.Valid {
		if stats.Earnings, err = decimal.NewFromString(earnings.String); err != nil {
			logger.WithError(err).Error("Failed to parse earnings sum")
			c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
			return
		}
	}

	c.JSON(http.StatusOK, stats)
}
