// Package handlers implements the reporting endpoints over the analytics
// projections. All endpoints are management-only; role checks live on the
// routes. Window queries are cached briefly since the dashboards poll.
package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"taskexchange/pkg/cache"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/middleware"
	"taskexchange/pkg/models"
)

var (
	db      *sql.DB
	logger  logging.Logger
	reports *cache.Cache
)

// Init initializes the handlers with database and logger
func Init(database *sql.DB, log logging.Logger) {
	db = database
	logger = log
	reports = cache.New(cache.Options{TTL: 15 * time.Second, MaxEntries: 256})
}

// GetTodayEarnings returns management's earnings for the current day.
func GetTodayEarnings(c middleware.Context) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	key := fmt.Sprintf("earnings:%s", dayStart.Format("2006-01-02"))
	val, err := reports.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, error) {
		return loadEarnings(ctx, dayStart)
	})
	if err != nil {
		logger.WithError(err).Error("Failed to compute earnings")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, val)
}

func loadEarnings(ctx context.Context, since time.Time) (models.DailyStats, error) {
	var stats models.DailyStats
	var earnings sql.NullString
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(debit - credit), 0), COUNT(*)
		FROM analytics_transactions
		WHERE applied_at >= $1
	`, since).Scan(&earnings, &stats.Postings)
	if err != nil {
		return stats, fmt.Errorf("sum earnings: %w", err)
	}
	if earnings.Valid {
		if stats.Earnings, err = decimal.NewFromString(earnings.String); err != nil {
			return stats, fmt.Errorf("parse earnings sum: %w", err)
		}
	}
	return stats, nil
}

// GetAccountsStats counts accounts whose net over today's postings is
// positive resp. negative.
func GetAccountsStats(c middleware.Context) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var stats models.AccountsStats
	err := db.QueryRow(`
		SELECT
			COUNT(*) FILTER (WHERE net > 0),
			COUNT(*) FILTER (WHERE net < 0)
		FROM (
			SELECT account_public_id, SUM(credit - debit) AS net
			FROM analytics_transactions
			WHERE applied_at >= $1
			GROUP BY account_public_id
		) daily
	`, dayStart).Scan(&stats.PlusAccounts, &stats.MinusAccounts)
	if err != nil {
		logger.WithError(err).Error("Failed to compute accounts stats")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetMostExpensiveTask returns the priciest completed task in the window
// given by from/to (YYYY-MM-DD, both defaulting to today, to inclusive).
func GetMostExpensiveTask(c middleware.Context) {
	from, to, err := parseWindow(c.Query("from"), c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	key := fmt.Sprintf("most-expensive:%s:%s", from.Format("2006-01-02"), to.Format("2006-01-02"))
	val, err := reports.Get(c.Request.Context(), key, func(ctx context.Context, _ string) (interface{}, error) {
		return loadMostExpensive(ctx, from, to)
	})
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, middleware.H{"error": "No completed tasks in window"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to find most expensive task")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, val)
}

func loadMostExpensive(ctx context.Context, from, to time.Time) (models.MostExpensiveTask, error) {
	// Withdrawals mark completions; the credit is the completion reward.
	var task models.MostExpensiveTask
	err := db.QueryRowContext(ctx, `
		SELECT x.task_public_id, t.title, x.credit
		FROM analytics_transactions x
		JOIN analytics_tasks t ON t.public_id = x.task_public_id
		WHERE x.type = 'withdrawal' AND x.applied_at >= $1 AND x.applied_at < $2
		ORDER BY x.credit DESC
		LIMIT 1
	`, from, to).Scan(&task.TaskPublicID, &task.Title, &task.CompleteCost)
	if err != nil {
		return task, err
	}
	return task, nil
}

func parseWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	from := today
	if fromStr != "" {
		var err error
		if from, err = time.Parse("2006-01-02", fromStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from date %q", fromStr)
		}
	}

	to := today
	if toStr != "" {
		var err error
		if to, err = time.Parse("2006-01-02", toStr); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to date %q", toStr)
		}
	}

	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("to precedes from")
	}
	return from, to.Add(24 * time.Hour), nil
}
