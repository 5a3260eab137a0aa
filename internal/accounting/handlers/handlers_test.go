package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"taskexchange/pkg/auth"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/models"
)

func setupTest(t *testing.T) (sqlmock.Sqlmock, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	Init(mockDB, logging.NewLogger())
	return mock, func() { mockDB.Close() }
}

func asCaller(accountID, role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(auth.CtxAccountPublicID, accountID)
		c.Set(auth.CtxAccountRole, role)
		c.Next()
	}
}

func TestGetBalance(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT a.balance, bc.id, bc.start_date").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "id", "start_date"}).
			AddRow("42.00", 7, start))

	router := gin.New()
	router.GET("/balance", asCaller("acc-1", models.RoleUser), GetBalance)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/balance", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp models.Balance
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccountPublicID != "acc-1" {
		t.Errorf("expected account acc-1, got %s", resp.AccountPublicID)
	}
	if resp.Balance.String() != "42" {
		t.Errorf("expected balance 42, got %s", resp.Balance)
	}
	if resp.CycleID != 7 {
		t.Errorf("expected cycle 7, got %d", resp.CycleID)
	}
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery("SELECT a.balance, bc.id, bc.start_date").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"balance", "id", "start_date"}))

	router := gin.New()
	router.GET("/balance", asCaller("ghost", models.RoleUser), GetBalance)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/balance", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetLedger(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	taskID := "task-1"
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT public_id, account_public_id, billing_cycle_id, debit, credit").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"public_id", "account_public_id", "billing_cycle_id", "debit", "credit",
			"type", "task_public_id", "description", "created_at",
		}).
			AddRow("tx-2", "acc-1", 7, "0", "25", "withdrawal", taskID, "withdrawal for task x", now).
			AddRow("tx-1", "acc-1", 7, "12", "0", "enrollment", taskID, "enrollment for task x", now.Add(-time.Hour)))

	router := gin.New()
	router.GET("/ledger", asCaller("acc-1", models.RoleUser), GetLedger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ledger", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var entries []models.LedgerEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Type != "withdrawal" || entries[0].Credit.String() != "25" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Type != "enrollment" || entries[1].Debit.String() != "12" {
		t.Errorf("unexpected second entry: %+v", entries[1])
	}
}

func TestGetLedgerEmpty(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery("SELECT public_id, account_public_id, billing_cycle_id, debit, credit").
		WithArgs("acc-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"public_id", "account_public_id", "billing_cycle_id", "debit", "credit",
			"type", "task_public_id", "description", "created_at",
		}))

	router := gin.New()
	router.GET("/ledger", asCaller("acc-1", models.RoleUser), GetLedger)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ledger", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "[]" {
		t.Errorf("expected empty array, got %s", w.Body.String())
	}
}

func TestGetTodayStats(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(debit - credit\), 0\), COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow("37.00", 5))

	router := gin.New()
	router.GET("/stats/today", asCaller("acc-adm", models.RoleAdmin), GetTodayStats)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats/today", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats models.DailyStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Earnings.String() != "37" {
		t.Errorf("expected earnings 37, got %s", stats.Earnings)
	}
	if stats.Postings != 5 {
		t.Errorf("expected 5 postings, got %d", stats.Postings)
	}
}
