package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

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

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestGetTodayEarnings(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery(`SELECT COALESCE\(SUM\(debit - credit\), 0\), COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow("-13.00", 3))

	router := gin.New()
	router.GET("/earnings/today", GetTodayEarnings)

	w := get(router, "/earnings/today")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats models.DailyStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Earnings.String() != "-13" {
		t.Errorf("expected earnings -13, got %s", stats.Earnings)
	}
	if stats.Postings != 3 {
		t.Errorf("expected 3 postings, got %d", stats.Postings)
	}
}

func TestGetTodayEarningsCached(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	// One query serves both requests within the cache TTL.
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(debit - credit\), 0\), COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count"}).AddRow("5.00", 1))

	router := gin.New()
	router.GET("/earnings/today", GetTodayEarnings)

	if w := get(router, "/earnings/today"); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w := get(router, "/earnings/today"); w.Code != http.StatusOK {
		t.Fatalf("second request: expected 200, got %d", w.Code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetAccountsStats(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"plus", "minus"}).AddRow(4, 9))

	router := gin.New()
	router.GET("/stats/accounts", GetAccountsStats)

	w := get(router, "/stats/accounts")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var stats models.AccountsStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.PlusAccounts != 4 || stats.MinusAccounts != 9 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestGetMostExpensiveTask(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery("SELECT x.task_public_id, t.title, x.credit").
		WillReturnRows(sqlmock.NewRows([]string{"task_public_id", "title", "credit"}).
			AddRow("task-1", "fence the perch", "38.00"))

	router := gin.New()
	router.GET("/tasks/most-expensive", GetMostExpensiveTask)

	w := get(router, "/tasks/most-expensive?from=2024-03-01&to=2024-03-07")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var task models.MostExpensiveTask
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if task.TaskPublicID != "task-1" || task.CompleteCost.String() != "38" {
		t.Errorf("unexpected task: %+v", task)
	}
}

func TestGetMostExpensiveTaskEmptyWindow(t *testing.T) {
	mock, done := setupTest(t)
	defer done()

	mock.ExpectQuery("SELECT x.task_public_id, t.title, x.credit").
		WillReturnRows(sqlmock.NewRows([]string{"task_public_id", "title", "credit"}))

	router := gin.New()
	router.GET("/tasks/most-expensive", GetMostExpensiveTask)

	w := get(router, "/tasks/most-expensive?from=2024-03-01&to=2024-03-02")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetMostExpensiveTaskRejectsBadWindow(t *testing.T) {
	_, done := setupTest(t)
	defer done()

	router := gin.New()
	router.GET("/tasks/most-expensive", GetMostExpensiveTask)

	if w := get(router, "/tasks/most-expensive?from=yesterday"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", w.Code)
	}
	if w := get(router, "/tasks/most-expensive?from=2024-03-07&to=2024-03-01"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted window, got %d", w.Code)
	}
}
