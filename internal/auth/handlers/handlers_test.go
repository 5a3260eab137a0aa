package handlers

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"

	"taskexchange/pkg/auth"
	"taskexchange/pkg/events"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/models"
)

type fakePublisher struct {
	published []events.Envelope
	topics    []string
	keys      []string
	err       error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, topic, key string, env events.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, env)
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, key)
	return nil
}

func setupTest(t *testing.T) (sqlmock.Sqlmock, *fakePublisher, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pub := &fakePublisher{}
	Init(mockDB, logging.NewLogger(), pub, key, time.Hour)
	return mock, pub, func() { mockDB.Close() }
}

func postJSON(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterCreatesAccountAndPublishes(t *testing.T) {
	mock, pub, done := setupTest(t)
	defer done()

	mock.ExpectQuery("INSERT INTO auth_accounts").
		WithArgs(sqlmock.AnyArg(), "Jo Doe", "jo@example.com", models.RoleUser, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))

	router := gin.New()
	router.POST("/register", Register)

	w := postJSON(t, router, "/register", models.RegisterRequest{
		Fullname: "Jo Doe",
		Email:    "jo@example.com",
		Password: "hunter2hunter2",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var account models.Account
	if err := json.Unmarshal(w.Body.Bytes(), &account); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if account.Role != models.RoleUser {
		t.Errorf("expected role user, got %s", account.Role)
	}
	if account.PublicID == "" {
		t.Error("expected a public id")
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.published))
	}
	if pub.published[0].Name != events.NameAccountCreated {
		t.Errorf("expected AccountCreated, got %s", pub.published[0].Name)
	}
	if pub.topics[0] != events.TopicAccounts {
		t.Errorf("expected topic %s, got %s", events.TopicAccounts, pub.topics[0])
	}
	if pub.keys[0] != account.PublicID {
		t.Errorf("expected key %s, got %s", account.PublicID, pub.keys[0])
	}
}

func TestRegisterDuplicateEmailConflicts(t *testing.T) {
	mock, pub, done := setupTest(t)
	defer done()

	mock.ExpectQuery("INSERT INTO auth_accounts").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	router := gin.New()
	router.POST("/register", Register)

	w := postJSON(t, router, "/register", models.RegisterRequest{
		Fullname: "Jo Doe",
		Email:    "jo@example.com",
		Password: "hunter2hunter2",
	})

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	if len(pub.published) != 0 {
		t.Errorf("expected no events for a rejected registration, got %d", len(pub.published))
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	_, _, done := setupTest(t)
	defer done()

	router := gin.New()
	router.POST("/register", Register)

	w := postJSON(t, router, "/register", models.RegisterRequest{
		Fullname: "Jo Doe",
		Email:    "jo@example.com",
		Password: "short",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestLoginIssuesValidToken(t *testing.T) {
	mock, _, done := setupTest(t)
	defer done()

	hash, err := auth.HashPassword("hunter2hunter2", 4)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	mock.ExpectQuery("SELECT public_id, role, password_hash FROM auth_accounts").
		WithArgs("jo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"public_id", "role", "password_hash"}).
			AddRow("acc-1", models.RoleManager, hash))

	router := gin.New()
	router.POST("/login", Login)

	w := postJSON(t, router, "/login", models.LoginRequest{
		Email:    "jo@example.com",
		Password: "hunter2hunter2",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp models.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	claims, err := auth.ValidateJWT(resp.Token, &signingKey.PublicKey)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.AccountPublicID != "acc-1" || claims.Role != models.RoleManager {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	mock, _, done := setupTest(t)
	defer done()

	hash, err := auth.HashPassword("hunter2hunter2", 4)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	mock.ExpectQuery("SELECT public_id, role, password_hash FROM auth_accounts").
		WithArgs("jo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"public_id", "role", "password_hash"}).
			AddRow("acc-1", models.RoleUser, hash))

	router := gin.New()
	router.POST("/login", Login)

	w := postJSON(t, router, "/login", models.LoginRequest{
		Email:    "jo@example.com",
		Password: "wrong-password",
	})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	mock, _, done := setupTest(t)
	defer done()

	mock.ExpectQuery("SELECT public_id, role, password_hash FROM auth_accounts").
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"public_id", "role", "password_hash"}))

	router := gin.New()
	router.POST("/login", Login)

	w := postJSON(t, router, "/login", models.LoginRequest{
		Email:    "ghost@example.com",
		Password: "hunter2hunter2",
	})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestChangeRolePublishesAccountUpdated(t *testing.T) {
	mock, pub, done := setupTest(t)
	defer done()

	mock.ExpectQuery("UPDATE auth_accounts").
		WithArgs(models.RoleManager, "acc-1", "").
		WillReturnRows(sqlmock.NewRows([]string{"public_id"}).AddRow("acc-1"))

	router := gin.New()
	router.POST("/change-role", ChangeRole)

	w := postJSON(t, router, "/change-role", models.ChangeRoleRequest{
		Role:     models.RoleManager,
		PublicID: "acc-1",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(pub.published))
	}
	if pub.published[0].Name != events.NameAccountUpdated {
		t.Errorf("expected AccountUpdated, got %s", pub.published[0].Name)
	}

	var data events.AccountUpdatedV1
	if err := pub.published[0].DecodeData(&data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data.AccountPublicID != "acc-1" || data.Role != models.RoleManager {
		t.Errorf("unexpected event data: %+v", data)
	}
}

func TestChangeRoleUnknownAccount(t *testing.T) {
	mock, pub, done := setupTest(t)
	defer done()

	mock.ExpectQuery("UPDATE auth_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"public_id"}))

	router := gin.New()
	router.POST("/change-role", ChangeRole)

	w := postJSON(t, router, "/change-role", models.ChangeRoleRequest{
		Role:  models.RoleManager,
		Email: "ghost@example.com",
	})

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if len(pub.published) != 0 {
		t.Errorf("expected no events, got %d", len(pub.published))
	}
}

func TestChangeRoleRejectsUnknownRole(t *testing.T) {
	_, _, done := setupTest(t)
	defer done()

	router := gin.New()
	router.POST("/change-role", ChangeRole)

	w := postJSON(t, router, "/change-role", models.ChangeRoleRequest{
		Role:     "superuser",
		PublicID: "acc-1",
	})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListAccounts(t *testing.T) {
	mock, _, done := setupTest(t)
	defer done()

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT public_id, fullname, email, role, created_at").
		WillReturnRows(sqlmock.NewRows([]string{"public_id", "fullname", "email", "role", "created_at"}).
			AddRow("acc-1", "Jo Doe", "jo@example.com", models.RoleUser, now).
			AddRow("acc-2", "Sam Roe", "sam@example.com", models.RoleManager, now))

	router := gin.New()
	router.GET("/accounts", ListAccounts)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/accounts", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var accounts []models.Account
	if err := json.Unmarshal(w.Body.Bytes(), &accounts); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}
	if accounts[1].Role != models.RoleManager {
		t.Errorf("unexpected second account: %+v", accounts[1])
	}
}

func TestEnsureAdminCreatesOnce(t *testing.T) {
	mock, pub, done := setupTest(t)
	defer done()

	mock.ExpectQuery("INSERT INTO auth_accounts").
		WithArgs(sqlmock.AnyArg(), "Administrator", "admin@taskexchange.io", models.RoleAdmin, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now().UTC()))

	if err := EnsureAdmin(context.Background(), "admin@taskexchange.io", "change-me-please"); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0].Name != events.NameAccountCreated {
		t.Fatalf("expected AccountCreated for bootstrap, got %+v", pub.published)
	}

	// Second run hits the conflict and stays quiet.
	mock.ExpectQuery("INSERT INTO auth_accounts").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))

	if err := EnsureAdmin(context.Background(), "admin@taskexchange.io", "change-me-please"); err != nil {
		t.Fatalf("EnsureAdmin rerun: %v", err)
	}
	if len(pub.published) != 1 {
		t.Errorf("expected no second event, got %d", len(pub.published))
	}
}
