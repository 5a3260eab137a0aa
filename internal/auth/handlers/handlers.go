// Package handlers implements the account endpoints. The auth service is
// the source of truth for accounts; every mutation is committed first and
// announced on accounts.events afterwards.
package handlers

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"taskexchange/pkg/auth"
	"taskexchange/pkg/events"
	"taskexchange/pkg/logging"
	"taskexchange/pkg/middleware"
	"taskexchange/pkg/models"
)

// EventPublisher is the slice of the Kafka producer the handlers need.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic, key string, env events.Envelope) error
}

const uniqueViolation = "23505"

var (
	db         *sql.DB
	logger     logging.Logger
	publisher  EventPublisher
	signingKey *rsa.PrivateKey
	tokenTTL   time.Duration
)

// Init initializes the handlers with their dependencies
func Init(database *sql.DB, log logging.Logger, pub EventPublisher, key *rsa.PrivateKey, ttl time.Duration) {
	db = database
	logger = log
	publisher = pub
	signingKey = key
	tokenTTL = ttl
}

// Register creates an account with the user role. Duplicate emails are a 409.
func Register(c middleware.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		logger.WithError(err).Error("Failed to hash password")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	account := models.Account{
		PublicID: uuid.NewString(),
		Fullname: req.Fullname,
		Email:    req.Email,
		Role:     models.RoleUser,
	}

	err = db.QueryRow(`
		INSERT INTO auth_accounts (public_id, fullname, email, role, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, account.PublicID, account.Fullname, account.Email, account.Role, hash).Scan(&account.CreatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		c.JSON(http.StatusConflict, middleware.H{"error": "Email already registered"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("email", req.Email).Error("Failed to create account")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	announceAccountCreated(c.Request.Context(), account)

	c.JSON(http.StatusCreated, account)
}

// Login exchanges credentials for a signed JWT.
func Login(c middleware.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}

	var publicID, role, hash string
	err := db.QueryRow(`
		SELECT public_id, role, password_hash FROM auth_accounts WHERE email = $1
	`, req.Email).Scan(&publicID, &role, &hash)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusUnauthorized, middleware.H{"error": "Invalid credentials"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to load account for login")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	if !auth.CheckPassword(req.Password, hash) {
		c.JSON(http.StatusUnauthorized, middleware.H{"error": "Invalid credentials"})
		return
	}

	token, err := auth.GenerateJWT(publicID, role, signingKey, tokenTTL)
	if err != nil {
		logger.WithError(err).Error("Failed to sign token")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, models.LoginResponse{Token: token})
}

// ChangeRole updates an account's role, addressed by public id or email.
func ChangeRole(c middleware.Context) {
	var req models.ChangeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, middleware.H{"error": err.Error()})
		return
	}
	if req.Role != models.RoleAdmin && req.Role != models.RoleManager && req.Role != models.RoleUser {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "Unknown role"})
		return
	}
	if req.PublicID == "" && req.Email == "" {
		c.JSON(http.StatusBadRequest, middleware.H{"error": "public_id or email required"})
		return
	}

	var publicID string
	err := db.QueryRow(`
		UPDATE auth_accounts
		SET role = $1, updated_at = now()
		WHERE ($2 != '' AND public_id = $2) OR ($3 != '' AND email = $3)
		RETURNING public_id
	`, req.Role, req.PublicID, req.Email).Scan(&publicID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, middleware.H{"error": "Account not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to change role")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	env, err := events.NewEnvelope(events.NameAccountUpdated, 1, "auth", events.AccountUpdatedV1{
		AccountPublicID: publicID,
		Role:            req.Role,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build AccountUpdated event")
	} else if err := publisher.PublishEvent(c.Request.Context(), events.TopicAccounts, publicID, env); err != nil {
		// The role change is committed; downstream projections catch up on
		// the next update for this account.
		logger.WithError(err).WithField("account", publicID).Error("Failed to publish AccountUpdated")
	}

	c.JSON(http.StatusOK, middleware.H{"public_id": publicID, "role": req.Role})
}

// ListAccounts returns every account.
func ListAccounts(c middleware.Context) {
	rows, err := db.Query(`
		SELECT public_id, fullname, email, role, created_at
		FROM auth_accounts
		ORDER BY id
	`)
	if err != nil {
		logger.WithError(err).Error("Failed to list accounts")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}
	defer rows.Close()

	accounts := make([]models.Account, 0)
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.PublicID, &a.Fullname, &a.Email, &a.Role, &a.CreatedAt); err != nil {
			logger.WithError(err).Error("Failed to scan account")
			c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
			return
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Failed to iterate accounts")
		c.JSON(http.StatusInternalServerError, middleware.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, accounts)
}

// EnsureAdmin creates the bootstrap admin account if it does not exist and
// announces it like any other registration.
func EnsureAdmin(ctx context.Context, email, password string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	account := models.Account{
		PublicID: uuid.NewString(),
		Fullname: "Administrator",
		Email:    email,
		Role:     models.RoleAdmin,
	}

	err = db.QueryRowContext(ctx, `
		INSERT INTO auth_accounts (public_id, fullname, email, role, password_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING
		RETURNING created_at
	`, account.PublicID, account.Fullname, account.Email, account.Role, hash).Scan(&account.CreatedAt)
	if err == sql.ErrNoRows {
		// Already bootstrapped.
		return nil
	}
	if err != nil {
		return err
	}

	logger.WithField("email", email).Info("Bootstrapped admin account")
	announceAccountCreated(ctx, account)
	return nil
}

func announceAccountCreated(ctx context.Context, account models.Account) {
	env, err := events.NewEnvelope(events.NameAccountCreated, 1, "auth", events.AccountCreatedV1{
		AccountPublicID: account.PublicID,
		Fullname:        account.Fullname,
		Email:           account.Email,
		Role:            account.Role,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build AccountCreated event")
		return
	}
	if err := publisher.PublishEvent(ctx, events.TopicAccounts, account.PublicID, env); err != nil {
		// The account row is committed; the event is lost until the next
		// change for this account. Downstream placeholder reconciliation
		// keeps projections consistent in the meantime.
		logger.WithError(err).WithField("account", account.PublicID).Error("Failed to publish AccountCreated")
	}
}
