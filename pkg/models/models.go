// Package models holds the HTTP request/response types shared between
// services and their clients.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account roles.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleUser    = "user"
)

// Task statuses.
const (
	TaskStatusOpen      = "open"
	TaskStatusCompleted = "completed"
)

// Billing cycle statuses.
const (
	CycleStatusActive = "active"
	CycleStatusClosed = "closed"
)

// RegisterRequest creates a new account with the user role.
type RegisterRequest struct {
	Fullname string `json:"fullname" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest exchanges credentials for a JWT.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token string `json:"token"`
}

// ChangeRoleRequest updates an account's role, addressed by public id or email.
type ChangeRoleRequest struct {
	Role     string `json:"role" binding:"required"`
	PublicID string `json:"public_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Account is the public view of an account.
type Account struct {
	PublicID  string    `json:"public_id"`
	Fullname  string    `json:"fullname"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTaskRequest creates a task; the assignee is picked at random.
type CreateTaskRequest struct {
	Title       string  `json:"title" binding:"required"`
	Description string  `json:"description" binding:"required"`
	JiraID      *string `json:"jira_id,omitempty"`
}

// Task is the public view of a task.
type Task struct {
	PublicID    string    `json:"public_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	JiraID      *string   `json:"jira_id,omitempty"`
	AssignedTo  string    `json:"assigned_to"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Balance reports an account's running balance and active cycle.
type Balance struct {
	AccountPublicID string          `json:"account_public_id"`
	Balance         decimal.Decimal `json:"balance"`
	CycleID         int64           `json:"billing_cycle_id"`
	CycleStart      time.Time       `json:"billing_cycle_start"`
}

// LedgerEntry is one immutable ledger record.
type LedgerEntry struct {
	PublicID        string          `json:"public_id"`
	AccountPublicID string          `json:"account_public_id"`
	BillingCycleID  int64           `json:"billing_cycle_id"`
	Debit           decimal.Decimal `json:"debit"`
	Credit          decimal.Decimal `json:"credit"`
	Type            string          `json:"type"`
	TaskPublicID    *string         `json:"task_public_id,omitempty"`
	Description     string          `json:"description"`
	CreatedAt       time.Time       `json:"created_at"`
}

// DailyStats is management's view of a day of ledger activity.
type DailyStats struct {
	Earnings decimal.Decimal `json:"earnings"`
	Postings int             `json:"postings"`
}

// AccountsStats counts accounts above and below zero for a day.
type AccountsStats struct {
	PlusAccounts  int `json:"plus_accounts"`
	MinusAccounts int `json:"minus_accounts"`
}

// MostExpensiveTask reports the priciest completed task in a window.
type MostExpensiveTask struct {
	TaskPublicID string          `json:"task_public_id"`
	Title        string          `json:"title"`
	CompleteCost decimal.Decimal `json:"complete_cost"`
}

// Error is the uniform error body.
type Error struct {
	Error string `json:"error"`
}
