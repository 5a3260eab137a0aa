// Package events defines the versioned event contracts exchanged between
// services. Every message on the wire is an Envelope whose Data field holds
// one of the payload types below, serialized as JSON.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kafka topics.
const (
	TopicAccounts        = "accounts.events"
	TopicTasksStream     = "tasks.stream"
	TopicTasksLifecycle  = "tasks.lifecycle"
	TopicAccountingTasks = "accounting.tasks"
	TopicTransactions    = "transactions.events"
	TopicBillingCron     = "billing.cron"
	TopicDeadLetter      = "events.dlq"
)

// Event names.
const (
	NameAccountCreated        = "AccountCreated"
	NameAccountUpdated        = "AccountUpdated"
	NameTaskAdded             = "TaskAdded"
	NameTaskAssigned          = "TaskAssigned"
	NameTaskCompleted         = "TaskCompleted"
	NameTaskCostsGenerated    = "TaskCostsGenerated"
	NameFinTransactionApplied = "FinTransactionApplied"
	NameEndOfDayHappened      = "EndOfDayHappened"
)

// Transaction types carried by FinTransactionApplied. An enrollment charges
// the assignee when a task is assigned (debit), a withdrawal rewards the
// assignee when a task is completed (credit), a payment settles a positive
// balance at cycle close (debit).
const (
	TransactionEnrollment = "enrollment"
	TransactionWithdrawal = "withdrawal"
	TransactionPayment    = "payment"
)

// Envelope is the wire format shared by all events.
type Envelope struct {
	ID       string          `json:"id"`
	Time     time.Time       `json:"time"`
	Name     string          `json:"name"`
	Version  int             `json:"version"`
	Producer string          `json:"producer"`
	Data     json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an Envelope with a fresh id.
func NewEnvelope(name string, version int, producer string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s v%d payload: %w", name, version, err)
	}
	return Envelope{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC(),
		Name:     name,
		Version:  version,
		Producer: producer,
		Data:     data,
	}, nil
}

// Decode parses an envelope from raw bytes.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode event envelope: %w", err)
	}
	if env.Name == "" {
		return Envelope{}, fmt.Errorf("decode event envelope: missing name")
	}
	return env, nil
}

// DecodeData parses the envelope payload into dst.
func (e Envelope) DecodeData(dst interface{}) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s v%d data: %w", e.Name, e.Version, err)
	}
	return nil
}

// AccountCreatedV1 announces a freshly registered account.
type AccountCreatedV1 struct {
	AccountPublicID string `json:"account_public_id"`
	Fullname        string `json:"fullname"`
	Email           string `json:"email"`
	Role            string `json:"role"`
}

// AccountUpdatedV1 announces a role change.
type AccountUpdatedV1 struct {
	AccountPublicID string `json:"account_public_id"`
	Role            string `json:"role"`
}

// TaskAddedV1 announces a new task.
type TaskAddedV1 struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	TaskPublicID string `json:"task_public_id"`
	AssignedTo   string `json:"assigned_to"`
}

// TaskAddedV2 additionally carries the external tracker reference.
type TaskAddedV2 struct {
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	TaskPublicID string  `json:"task_public_id"`
	AssignedTo   string  `json:"assigned_to"`
	JiraID       *string `json:"jira_id,omitempty"`
}

// TaskAssignedV1 announces that a task changed assignee.
type TaskAssignedV1 struct {
	TaskPublicID string `json:"task_public_id"`
	AssignedTo   string `json:"assigned_to"`
}

// TaskCompletedV1 announces that a task was closed by its assignee.
type TaskCompletedV1 struct {
	TaskPublicID string `json:"task_public_id"`
}

// TaskCostsGeneratedV1 carries the costs accounting assigned to a task.
type TaskCostsGeneratedV1 struct {
	TaskPublicID string          `json:"task_public_id"`
	AssignCost   decimal.Decimal `json:"assign_cost"`
	CompleteCost decimal.Decimal `json:"complete_cost"`
}

// FinTransactionAppliedV1 confirms a committed ledger posting.
type FinTransactionAppliedV1 struct {
	BillingCycleID    int64           `json:"billing_cycle_id"`
	BillingCycleStart time.Time       `json:"billing_cycle_start"`
	BillingCycleEnd   *time.Time      `json:"billing_cycle_end,omitempty"`
	AccountPublicID   string          `json:"account_public_id"`
	Type              string          `json:"type"`
	Description       string          `json:"description"`
	Amount            decimal.Decimal `json:"amount"`
	TaskPublicID      *string         `json:"task_public_id,omitempty"`
}

// EndOfDayHappenedV1 is the daily billing trigger. It has no payload.
type EndOfDayHappenedV1 struct{}
