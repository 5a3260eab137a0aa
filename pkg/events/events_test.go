package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := AccountCreatedV1{
		AccountPublicID: "acc-1",
		Fullname:        "Jo Doe",
		Email:           "jo@example.com",
		Role:            "user",
	}

	env, err := NewEnvelope(NameAccountCreated, 1, "auth", payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.ID == "" {
		t.Fatal("expected generated envelope id")
	}
	if env.Name != NameAccountCreated || env.Version != 1 || env.Producer != "auth" {
		t.Fatalf("unexpected envelope header: %+v", env)
	}

	var decoded AccountCreatedV1
	if err := env.DecodeData(&decoded); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if decoded != payload {
		t.Fatalf("payload mismatch: %+v", decoded)
	}
}

func TestDecodeRejectsMissingName(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"x","version":1}`)); err == nil {
		t.Fatal("expected error for envelope without name")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}

func TestTaskAddedVersions(t *testing.T) {
	jira := "TEX-42"
	env, err := NewEnvelope(NameTaskAdded, 2, "tasktracker", TaskAddedV2{
		Title:        "fence the perch",
		Description:  "paint it too",
		TaskPublicID: "task-1",
		AssignedTo:   "acc-1",
		JiraID:       &jira,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	// A v1 consumer must still be able to read the common fields.
	var v1 TaskAddedV1
	if err := env.DecodeData(&v1); err != nil {
		t.Fatalf("DecodeData as v1: %v", err)
	}
	if v1.TaskPublicID != "task-1" || v1.AssignedTo != "acc-1" {
		t.Fatalf("unexpected v1 view: %+v", v1)
	}
}

func TestFinTransactionAppliedDecimalSurvivesJSON(t *testing.T) {
	end := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	env, err := NewEnvelope(NameFinTransactionApplied, 1, "accounting", FinTransactionAppliedV1{
		BillingCycleID:    7,
		BillingCycleStart: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		BillingCycleEnd:   &end,
		AccountPublicID:   "acc-1",
		Type:              TransactionWithdrawal,
		Description:       "withdrawal for task fence the perch",
		Amount:            decimal.RequireFromString("25.50"),
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var decoded FinTransactionAppliedV1
	if err := env.DecodeData(&decoded); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if !decoded.Amount.Equal(decimal.RequireFromString("25.50")) {
		t.Fatalf("amount lost precision: %s", decoded.Amount)
	}
	if decoded.BillingCycleEnd == nil || !decoded.BillingCycleEnd.Equal(end) {
		t.Fatalf("cycle end mismatch: %v", decoded.BillingCycleEnd)
	}
}
