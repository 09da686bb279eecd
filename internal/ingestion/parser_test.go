package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"CustodyLedger/internal/ledger"
)

// ============================================================================
// Test: command parsing
// ============================================================================

func TestParseTransferRequest(t *testing.T) {
	data := []byte(`{
		"reference": "order:123",
		"from_user": "alice",
		"to_user": "bob",
		"asset_id": "BSC:USDT",
		"amount": "100.5",
		"use_boost": true
	}`)

	req, err := parseTransferRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Reference != "order:123" || req.FromUser != "alice" || req.ToUser != "bob" {
		t.Errorf("unexpected parties: %+v", req)
	}
	if req.Amount.String() != "100.5" {
		t.Errorf("amount = %s, want 100.5", req.Amount)
	}
	if !req.UseBoost || req.GasSponsored {
		t.Errorf("flags = boost %v sponsored %v", req.UseBoost, req.GasSponsored)
	}
}

func TestParseTransferRequest_Invalid(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{`},
		{"missing reference", `{"from_user":"a","to_user":"b","asset_id":"x","amount":"1"}`},
		{"bad amount", `{"reference":"r","from_user":"a","to_user":"b","asset_id":"x","amount":"lots"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseTransferRequest([]byte(tc.data)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestParseWithdrawalRequest(t *testing.T) {
	data := []byte(`{
		"user_id": "alice",
		"chain": "BSC",
		"symbol": "USDT",
		"amount": "25",
		"destination": "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	}`)

	p, err := parseWithdrawalRequest(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.UserID != "alice" || p.Chain != "BSC" || p.Symbol != "USDT" {
		t.Errorf("unexpected fields: %+v", p)
	}
	if p.Amount.String() != "25" {
		t.Errorf("amount = %s, want 25", p.Amount)
	}
}

func TestParseWithdrawalID(t *testing.T) {
	id := uuid.New()
	got, err := parseWithdrawalID([]byte(`{"id":"` + id.String() + `"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != id {
		t.Errorf("id = %s, want %s", got, id)
	}

	if _, err := parseWithdrawalID([]byte(`{"id":"not-a-uuid"}`)); err == nil {
		t.Error("expected error for malformed uuid")
	}
}

func TestParseAddressIssue(t *testing.T) {
	userID, chain, err := parseAddressIssue([]byte(`{"user_id":"carol","chain":"BSC"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if userID != "carol" || chain != "BSC" {
		t.Errorf("got (%s, %s)", userID, chain)
	}

	if _, _, err := parseAddressIssue([]byte(`{"user_id":"carol"}`)); err == nil {
		t.Error("expected error for missing chain")
	}
}

// ============================================================================
// Test: redelivery classification
// ============================================================================

func TestPermanent(t *testing.T) {
	if !permanent(errMalformed) {
		t.Error("malformed commands must not be redelivered")
	}
	if !permanent(fmt.Errorf("%w: detail", ledger.ErrInsufficientBalance)) {
		t.Error("insufficient balance is a final answer")
	}
	if permanent(context.DeadlineExceeded) {
		t.Error("transient failures must be redelivered")
	}
	if permanent(errors.New("connection reset")) {
		t.Error("unknown failures must be redelivered")
	}
}
