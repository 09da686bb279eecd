package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CustodyLedger/internal/transfer"
	"CustodyLedger/internal/withdrawal"
)

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type transferRequestJSON struct {
	Reference    string `json:"reference"`
	FromUser     string `json:"from_user"`
	ToUser       string `json:"to_user"`
	AssetID      string `json:"asset_id"`
	Amount       string `json:"amount"`
	UseBoost     bool   `json:"use_boost"`
	GasSponsored bool   `json:"gas_sponsored"`
}

type transferReverseJSON struct {
	Reference string `json:"reference"`
}

type withdrawalRequestJSON struct {
	UserID      string `json:"user_id"`
	Chain       string `json:"chain"`
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"`
	Destination string `json:"destination"`
}

type withdrawalIDJSON struct {
	ID string `json:"id"`
}

type addressIssueJSON struct {
	UserID string `json:"user_id"`
	Chain  string `json:"chain"`
}

func parseTransferRequest(data []byte) (transfer.Request, error) {
	var j transferRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return transfer.Request{}, fmt.Errorf("parse transfer request: %w", err)
	}
	if j.Reference == "" || j.FromUser == "" || j.ToUser == "" || j.AssetID == "" {
		return transfer.Request{}, fmt.Errorf("transfer request missing required fields")
	}
	amount, err := decimal.NewFromString(j.Amount)
	if err != nil {
		return transfer.Request{}, fmt.Errorf("parse transfer amount %q: %w", j.Amount, err)
	}
	return transfer.Request{
		Reference:    j.Reference,
		FromUser:     j.FromUser,
		ToUser:       j.ToUser,
		AssetID:      j.AssetID,
		Amount:       amount,
		UseBoost:     j.UseBoost,
		GasSponsored: j.GasSponsored,
	}, nil
}

func parseTransferReverse(data []byte) (string, error) {
	var j transferReverseJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", fmt.Errorf("parse transfer reverse: %w", err)
	}
	if j.Reference == "" {
		return "", fmt.Errorf("transfer reverse missing reference")
	}
	return j.Reference, nil
}

func parseWithdrawalRequest(data []byte) (withdrawal.RequestParams, error) {
	var j withdrawalRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return withdrawal.RequestParams{}, fmt.Errorf("parse withdrawal request: %w", err)
	}
	if j.UserID == "" || j.Chain == "" || j.Symbol == "" || j.Destination == "" {
		return withdrawal.RequestParams{}, fmt.Errorf("withdrawal request missing required fields")
	}
	amount, err := decimal.NewFromString(j.Amount)
	if err != nil {
		return withdrawal.RequestParams{}, fmt.Errorf("parse withdrawal amount %q: %w", j.Amount, err)
	}
	return withdrawal.RequestParams{
		UserID:      j.UserID,
		Chain:       j.Chain,
		Symbol:      j.Symbol,
		Amount:      amount,
		Destination: j.Destination,
	}, nil
}

func parseWithdrawalID(data []byte) (uuid.UUID, error) {
	var j withdrawalIDJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return uuid.Nil, fmt.Errorf("parse withdrawal id: %w", err)
	}
	id, err := uuid.Parse(j.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse withdrawal id %q: %w", j.ID, err)
	}
	return id, nil
}

func parseAddressIssue(data []byte) (userID, chain string, err error) {
	var j addressIssueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return "", "", fmt.Errorf("parse address issue: %w", err)
	}
	if j.UserID == "" || j.Chain == "" {
		return "", "", fmt.Errorf("address issue missing required fields")
	}
	return j.UserID, j.Chain, nil
}
