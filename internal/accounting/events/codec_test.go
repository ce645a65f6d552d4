package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func samplePayload(t *testing.T) Payload {
	t.Helper()
	branch := int64(4)
	docID := int64(991)
	actor := int64(12)
	payload, err := ForDocument(CodeGoodsReceived, DocumentAttributes{
		CompanyID:      2,
		BranchID:       &branch,
		DocumentType:   "goods_receipt",
		DocumentID:     &docID,
		DocumentNumber: "GRN-0001",
		CurrencyCode:   "USD",
		ExchangeRate:   decimal.RequireFromString("15500.25"),
		OccurredAt:     time.Date(2025, 5, 6, 7, 8, 9, 123000000, time.UTC),
		ActorID:        &actor,
		Meta:           map[string]any{"source": "grn"},
	}).
		Debit("inventory", decimal.RequireFromString("120.25"), map[string]any{"product": "SKU-1"}).
		Credit("grni", decimal.RequireFromString("120.25")).
		Build()
	require.NoError(t, err)
	return payload
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	original := samplePayload(t)
	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, original.Code, decoded.Code)
	require.Equal(t, original.CompanyID, decoded.CompanyID)
	require.Equal(t, *original.BranchID, *decoded.BranchID)
	require.Equal(t, original.DocumentType, decoded.DocumentType)
	require.Equal(t, *original.DocumentID, *decoded.DocumentID)
	require.Equal(t, original.DocumentNumber, decoded.DocumentNumber)
	require.Equal(t, original.CurrencyCode, decoded.CurrencyCode)
	require.True(t, original.ExchangeRate.Equal(decoded.ExchangeRate))
	require.True(t, original.OccurredAt.Equal(decoded.OccurredAt))
	require.Equal(t, *original.ActorID, *decoded.ActorID)
	require.Equal(t, "grn", decoded.Meta["source"])

	require.Len(t, decoded.Lines, 2)
	for i := range original.Lines {
		require.Equal(t, original.Lines[i].Role, decoded.Lines[i].Role)
		require.Equal(t, original.Lines[i].Direction, decoded.Lines[i].Direction)
		require.Equal(t, original.Lines[i].Amount.String(), decoded.Lines[i].Amount.String())
	}
	require.Equal(t, "SKU-1", decoded.Lines[0].Meta["product"])

	again, err := Encode(decoded)
	require.NoError(t, err)
	require.JSONEq(t, string(data), string(again))
}

func TestDecodeRestoresNumericMeta(t *testing.T) {
	original := samplePayload(t)
	original.Meta = map[string]any{
		"po_id":  int64(77),
		"weight": 2.5,
		"tags":   []any{int64(1), "x"},
		"nested": map[string]any{"grn_id": int64(9)},
	}
	original.Lines[0].Meta = map[string]any{MetaAccountID: int64(1400)}
	data, err := Encode(original)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, int64(77), decoded.Meta["po_id"])
	require.Equal(t, 2.5, decoded.Meta["weight"])
	require.Equal(t, []any{int64(1), "x"}, decoded.Meta["tags"])
	require.Equal(t, map[string]any{"grn_id": int64(9)}, decoded.Meta["nested"])
	require.Equal(t, int64(1400), decoded.Lines[0].Meta[MetaAccountID])

	accountID, ok := decoded.Lines[0].AccountOverride()
	require.True(t, ok)
	require.Equal(t, int64(1400), accountID)
}

func TestEncodeUsesFixedPointAmounts(t *testing.T) {
	data, err := Encode(samplePayload(t))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	lines := raw["lines"].([]any)
	require.Equal(t, "120.250000", lines[0].(map[string]any)["amount"])
	totals := raw["totals"].(map[string]any)
	require.Equal(t, "120.250000", totals["debit"])
	require.Equal(t, "120.250000", totals["credit"])
	require.Equal(t, "2025-05-06T07:08:09.123Z", raw["occurred_at"])
}

func TestEncodeNullsAbsentOptionalFields(t *testing.T) {
	payload, err := ForDocument(CodeSalesPayment, DocumentAttributes{CompanyID: 1, CurrencyCode: "IDR", DocumentType: "payment"}).
		Debit("cash", decimal.NewFromInt(5)).
		Credit("receivable", decimal.NewFromInt(5)).
		Build()
	require.NoError(t, err)
	data, err := Encode(payload)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Nil(t, raw["branch_id"])
	require.Nil(t, raw["document_number"])
	require.Equal(t, map[string]any{}, raw["meta"])

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Nil(t, decoded.BranchID)
	require.Empty(t, decoded.DocumentNumber)
	require.Nil(t, decoded.Meta)
}

func TestDecodeDetectsTamperedTotals(t *testing.T) {
	data, err := Encode(samplePayload(t))
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["totals"] = map[string]any{"debit": "1.000000", "credit": "120.250000"}
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = Decode(tampered)
	require.ErrorIs(t, err, ErrCorruptPayload)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.ErrorIs(t, err, ErrCorruptPayload)
}
