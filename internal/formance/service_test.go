package formance

import (
	"math/big"
	"strings"
	"testing"

	"custodial-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestFormanceAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"USDC", "USDC/6"},
		{"BTC", "BTC/8"},
		{"ETH", "ETH/18"},
		{"eth", "ETH/18"},
		{"TRX", "TRX/6"},
		{"UNKNOWN", "UNKNOWN/6"}, // default precision
	}
	for _, tt := range tests {
		if got := formanceAsset(tt.symbol); got != tt.want {
			t.Errorf("formanceAsset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestBigIntToDecimal(t *testing.T) {
	result := bigIntToDecimal(big.NewInt(1_000_000), "USDC")
	if !result.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected 1, got %s", result.String())
	}

	result = bigIntToDecimal(big.NewInt(150_000_000), "BTC")
	if !result.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("expected 1.5, got %s", result.String())
	}

	if result = bigIntToDecimal(nil, "USDC"); !result.IsZero() {
		t.Errorf("expected 0, got %s", result.String())
	}
}

func TestIsConflictError(t *testing.T) {
	if isConflictError(nil) {
		t.Error("nil should not be a conflict error")
	}
}

func TestAccountAddress(t *testing.T) {
	tests := []struct {
		walletId string
		want     string
	}{
		{"merchant-1", "chains:ethereum:hot_wallet:wallets:merchant_1"},
		{"excess_hot", "chains:ethereum:hot_wallet:wallets:excess_hot"},
		{"a.b@c", "chains:ethereum:hot_wallet:wallets:a_b_c"},
		{models.JournalExternal, "world"},
	}
	for _, tt := range tests {
		if got := AccountAddress("ethereum", "hot-wallet", tt.walletId); got != tt.want {
			t.Errorf("AccountAddress(%q) = %q, want %q", tt.walletId, got, tt.want)
		}
	}
}

func TestVolumeBalance(t *testing.T) {
	if volumeBalance(nil, "ETH/18") != nil {
		t.Error("missing asset should have no balance")
	}
}

func TestBuildScript(t *testing.T) {
	entry := models.JournalEntry{
		Reference:         "transfer:1",
		Blockchain:        "ethereum",
		PrimaryWalletName: "hot",
		Asset:             "ETH",
		Postings: []models.Posting{
			{Source: "a", Destination: "b", Amount: decimal.RequireFromString("1.5")},
			{Source: models.JournalExternal, Destination: "b", Amount: decimal.RequireFromString("0.000000000000000001")},
		},
	}

	script, err := buildScript(entry)
	if err != nil {
		t.Fatalf("buildScript: %v", err)
	}
	if !strings.Contains(script, "send [ETH/18 1500000000000000000]") {
		t.Errorf("missing first send:\n%s", script)
	}
	if !strings.Contains(script, "source = @chains:ethereum:hot:wallets:a allowing unbounded overdraft") {
		t.Errorf("internal source must allow overdraft:\n%s", script)
	}
	if !strings.Contains(script, "send [ETH/18 1] (\n  source = @world\n") {
		t.Errorf("external source must be @world without overdraft clause:\n%s", script)
	}
	if strings.Count(script, "send [") != 2 {
		t.Errorf("expected 2 sends:\n%s", script)
	}
}

func TestBuildScript_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		entry models.JournalEntry
	}{
		{"no postings", models.JournalEntry{Reference: "x", Asset: "ETH"}},
		{"zero amount", models.JournalEntry{Reference: "x", Asset: "ETH", Postings: []models.Posting{{Source: "a", Destination: "b"}}}},
		{"too precise", models.JournalEntry{Reference: "x", Asset: "USDC", Postings: []models.Posting{{Source: "a", Destination: "b", Amount: decimal.RequireFromString("0.0000001")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := buildScript(tt.entry); err == nil {
				t.Error("expected error")
			}
		})
	}
}
