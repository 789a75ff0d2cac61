package web3

import (
	"math/big"
	"testing"
	"time"
)

const sampleChains = `
chains:
  cronos-testnet:
    chain_id: 338
    rpc_url: https://evm-t3.cronos.org
    explorer_url: https://explorer-api.cronos.org/testnet/api/v1
    native_symbol: TCRO
    wrapped_native: "0x6a3173618859C7cd40fAF6921b5E9eB6A76f1fD4"
    tokens:
      USDC: "0xc21223249CA28397B4B6541dfFaEcC539BfF0c59"
      WCRO: "0x6a3173618859C7cd40fAF6921b5E9eB6A76f1fD4"
`

func TestParseChainDefinitions(t *testing.T) {
	defs, err := ParseChainDefinitions([]byte(sampleChains))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	chain := defs.Chains["cronos-testnet"]
	if chain.ChainID != 338 || chain.NativeSymbol != "TCRO" {
		t.Fatalf("unexpected chain: %+v", chain)
	}
	want := "USDC=0xc21223249CA28397B4B6541dfFaEcC539BfF0c59, WCRO=0x6a3173618859C7cd40fAF6921b5E9eB6A76f1fD4"
	if got := chain.TokenSymbols(); got != want {
		t.Fatalf("unexpected token symbols %q", got)
	}
}

func TestParseChainDefinitionsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing id":   "chains:\n  a:\n    rpc_url: http://x\n",
		"duplicate id": "chains:\n  a:\n    chain_id: 1\n  b:\n    chain_id: 1\n",
		"bad token":    "chains:\n  a:\n    chain_id: 1\n    tokens:\n      X: nope\n",
		"bad router":   "chains:\n  a:\n    chain_id: 1\n    swap_router: 0x12\n",
	}
	for name, doc := range cases {
		if _, err := ParseChainDefinitions([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseAndFormatUnits(t *testing.T) {
	value, err := ParseUnits("1.5", 18)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if value.Cmp(want) != 0 {
		t.Fatalf("unexpected value %s", value)
	}
	if got := FormatUnits(value, 18); got != "1.5" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := FormatUnits(big.NewInt(5), 6); got != "0.000005" {
		t.Fatalf("unexpected small format %q", got)
	}
	if got := FormatUnits(big.NewInt(7000000), 6); got != "7" {
		t.Fatalf("unexpected whole format %q", got)
	}
	for _, bad := range []string{"", "-1", "1.2345678", "abc"} {
		if _, err := ParseUnits(bad, 6); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestConfirmPolicyBackoff(t *testing.T) {
	policy := ConfirmPolicy{Interval: 100 * time.Millisecond, MaxInterval: 300 * time.Millisecond}.Normalize()
	if policy.MaxAttempts != DefaultConfirmPolicy().MaxAttempts {
		t.Fatalf("expected default attempts")
	}
	got := []time.Duration{policy.Backoff(0), policy.Backoff(1), policy.Backoff(2), policy.Backoff(5)}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
