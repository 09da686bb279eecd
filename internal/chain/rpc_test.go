package chain

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ============================================================================
// Test: RLP encoding
// ============================================================================

func TestRLPBytes(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty string", []byte{}, "80"},
		{"single low byte", []byte{0x7f}, "7f"},
		{"single high byte", []byte{0x80}, "8180"},
		{"short string", []byte("dog"), "83646f67"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := hex.EncodeToString(rlpBytes(tc.in))
			if got != tc.want {
				t.Errorf("rlpBytes(%x) = %s, want %s", tc.in, got, tc.want)
			}
		})
	}
}

func TestRLPQuantity_ZeroIsEmptyString(t *testing.T) {
	if got := hex.EncodeToString(rlpQuantity(big.NewInt(0))); got != "80" {
		t.Errorf("rlpQuantity(0) = %s, want 80", got)
	}
	if got := hex.EncodeToString(rlpQuantity(big.NewInt(15))); got != "0f" {
		t.Errorf("rlpQuantity(15) = %s, want 0f", got)
	}
	if got := hex.EncodeToString(rlpQuantity(big.NewInt(1024))); got != "820400" {
		t.Errorf("rlpQuantity(1024) = %s, want 820400", got)
	}
}

func TestRLPList(t *testing.T) {
	// ["cat", "dog"] -> c88363617483646f67
	got := hex.EncodeToString(rlpList(rlpBytes([]byte("cat")), rlpBytes([]byte("dog"))))
	if got != "c88363617483646f67" {
		t.Errorf("rlpList = %s, want c88363617483646f67", got)
	}
	// empty list -> c0
	if got := hex.EncodeToString(rlpList()); got != "c0" {
		t.Errorf("empty rlpList = %s, want c0", got)
	}
}

// ============================================================================
// Test: EIP-155 transaction signing
// ============================================================================

// The reference transaction from the EIP-155 specification: nonce 9,
// gas price 20 gwei, gas 21000, value 1 ether, chain id 1, signed with the
// key 0x46...46. The deterministic nonce (RFC 6979) makes the full signed
// payload reproducible.
func TestSignLegacyTx_EIP155Vector(t *testing.T) {
	keyBytes, _ := hex.DecodeString("4646464646464646464646464646464646464646464646464646464646464646")
	key, _ := btcec.PrivKeyFromBytes(keyBytes)

	gasPrice, _ := new(big.Int).SetString("20000000000", 10)
	value, _ := new(big.Int).SetString("1000000000000000000", 10)

	signed, err := signLegacyTx(
		key,
		1,
		big.NewInt(9),
		gasPrice,
		big.NewInt(21000),
		"0x3535353535353535353535353535353535353535",
		value,
		nil,
	)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	want := "f86c098504a817c800825208943535353535353535353535353535353535353535880" +
		"de0b6b3a76400008025a028ef61340bd939bc2195fe537567866003e1a15d3c71ff63e15906" +
		"20aa636276a067cbe9d8997f761aecb703304b3800ccf555c9f3dc64214b297fb1966a3b6d83"
	if got := hex.EncodeToString(signed); got != want {
		t.Errorf("signed tx mismatch:\n got %s\nwant %s", got, want)
	}
}

// ============================================================================
// Test: hex helpers
// ============================================================================

func TestParseQuantity(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"0x0", 0},
		{"0x", 0},
		{"0x10", 16},
		{"0xde0b6b3a7640000", 1_000_000_000_000_000_000},
	}
	for _, tc := range cases {
		n, err := parseQuantity(tc.in)
		if err != nil {
			t.Fatalf("parseQuantity(%q): %v", tc.in, err)
		}
		if n.Int64() != tc.want {
			t.Errorf("parseQuantity(%q) = %d, want %d", tc.in, n.Int64(), tc.want)
		}
	}

	if _, err := parseQuantity("0xzz"); err == nil {
		t.Error("expected error for bad hex")
	}
}

func TestPadAddress(t *testing.T) {
	got := padAddress("0x3535353535353535353535353535353535353535")
	if len(got) != 32 {
		t.Fatalf("padded word must be 32 bytes, got %d", len(got))
	}
	want := "0000000000000000000000003535353535353535353535353535353535353535"
	if hex.EncodeToString(got) != want {
		t.Errorf("padAddress = %x, want %s", got, want)
	}
}
