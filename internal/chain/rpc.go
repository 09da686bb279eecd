package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	"CustodyLedger/internal/wallet"
)

const (
	nativeDecimals   = 18
	nativeSendGas    = 21_000
	receiptPollEvery = 3 * time.Second
)

// ERC-20 selectors.
var (
	selBalanceOf = []byte{0x70, 0xa0, 0x82, 0x31}
	selDecimals  = []byte{0x31, 0x3c, 0xe5, 0x67}
	selTransfer  = []byte{0xa9, 0x05, 0x9c, 0xbb}
)

// RPCClient talks to one EVM JSON-RPC endpoint. Transfers are signed locally
// as legacy EIP-155 transactions; the node never sees a private key.
//
// Amounts cross this boundary in human units. The client shifts native values
// by 18 and token values by the contract's decimals(), cached per contract.
type RPCClient struct {
	url      string
	chainID  int64
	tokenGas int64
	httpc    *http.Client

	mu       sync.Mutex
	decimals map[string]int32
	reqID    int64
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient builds a client for one endpoint. tokenGas is the gas limit
// used for token transfers.
func NewRPCClient(url string, chainID, tokenGas int64) *RPCClient {
	return &RPCClient{
		url:      url,
		chainID:  chainID,
		tokenGas: tokenGas,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		decimals: make(map[string]int32),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. Transport failures come back wrapped
// in ErrUnavailable; a node-level error object is a definitive answer.
func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	c.mu.Lock()
	c.reqID++
	id := c.reqID
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("chain: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http %d", ErrUnavailable, method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("chain: %s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("chain: %s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) callQuantity(ctx context.Context, method string, params []interface{}) (*big.Int, error) {
	var hexVal string
	if err := c.call(ctx, method, params, &hexVal); err != nil {
		return nil, err
	}
	return parseQuantity(hexVal)
}

func (c *RPCClient) NativeBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	wei, err := c.callQuantity(ctx, "eth_getBalance", []interface{}{strings.ToLower(address), "latest"})
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals), nil
}

func (c *RPCClient) TokenBalance(ctx context.Context, contract, address string) (decimal.Decimal, error) {
	data := append(append([]byte{}, selBalanceOf...), padAddress(address)...)
	raw, err := c.ethCall(ctx, contract, data)
	if err != nil {
		return decimal.Zero, err
	}
	dec, err := c.tokenDecimals(ctx, contract)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw, -dec), nil
}

func (c *RPCClient) GasPrice(ctx context.Context) (decimal.Decimal, error) {
	wei, err := c.callQuantity(ctx, "eth_gasPrice", nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(wei, -nativeDecimals), nil
}

func (c *RPCClient) BlockHeight(ctx context.Context) (int64, error) {
	n, err := c.callQuantity(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

func (c *RPCClient) SendNative(ctx context.Context, key *btcec.PrivateKey, to string, amount decimal.Decimal) (*TxReceipt, error) {
	value := amount.Shift(nativeDecimals).BigInt()
	return c.sendTx(ctx, key, to, value, nil, nativeSendGas)
}

func (c *RPCClient) SendToken(ctx context.Context, key *btcec.PrivateKey, contract, to string, amount decimal.Decimal) (*TxReceipt, error) {
	dec, err := c.tokenDecimals(ctx, contract)
	if err != nil {
		return nil, err
	}
	raw := amount.Shift(dec).BigInt()

	data := append(append([]byte{}, selTransfer...), padAddress(to)...)
	data = append(data, padQuantity(raw)...)
	return c.sendTx(ctx, key, contract, big.NewInt(0), data, c.tokenGas)
}

// WaitConfirmation polls for the transaction receipt until ctx expires.
func (c *RPCClient) WaitConfirmation(ctx context.Context, txHash string) (*TxReceipt, error) {
	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.receipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) receipt(ctx context.Context, txHash string) (*TxReceipt, error) {
	var raw struct {
		TxHash      string `json:"transactionHash"`
		BlockNumber string `json:"blockNumber"`
		GasUsed     string `json:"gasUsed"`
		Status      string `json:"status"`
	}
	var msg json.RawMessage
	if err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{txHash}, &msg); err != nil {
		return nil, err
	}
	if string(msg) == "null" {
		return nil, nil // still pending
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, fmt.Errorf("chain: unmarshal receipt: %w", err)
	}
	if raw.Status == "0x0" {
		return nil, fmt.Errorf("chain: transaction %s reverted", txHash)
	}

	height, err := parseQuantity(raw.BlockNumber)
	if err != nil {
		return nil, err
	}
	gasUsed, err := parseQuantity(raw.GasUsed)
	if err != nil {
		return nil, err
	}
	return &TxReceipt{
		TxHash:      raw.TxHash,
		BlockHeight: height.Int64(),
		GasUsed:     decimal.NewFromBigInt(gasUsed, 0),
	}, nil
}

func (c *RPCClient) sendTx(ctx context.Context, key *btcec.PrivateKey, to string, value *big.Int, data []byte, gasLimit int64) (*TxReceipt, error) {
	from := wallet.AddressFromKey(key)

	nonce, err := c.callQuantity(ctx, "eth_getTransactionCount", []interface{}{strings.ToLower(from), "pending"})
	if err != nil {
		return nil, err
	}
	gasPriceWei, err := c.callQuantity(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}

	signed, err := signLegacyTx(key, c.chainID, nonce, gasPriceWei, big.NewInt(gasLimit), to, value, data)
	if err != nil {
		return nil, err
	}

	var txHash string
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{"0x" + hex.EncodeToString(signed)}, &txHash); err != nil {
		return nil, err
	}
	return &TxReceipt{TxHash: txHash}, nil
}

func (c *RPCClient) ethCall(ctx context.Context, contract string, data []byte) (*big.Int, error) {
	params := []interface{}{
		map[string]string{
			"to":   strings.ToLower(contract),
			"data": "0x" + hex.EncodeToString(data),
		},
		"latest",
	}
	var hexVal string
	if err := c.call(ctx, "eth_call", params, &hexVal); err != nil {
		return nil, err
	}
	return parseQuantity(hexVal)
}

func (c *RPCClient) tokenDecimals(ctx context.Context, contract string) (int32, error) {
	key := strings.ToLower(contract)

	c.mu.Lock()
	dec, ok := c.decimals[key]
	c.mu.Unlock()
	if ok {
		return dec, nil
	}

	raw, err := c.ethCall(ctx, contract, selDecimals)
	if err != nil {
		return 0, fmt.Errorf("chain: decimals of %s: %w", contract, err)
	}
	dec = int32(raw.Int64())

	c.mu.Lock()
	c.decimals[key] = dec
	c.mu.Unlock()
	return dec, nil
}

// signLegacyTx builds and signs an EIP-155 legacy transaction, returning the
// raw RLP bytes ready for eth_sendRawTransaction.
func signLegacyTx(key *btcec.PrivateKey, chainID int64, nonce, gasPrice, gasLimit *big.Int, to string, value *big.Int, data []byte) ([]byte, error) {
	toBytes, err := addressBytes(to)
	if err != nil {
		return nil, err
	}

	cid := big.NewInt(chainID)
	unsigned := rlpList(
		rlpQuantity(nonce),
		rlpQuantity(gasPrice),
		rlpQuantity(gasLimit),
		rlpBytes(toBytes),
		rlpQuantity(value),
		rlpBytes(data),
		rlpQuantity(cid),
		rlpQuantity(big.NewInt(0)),
		rlpQuantity(big.NewInt(0)),
	)

	h := sha3.NewLegacyKeccak256()
	h.Write(unsigned)
	digest := h.Sum(nil)

	// Compact signature layout: [header, r(32), s(32)], header = 27 + recID.
	sig := btcecdsa.SignCompact(key, digest, false)
	recID := int64(sig[0]) - 27
	r := new(big.Int).SetBytes(sig[1:33])
	s := new(big.Int).SetBytes(sig[33:65])
	v := big.NewInt(chainID*2 + 35 + recID)

	return rlpList(
		rlpQuantity(nonce),
		rlpQuantity(gasPrice),
		rlpQuantity(gasLimit),
		rlpBytes(toBytes),
		rlpQuantity(value),
		rlpBytes(data),
		rlpQuantity(v),
		rlpQuantity(r),
		rlpQuantity(s),
	), nil
}

// --- RLP (strings and lists, the only forms a legacy tx needs) ---

func rlpBytes(b []byte) []byte {
	if len(b) == 1 && b[0] < 0x80 {
		return b
	}
	return append(rlpLength(len(b), 0x80), b...)
}

func rlpQuantity(n *big.Int) []byte {
	if n.Sign() == 0 {
		return []byte{0x80}
	}
	return rlpBytes(n.Bytes())
}

func rlpList(items ...[]byte) []byte {
	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
	}
	return append(rlpLength(len(payload), 0xc0), payload...)
}

func rlpLength(n int, offset byte) []byte {
	if n < 56 {
		return []byte{offset + byte(n)}
	}
	size := big.NewInt(int64(n)).Bytes()
	out := []byte{offset + 55 + byte(len(size))}
	return append(out, size...)
}

// --- hex helpers ---

func parseQuantity(s string) (*big.Int, error) {
	body := strings.TrimPrefix(s, "0x")
	if body == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(body, 16)
	if !ok {
		return nil, fmt.Errorf("chain: bad hex quantity %q", s)
	}
	return n, nil
}

func addressBytes(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil || len(raw) != 20 {
		return nil, fmt.Errorf("chain: bad address %q", s)
	}
	return raw, nil
}

// padAddress left-pads an address to a 32-byte ABI word.
func padAddress(s string) []byte {
	raw, _ := addressBytes(s)
	out := make([]byte, 32)
	copy(out[12:], raw)
	return out
}

// padQuantity left-pads an unsigned integer to a 32-byte ABI word.
func padQuantity(n *big.Int) []byte {
	out := make([]byte, 32)
	n.FillBytes(out)
	return out
}
