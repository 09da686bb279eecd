package wallet

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/sha3"
)

// hardenedOffset marks a hardened child index in a derivation path.
const hardenedOffset = uint32(0x80000000)

var (
	// ErrInvalidSeed means the master seed is missing or too short.
	ErrInvalidSeed = errors.New("wallet: master seed must be at least 16 bytes")
	// ErrInvalidPath means the derivation path prefix could not be parsed.
	ErrInvalidPath = errors.New("wallet: invalid derivation path")
)

// Wallet is a derived keypair. PrivateKey never leaves this process: it is
// handed only to the signer used for sweeping and withdrawal broadcast.
type Wallet struct {
	Index      uint32
	Address    string
	PrivateKey *btcec.PrivateKey
}

// Deriver derives per-index wallets from a master seed and a fixed path
// prefix (BIP32 chain derivation, EVM-style addresses). Derivation is a pure
// function of (seed, prefix, index): no state, no I/O.
type Deriver struct {
	masterKey   []byte
	masterChain []byte
	prefix      []uint32
}

// NewDeriver builds a deriver from a hex-encoded master seed and a path
// prefix such as "m/44'/60'/0'/0". Derive(i) appends i as a normal child.
func NewDeriver(seedHex, pathPrefix string) (*Deriver, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("wallet: decode seed: %w", err)
	}
	if len(seed) < 16 {
		return nil, ErrInvalidSeed
	}

	prefix, err := parsePath(pathPrefix)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha512.New, []byte("Bitcoin seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)

	return &Deriver{
		masterKey:   sum[:32],
		masterChain: sum[32:],
		prefix:      prefix,
	}, nil
}

// Derive returns the wallet at the given index under the fixed prefix.
func (d *Deriver) Derive(index uint32) (*Wallet, error) {
	key := d.masterKey
	chain := d.masterChain

	path := make([]uint32, 0, len(d.prefix)+1)
	path = append(path, d.prefix...)
	path = append(path, index)

	var err error
	for _, child := range path {
		key, chain, err = deriveChild(key, chain, child)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive index %d: %w", index, err)
		}
	}

	priv, _ := btcec.PrivKeyFromBytes(key)
	return &Wallet{
		Index:      index,
		Address:    pubKeyToAddress(priv.PubKey().SerializeUncompressed()),
		PrivateKey: priv,
	}, nil
}

// deriveChild implements BIP32 CKDpriv for hardened and normal children.
func deriveChild(key, chain []byte, index uint32) (childKey, childChain []byte, err error) {
	data := make([]byte, 0, 37)
	if index >= hardenedOffset {
		data = append(data, 0x00)
		data = append(data, key...)
	} else {
		priv, _ := btcec.PrivKeyFromBytes(key)
		data = append(data, priv.PubKey().SerializeCompressed()...)
	}
	data = binary.BigEndian.AppendUint32(data, index)

	mac := hmac.New(sha512.New, chain)
	mac.Write(data)
	sum := mac.Sum(nil)

	il := new(big.Int).SetBytes(sum[:32])
	n := btcec.S256().N
	if il.Cmp(n) >= 0 {
		return nil, nil, fmt.Errorf("derived scalar out of range for index %d", index)
	}

	k := new(big.Int).SetBytes(key)
	child := new(big.Int).Add(il, k)
	child.Mod(child, n)
	if child.Sign() == 0 {
		return nil, nil, fmt.Errorf("derived zero key for index %d", index)
	}

	out := make([]byte, 32)
	child.FillBytes(out)
	return out, sum[32:], nil
}

// AddressFromKey returns the checksummed EVM address of a private key.
func AddressFromKey(priv *btcec.PrivateKey) string {
	return pubKeyToAddress(priv.PubKey().SerializeUncompressed())
}

// pubKeyToAddress computes the EVM address: keccak256 of the uncompressed
// public key (without the 0x04 tag), last 20 bytes, EIP-55 checksummed.
func pubKeyToAddress(uncompressed []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	digest := h.Sum(nil)
	return checksumAddress(digest[12:])
}

// checksumAddress applies EIP-55 mixed-case encoding.
func checksumAddress(addr []byte) string {
	lower := hex.EncodeToString(addr)

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	hash := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			c = c - 'a' + 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// ValidAddress reports whether s looks like a 20-byte hex EVM address.
// Mixed-case inputs must carry a correct EIP-55 checksum.
func ValidAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	body := s[2:]
	raw, err := hex.DecodeString(body)
	if err != nil {
		return false
	}
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return checksumAddress(raw) == s
}

// parsePath parses "m/44'/60'/0'/0" into child indices.
func parsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] != "m" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	indices := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'")
		p = strings.TrimSuffix(p, "'")
		v, err := strconv.ParseUint(p, 10, 31)
		if err != nil {
			return nil, fmt.Errorf("%w: component %q", ErrInvalidPath, p)
		}
		idx := uint32(v)
		if hardened {
			idx += hardenedOffset
		}
		indices = append(indices, idx)
	}
	return indices, nil
}
