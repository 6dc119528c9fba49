package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Scheme identifies one of the two supported address/signature schemes.
// Both are secp256k1 with keccak recovery; they differ in address
// rendering and the personal-message prefix.
type Scheme int

const (
	SchemeHex    Scheme = iota // 0x-prefixed hex address (Ethereum style)
	SchemeBase58               // base58check address with 0x41 version byte (Tron style)
)

const base58VersionByte = 0x41

var (
	prefixHex    = []byte("\x19Ethereum Signed Message:\n32")
	prefixBase58 = []byte("\x19TRON Signed Message:\n32")
)

func (s Scheme) String() string {
	if s == SchemeBase58 {
		return "base58"
	}
	return "hex"
}

// DetectScheme resolves the scheme from address format. Hex addresses are
// 0x-prefixed 40 hex chars; base58 addresses decode to 21 bytes with the
// 0x41 version and a valid 4-byte double-sha256 checksum.
func DetectScheme(addr string) (Scheme, error) {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		if len(addr) != 42 {
			return 0, fmt.Errorf("hex address must be 42 chars, got %d", len(addr))
		}
		if _, err := hex.DecodeString(addr[2:]); err != nil {
			return 0, fmt.Errorf("malformed hex address: %w", err)
		}
		return SchemeHex, nil
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return 0, fmt.Errorf("address is neither hex nor base58: %w", err)
	}
	if len(raw) != 25 || raw[0] != base58VersionByte {
		return 0, fmt.Errorf("base58 address has wrong version or length")
	}
	payload, check := raw[:21], raw[21:]
	sum := doubleSHA256(payload)
	if string(sum[:4]) != string(check) {
		return 0, fmt.Errorf("base58 address checksum mismatch")
	}
	return SchemeBase58, nil
}

// AddressFor renders the address of a public key under the given scheme.
func AddressFor(scheme Scheme, pub *ecdsa.PublicKey) string {
	ethAddr := ethcrypto.PubkeyToAddress(*pub)
	if scheme == SchemeHex {
		return ethAddr.Hex()
	}
	payload := append([]byte{base58VersionByte}, ethAddr.Bytes()...)
	sum := doubleSHA256(payload)
	return base58.Encode(append(payload, sum[:4]...))
}

// SameAddress compares two addresses under a scheme. Hex addresses are
// case-insensitive (EIP-55 casing is display-only); base58 is exact.
func SameAddress(scheme Scheme, a, b string) bool {
	if scheme == SchemeHex {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// EqualAddress compares two addresses when the caller holds only strings,
// resolving the scheme from the first operand. Inputs that parse as
// neither scheme fall back to exact comparison.
func EqualAddress(a, b string) bool {
	scheme, err := DetectScheme(a)
	if err != nil {
		return a == b
	}
	return SameAddress(scheme, a, b)
}

// personalDigest wraps a 32-byte payload hash in the scheme's signed
// message prefix, matching what browser wallets sign.
func personalDigest(scheme Scheme, payloadHash []byte) []byte {
	prefix := prefixHex
	if scheme == SchemeBase58 {
		prefix = prefixBase58
	}
	return ethcrypto.Keccak256(prefix, payloadHash)
}

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// hexAddressOf is a convenience for contract interaction, which always
// speaks the 20-byte form regardless of display scheme.
func hexAddressOf(addr string) (common.Address, error) {
	scheme, err := DetectScheme(addr)
	if err != nil {
		return common.Address{}, err
	}
	if scheme == SchemeHex {
		return common.HexToAddress(addr), nil
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(raw[1:21]), nil
}

// HexAddress exposes the 20-byte form for relay/contract callers.
func HexAddress(addr string) (common.Address, error) { return hexAddressOf(addr) }
