package crypto

import (
	"crypto/ecdsa"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 key pair and the address scheme it presents as.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	scheme     Scheme
	address    string
}

// GenerateKey creates a new random key pair rendered under the given scheme.
func GenerateKey(scheme Scheme) (*Signer, error) {
	privateKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey, scheme), nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// ("0x1234..." or bare 64 hex chars).
func FromPrivateKeyHex(hexKey string, scheme Scheme) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	privateKey, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey, scheme), nil
}

func newSigner(priv *ecdsa.PrivateKey, scheme Scheme) *Signer {
	pub := priv.Public().(*ecdsa.PublicKey)
	return &Signer{
		privateKey: priv,
		publicKey:  pub,
		scheme:     scheme,
		address:    AddressFor(scheme, pub),
	}
}

// Address returns the display address under the signer's scheme.
func (s *Signer) Address() string { return s.address }

// Scheme returns the signer's address scheme.
func (s *Signer) Scheme() Scheme { return s.scheme }

// PrivateKeyHex returns the private key as hex WITHOUT 0x prefix.
// Keep this secret; never log it.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", ethcrypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest, returning a 65-byte [R || S || V] signature
// with V in {0,1}.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// SignPersonal signs a payload hash wrapped in the scheme's signed-message
// prefix, matching what a wallet produces for the same payload.
func (s *Signer) SignPersonal(payloadHash []byte) ([]byte, error) {
	return s.Sign(personalDigest(s.scheme, payloadHash))
}

// recoverAddress recovers the signer address (under scheme) from a digest
// and 65-byte signature. Accepts V in {0,1} and {27,28}.
func recoverAddress(scheme Scheme, digest, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("invalid signature length: %d", len(sig))
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("invalid digest length: %d", len(digest))
	}
	norm := make([]byte, 65)
	copy(norm, sig)
	if norm[64] >= 27 {
		norm[64] -= 27
	}
	pubBytes, err := ethcrypto.Ecrecover(digest, norm)
	if err != nil {
		return "", fmt.Errorf("failed to recover public key: %w", err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return "", fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return AddressFor(scheme, pub), nil
}
