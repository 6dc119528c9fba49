package relay

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Action names a sponsored escrow operation. The relay service whitelists
// these four; anything else is rejected server-side.
type Action string

const (
	ActionDeposit Action = "deposit"
	ActionRelease Action = "release"
	ActionDispute Action = "dispute"
	ActionRefund  Action = "refund"
)

// MetaTx is the typed payload a user signs so the relay can submit the
// escrow call on their behalf. OrderID/Seller/Amount are only meaningful
// for deposit; TradeID for the other three.
type MetaTx struct {
	Action   Action
	OrderID  string
	Seller   common.Address
	Amount   *big.Int
	TradeID  *big.Int
	Actor    common.Address
	Nonce    *big.Int
	Deadline *big.Int
}

// Domain is the EIP-712 domain separator binding signatures to one chain
// and one escrow deployment.
type Domain struct {
	ChainID        *big.Int
	EscrowContract common.Address
}

// TypedSigner produces EIP-712 digests for sponsored actions.
type TypedSigner struct {
	domain Domain
}

func NewTypedSigner(domain Domain) *TypedSigner {
	return &TypedSigner{domain: domain}
}

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Hash computes the digest the user's key signs. Layout matches the
// escrow contract's meta-transaction verifier exactly; any drift here
// makes the relay submit transactions that revert.
func (t *TypedSigner) Hash(tx *MetaTx) ([]byte, error) {
	var (
		primary string
		fields  []apitypes.Type
		message apitypes.TypedDataMessage
	)
	switch tx.Action {
	case ActionDeposit:
		primary = "Deposit"
		fields = []apitypes.Type{
			{Name: "orderId", Type: "string"},
			{Name: "seller", Type: "address"},
			{Name: "amount", Type: "uint256"},
			{Name: "buyer", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		}
		message = apitypes.TypedDataMessage{
			"orderId":  tx.OrderID,
			"seller":   tx.Seller.Hex(),
			"amount":   tx.Amount.String(),
			"buyer":    tx.Actor.Hex(),
			"nonce":    tx.Nonce.String(),
			"deadline": tx.Deadline.String(),
		}
	case ActionRelease, ActionDispute, ActionRefund:
		switch tx.Action {
		case ActionRelease:
			primary = "Release"
		case ActionDispute:
			primary = "Dispute"
		default:
			primary = "Refund"
		}
		fields = []apitypes.Type{
			{Name: "tradeId", Type: "uint256"},
			{Name: "actor", Type: "address"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
		}
		message = apitypes.TypedDataMessage{
			"tradeId":  tx.TradeID.String(),
			"actor":    tx.Actor.Hex(),
			"nonce":    tx.Nonce.String(),
			"deadline": tx.Deadline.String(),
		}
	default:
		return nil, fmt.Errorf("unknown action %q", tx.Action)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              "WonSwap",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(t.domain.ChainID),
			VerifyingContract: t.domain.EscrowContract.Hex(),
		},
		Message: message,
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash message: %w", err)
	}

	// digest = keccak256("\x19\x01" || domainSeparator || messageHash)
	raw := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(messageHash)))
	return ethcrypto.Keccak256Hash(raw).Bytes(), nil
}
