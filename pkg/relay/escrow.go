package relay

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/JaeDuckHan/wonswap/pkg/market"
)

// escrowABI is the read surface of the escrow contract consumed by the
// coordination layer, plus the sponsored-action entry points the gas
// relay submits on our behalf.
const escrowABI = `[
  {"name":"getTrade","type":"function","stateMutability":"view",
   "inputs":[{"name":"tradeId","type":"uint256"}],
   "outputs":[
     {"name":"seller","type":"address"},
     {"name":"buyer","type":"address"},
     {"name":"status","type":"uint8"},
     {"name":"createdAt","type":"uint256"},
     {"name":"expiresAt","type":"uint256"},
     {"name":"amount","type":"uint256"},
     {"name":"feeAmount","type":"uint256"}]},
  {"name":"calcTotal","type":"function","stateMutability":"view",
   "inputs":[{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"total","type":"uint256"},{"name":"fee","type":"uint256"}]},
  {"name":"isRefundable","type":"function","stateMutability":"view",
   "inputs":[{"name":"tradeId","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"name":"metaNonces","type":"function","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

// EscrowCaller reads trade state from the escrow contract. The
// coordination layer never writes status directly; sponsored actions go
// through the relay client.
type EscrowCaller struct {
	client *ethclient.Client
	addr   common.Address
	abi    abi.ABI
}

func NewEscrowCaller(rpcURL string, contractAddr common.Address) (*EscrowCaller, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("connect to RPC: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}
	return &EscrowCaller{client: client, addr: contractAddr, abi: parsed}, nil
}

func (e *EscrowCaller) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &e.addr, Data: data}, nil)
	if err != nil {
		return nil, &market.NetworkError{Op: "call " + method, Err: err}
	}
	vals, err := e.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// GetTrade mirrors on-chain trade state into the local model.
func (e *EscrowCaller) GetTrade(ctx context.Context, tradeID *big.Int) (*market.Trade, error) {
	vals, err := e.call(ctx, "getTrade", tradeID)
	if err != nil {
		return nil, err
	}
	if len(vals) != 7 {
		return nil, fmt.Errorf("getTrade returned %d values", len(vals))
	}
	// A nonexistent trade comes back as an all-zero struct, which would
	// otherwise read as LOCKED.
	if vals[0].(common.Address) == (common.Address{}) {
		return nil, &market.NotFoundError{Kind: "trade", ID: tradeID.String()}
	}
	return &market.Trade{
		ID:        tradeID.String(),
		Seller:    vals[0].(common.Address).Hex(),
		Buyer:     vals[1].(common.Address).Hex(),
		Status:    market.TradeStatus(vals[2].(uint8)),
		CreatedAt: vals[3].(*big.Int).Int64(),
		ExpiresAt: vals[4].(*big.Int).Int64(),
		Amount:    vals[5].(*big.Int).String(),
		FeeAmount: vals[6].(*big.Int).String(),
	}, nil
}

// CalcTotal returns the escrow total and fee for a deposit amount.
func (e *EscrowCaller) CalcTotal(ctx context.Context, amount *big.Int) (total, fee *big.Int, err error) {
	vals, err := e.call(ctx, "calcTotal", amount)
	if err != nil {
		return nil, nil, err
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), nil
}

func (e *EscrowCaller) IsRefundable(ctx context.Context, tradeID *big.Int) (bool, error) {
	vals, err := e.call(ctx, "isRefundable", tradeID)
	if err != nil {
		return false, err
	}
	return vals[0].(bool), nil
}

// MetaNonces returns the signer's current meta-transaction nonce.
func (e *EscrowCaller) MetaNonces(ctx context.Context, owner common.Address) (uint64, error) {
	vals, err := e.call(ctx, "metaNonces", owner)
	if err != nil {
		return 0, err
	}
	return vals[0].(*big.Int).Uint64(), nil
}
