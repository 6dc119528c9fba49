package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/JaeDuckHan/wonswap/pkg/market"
	"github.com/JaeDuckHan/wonswap/pkg/util"
)

// ErrUserRejected is returned by a SignFunc when the user declines the
// signature prompt. The client maps it to SignatureRejectedError so UIs
// can treat it as a cancel, not a failure.
var ErrUserRejected = errors.New("signature request rejected")

// SignFunc obtains a signature over a 32-byte digest, typically by
// prompting the user. It must not be called more than once per submit.
type SignFunc func(digest []byte) ([]byte, error)

// NonceSource supplies the current meta-transaction nonce for an
// address. EscrowCaller satisfies this against the live contract.
type NonceSource interface {
	MetaNonces(ctx context.Context, owner common.Address) (uint64, error)
}

const defaultDeadlineWindow = 5 * time.Minute

// Config wires a Client. BaseURL points at the gas sponsorship service.
type Config struct {
	BaseURL        string
	ChainID        *big.Int
	EscrowContract common.Address
	Actor          common.Address
	Sign           SignFunc
	Nonces         NonceSource
	DeadlineWindow time.Duration
	HTTPClient     *http.Client
	Logger         *zap.SugaredLogger
	Clock          util.Clock
}

// Client submits sponsored escrow actions to the relay service. Every
// submit is a single attempt: a failed or ambiguous submission is
// surfaced to the caller, never retried automatically, because the
// relay may have broadcast the transaction before failing.
type Client struct {
	cfg   Config
	typed *TypedSigner
	http  *http.Client
	log   *zap.SugaredLogger
}

func NewClient(cfg Config) *Client {
	if cfg.DeadlineWindow <= 0 {
		cfg.DeadlineWindow = defaultDeadlineWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Client{
		cfg:   cfg,
		typed: NewTypedSigner(Domain{ChainID: cfg.ChainID, EscrowContract: cfg.EscrowContract}),
		http:  cfg.HTTPClient,
		log:   cfg.Logger,
	}
}

// SubmitParams carries the action-specific fields. OrderID, Seller and
// Amount apply to deposit; TradeID to release, dispute and refund.
type SubmitParams struct {
	OrderID string
	Seller  common.Address
	Amount  *big.Int
	TradeID *big.Int
}

type depositParams struct {
	OrderID string `json:"orderId"`
	Seller  string `json:"seller"`
	Amount  string `json:"amount"`
	Buyer   string `json:"buyer"`
}

type tradeActionParams struct {
	TradeID string `json:"tradeId"`
	Actor   string `json:"actor"`
}

type relayResult struct {
	TxHash string `json:"txHash"`
	Error  string `json:"error"`
}

// Submit signs and submits one sponsored action. The flow is
// nonce fetch, deadline stamp, EIP-712 digest, user signature, POST.
// A declined signature returns SignatureRejectedError before anything
// reaches the wire.
func (c *Client) Submit(ctx context.Context, action Action, params SubmitParams) (string, error) {
	nonce, err := c.cfg.Nonces.MetaNonces(ctx, c.cfg.Actor)
	if err != nil {
		return "", fmt.Errorf("fetch meta nonce: %w", err)
	}
	deadline := c.cfg.Clock.Now().Add(c.cfg.DeadlineWindow).Unix()

	tx := &MetaTx{
		Action:   action,
		OrderID:  params.OrderID,
		Seller:   params.Seller,
		Amount:   params.Amount,
		TradeID:  params.TradeID,
		Actor:    c.cfg.Actor,
		Nonce:    new(big.Int).SetUint64(nonce),
		Deadline: big.NewInt(deadline),
	}
	digest, err := c.typed.Hash(tx)
	if err != nil {
		return "", err
	}

	sig, err := c.cfg.Sign(digest)
	if err != nil {
		if errors.Is(err, ErrUserRejected) {
			return "", &market.SignatureRejectedError{Action: string(action)}
		}
		return "", fmt.Errorf("sign %s: %w", action, err)
	}

	var body json.RawMessage
	switch action {
	case ActionDeposit:
		body, err = json.Marshal(depositParams{
			OrderID: params.OrderID,
			Seller:  params.Seller.Hex(),
			Amount:  params.Amount.String(),
			Buyer:   c.cfg.Actor.Hex(),
		})
	default:
		body, err = json.Marshal(tradeActionParams{
			TradeID: params.TradeID.String(),
			Actor:   c.cfg.Actor.Hex(),
		})
	}
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	envelope := market.RelayEnvelope{
		Action:    string(action),
		Params:    body,
		Nonce:     nonce,
		Deadline:  deadline,
		Signature: "0x" + hex.EncodeToString(sig),
	}

	c.log.Infow("relay_submit", "action", action, "nonce", nonce, "deadline", deadline)
	var result relayResult
	if err := c.post(ctx, "/relay", envelope, &result); err != nil {
		return "", err
	}
	if result.TxHash == "" {
		return "", &market.SponsorshipServiceError{Status: http.StatusOK, Message: "response missing txHash"}
	}
	c.log.Infow("relay_accepted", "action", action, "tx_hash", result.TxHash)
	return result.TxHash, nil
}

// DripResult reports a faucet payout from the sponsorship service.
type DripResult struct {
	TxHash string `json:"txHash"`
	Amount string `json:"amount"`
}

// Drip requests a small gas top-up for a fresh address.
func (c *Client) Drip(ctx context.Context, address string) (DripResult, error) {
	var result DripResult
	req := map[string]string{"address": address}
	if err := c.post(ctx, "/drip", req, &result); err != nil {
		return DripResult{}, err
	}
	c.log.Infow("drip_received", "address", address, "tx_hash", result.TxHash, "amount", result.Amount)
	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &market.NetworkError{Op: "POST " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &market.NetworkError{Op: "read " + path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(data)
		var body relayResult
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		}
		return &market.SponsorshipServiceError{Status: resp.StatusCode, Message: msg}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
