package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/JaeDuckHan/wonswap/pkg/market"
)

// Domain tags keep order signatures and accept-request signatures from
// being replayed against each other.
const (
	orderDomain  = "wonswap.order.v1"
	acceptDomain = "wonswap.accept.v1"
)

// Verification is the closed-world result of a verify call. Verification
// never errors out to the caller: every failure mode is a Reason.
type Verification struct {
	Valid     bool
	Recovered string
	Reason    string
}

func invalid(reason string) Verification { return Verification{Valid: false, Reason: reason} }

// Service signs and verifies orders and negotiation messages across the
// two supported address schemes, auto-detected from address format.
type Service struct{}

func NewService() *Service { return &Service{} }

// OrderDigest hashes the canonical encoding of the signed order fields.
// Amount is scaled to an integer so float formatting cannot change the
// digest.
func (s *Service) OrderDigest(o *market.Order) []byte {
	enc := fmt.Sprintf("%s|%s|%d|%d|%d", orderDomain, o.ID, o.ScaledAmount(), o.PriceKRW, o.Expiry)
	return ethcrypto.Keccak256([]byte(enc))
}

// AcceptDigest hashes the accept-request domain, distinct from the order
// domain so the two message kinds cannot be cross-used.
func (s *Service) AcceptDigest(orderID, requester string) []byte {
	enc := fmt.Sprintf("%s|%s|%s", acceptDomain, orderID, requester)
	return ethcrypto.Keccak256([]byte(enc))
}

// SignOrder sets the order signature and owner from the signer.
func (s *Service) SignOrder(o *market.Order, signer *Signer) error {
	o.Owner = signer.Address()
	sig, err := signer.SignPersonal(s.OrderDigest(o))
	if err != nil {
		return fmt.Errorf("sign order %s: %w", o.ID, err)
	}
	o.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// SignAccept sets the request signature and requester from the signer.
func (s *Service) SignAccept(req *market.AcceptRequest, signer *Signer) error {
	req.Requester = signer.Address()
	sig, err := signer.SignPersonal(s.AcceptDigest(req.OrderID, req.Requester))
	if err != nil {
		return fmt.Errorf("sign accept for order %s: %w", req.OrderID, err)
	}
	req.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// VerifyOrder checks the order signature against the declared owner.
func (s *Service) VerifyOrder(o *market.Order) Verification {
	if o == nil {
		return invalid("nil order")
	}
	return s.verify(o.Owner, s.OrderDigest(o), o.Signature)
}

// VerifyAccept checks the accept-request signature against the declared
// requester.
func (s *Service) VerifyAccept(req *market.AcceptRequest) Verification {
	if req == nil {
		return invalid("nil accept request")
	}
	return s.verify(req.Requester, s.AcceptDigest(req.OrderID, req.Requester), req.Signature)
}

// verify fails closed: missing signature, malformed signature, unknown
// address format, or recovered-address mismatch all yield Valid=false.
func (s *Service) verify(claimed string, payloadHash []byte, sigHex string) Verification {
	if claimed == "" {
		return invalid("missing address")
	}
	if sigHex == "" {
		return invalid("missing signature")
	}
	scheme, err := DetectScheme(claimed)
	if err != nil {
		return invalid(fmt.Sprintf("unrecognized address format: %v", err))
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return invalid(fmt.Sprintf("malformed signature hex: %v", err))
	}
	recovered, err := recoverAddress(scheme, personalDigest(scheme, payloadHash), sig)
	if err != nil {
		return invalid(fmt.Sprintf("recovery failed: %v", err))
	}
	if !SameAddress(scheme, recovered, claimed) {
		return Verification{
			Valid:     false,
			Recovered: recovered,
			Reason:    fmt.Sprintf("recovered %s does not match claimed %s", recovered, claimed),
		}
	}
	return Verification{Valid: true, Recovered: recovered}
}
