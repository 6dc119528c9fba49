package negotiation

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Kind is the negotiation wire envelope type.
type Kind string

const (
	KindAcceptReq    Kind = "accept-req"
	KindAcceptRes    Kind = "accept-res"
	KindTradeCreated Kind = "trade-created"
	KindTradeSignal  Kind = "trade-signal"
)

// Envelope is the point-to-point negotiation wire format. Delivery within
// a stream is FIFO but duplicates are possible; ID is the dedup key.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope wraps a payload. The ID is content-derived so the same
// logical message always dedups to one delivery.
func NewEnvelope(kind Kind, payload any, timestamp int64) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(kind))
	h.Write([]byte{'|'})
	h.Write(raw)
	fmt.Fprintf(h, "|%d", timestamp)
	return Envelope{
		ID:        hex.EncodeToString(h.Sum(nil)),
		Type:      kind,
		Payload:   raw,
		Timestamp: timestamp,
	}, nil
}

// Decode unmarshals the payload into out.
func (e *Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
