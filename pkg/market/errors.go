package market

import "fmt"

// ValidationError: a structurally malformed order or message.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation failed: %s", e.Reason) }

// SignatureError: a cryptographic mismatch (bad signature, wrong signer).
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return fmt.Sprintf("signature invalid: %s", e.Reason) }

// SignatureRejectedError: the user declined a signature request. Kept
// distinct from SignatureError so callers can present it non-alarmingly.
type SignatureRejectedError struct {
	Action string
}

func (e *SignatureRejectedError) Error() string {
	return fmt.Sprintf("signature request rejected by user for %s", e.Action)
}

// NetworkError: gossip or negotiation transport failure. Retryable; the
// reconnect supervisor absorbs these and they surface to callers only as
// a connectivity indicator.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// SponsorshipServiceError: an HTTP-level failure from the external gas
// relay. Surfaced, never retried automatically.
type SponsorshipServiceError struct {
	Status  int
	Message string
}

func (e *SponsorshipServiceError) Error() string {
	return fmt.Sprintf("sponsorship service error (HTTP %d): %s", e.Status, e.Message)
}

// NotFoundError: an order or trade absent from the local store.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

// ExpiredError: an order past its expiry; inert everywhere.
type ExpiredError struct {
	OrderID string
	Expiry  int64
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("order %s expired at %d", e.OrderID, e.Expiry)
}
