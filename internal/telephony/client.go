// Package telephony talks to the telephony gateway: placing outbound calls,
// parsing status webhooks, the bidirectional voice-stream wire format, and
// sealing the per-phone credentials those calls authenticate with.
package telephony

import (
	"context"
	"fmt"
)

// Credentials authenticates one phone trunk against the gateway. Values are
// the unsealed (plaintext) forms; see [Seal] and [Unseal].
type Credentials struct {
	APIKey     string
	APIToken   string
	AccountSID string
	Subdomain  string
	AppID      string
}

// CallRequest describes one outbound dial.
type CallRequest struct {
	// From is the destination number being dialed (E.164).
	From string

	// To is the agent leg — the gateway connects From to this applet/number.
	To string

	// CallerID is the trunk number presented to the callee.
	CallerID string

	// StatusCallback is the webhook URL for call status transitions.
	StatusCallback string

	// CustomField is echoed back in every webhook; carries the session id.
	CustomField string
}

// Client places calls against the telephony gateway. The dialer consumes
// this interface; tests substitute a fake.
type Client interface {
	// PlaceCall asks the gateway to dial and returns the provider-assigned
	// call id. Gateway rejections come back as a [*DialError].
	PlaceCall(ctx context.Context, creds Credentials, req CallRequest) (string, error)
}

// DialError is a gateway rejection of a dial request.
type DialError struct {
	// StatusCode is the HTTP status the gateway answered with.
	StatusCode int

	// Message is the response body, truncated.
	Message string
}

func (e *DialError) Error() string {
	return fmt.Sprintf("telephony: dial rejected with %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the rejection is worth retrying (5xx or 429).
func (e *DialError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
