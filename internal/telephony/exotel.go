package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultDialTimeout = 15 * time.Second

// Compile-time interface check.
var _ Client = (*Exotel)(nil)

// Exotel places calls through the Exotel connect API:
// POST https://<subdomain>/v1/Accounts/<sid>/Calls/connect, form-encoded,
// HTTP basic auth apiKey:apiToken.
type Exotel struct {
	httpClient *http.Client

	// baseURL overrides the subdomain-derived account URL. Tests point it
	// at a local server.
	baseURL string
}

// ExotelOption configures the [Exotel] client.
type ExotelOption func(*Exotel)

// WithHTTPClient substitutes the HTTP client used for dial requests.
func WithHTTPClient(c *http.Client) ExotelOption {
	return func(e *Exotel) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// WithBaseURL overrides the account base URL
// (default https://<subdomain>/v1/Accounts/<sid>).
func WithBaseURL(u string) ExotelOption {
	return func(e *Exotel) {
		e.baseURL = strings.TrimSuffix(u, "/")
	}
}

// NewExotel creates an Exotel dial client.
func NewExotel(opts ...ExotelOption) *Exotel {
	e := &Exotel{
		httpClient: &http.Client{Timeout: defaultDialTimeout},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// callResponse is the gateway's JSON answer to a connect request.
type callResponse struct {
	Call struct {
		Sid    string `json:"Sid"`
		Status string `json:"Status"`
	} `json:"Call"`
}

// PlaceCall implements [Client].
func (e *Exotel) PlaceCall(ctx context.Context, creds Credentials, req CallRequest) (string, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	form.Set("CallerId", req.CallerID)
	form.Set("CallType", "trans")
	if req.StatusCallback != "" {
		form.Set("StatusCallback", req.StatusCallback)
		form.Set("StatusCallbackEvents[0]", "terminal")
		form.Set("StatusCallbackEvents[1]", "answered")
	}
	if req.CustomField != "" {
		form.Set("CustomField", req.CustomField)
	}

	endpoint := e.baseURL
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s/v1/Accounts/%s", creds.Subdomain, creds.AccountSID)
	}
	endpoint += "/Calls/connect"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("telephony: build dial request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(creds.APIKey, creds.APIToken)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("telephony: dial request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("telephony: read dial response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return "", &DialError{StatusCode: resp.StatusCode, Message: msg}
	}

	var parsed callResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("telephony: decode dial response: %w", err)
	}
	if parsed.Call.Sid == "" {
		return "", fmt.Errorf("telephony: dial response carries no call sid")
	}
	return parsed.Call.Sid, nil
}
