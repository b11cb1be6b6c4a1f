// Package fnb wraps the FNB banking API used to pay runners out from the
// platform's merchant account. It is a pure network boundary: token
// handling, request signing and error mapping, no business rules.
package fnb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// State is the rail-side lifecycle of one EFT instruction.
type State string

const (
	StateSubmitted  State = "SUBMITTED"
	StateProcessing State = "PROCESSING"
	StateSuccess    State = "SUCCESS"
	StateFailed     State = "FAILED"
	StateRejected   State = "REJECTED"
)

const (
	defaultTimeout = 30 * time.Second
	// tokenSafetyBuffer refreshes the bearer token this long before its
	// declared expiry so an in-flight request never carries a stale token.
	tokenSafetyBuffer = 60 * time.Second
)

// APIError carries the upstream failure for any non-2xx response or
// transport error. Callers treat these as retryable at the operation level.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("fnb: api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("fnb: api error %d: %s", e.StatusCode, e.Message)
}

type Config struct {
	BaseURL         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	MerchantAccount string
	Timeout         time.Duration
}

// Client is safe to share across orchestrator instances; the token cache is
// the only mutable state and redundant refreshes are harmless.
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("fnb: base and token URLs required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("fnb: client credentials required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
	}, nil
}

func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.httpClient = h
	return c
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// getAccessToken returns the cached bearer token, refreshing only when it
// is within the safety buffer of expiry.
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenSafetyBuffer)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("fnb: build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &APIError{Message: fmt.Sprintf("token request: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", readAPIError(resp)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("fnb: decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("fnb: empty access token")
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	c.mu.Unlock()

	return tok.AccessToken, nil
}

// EFTPayment is one payout instruction submitted to the rail.
type EFTPayment struct {
	DestinationAccount string  `json:"destination_account"`
	DestinationName    string  `json:"destination_name"`
	Amount             float64 `json:"amount"`
	Currency           string  `json:"currency"`
	Reference          string  `json:"reference"`
	Narrative          string  `json:"narrative"`
	Timing             string  `json:"timing,omitempty"`
}

// Instruction is the rail's acknowledgement of an accepted submission.
type Instruction struct {
	ID    string `json:"instruction_id"`
	State State  `json:"state"`
}

// PaymentStatus is the rail's current view of an instruction.
type PaymentStatus struct {
	State         State  `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Transaction is one merchant-account movement (reconciliation read).
type Transaction struct {
	ID        string    `json:"id"`
	Reference string    `json:"reference"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Type      string    `json:"type"`
	PostedAt  time.Time `json:"posted_at"`
}

// Balance is the merchant account position (reconciliation read).
type Balance struct {
	Currency  string    `json:"currency"`
	Available float64   `json:"available"`
	Current   float64   `json:"current"`
	AsOf      time.Time `json:"as_of"`
}

// CreateEFTPayment submits a payout instruction. The reference doubles as
// the rail-side idempotency key.
func (c *Client) CreateEFTPayment(ctx context.Context, p EFTPayment) (Instruction, error) {
	if p.DestinationAccount == "" || p.DestinationName == "" {
		return Instruction{}, fmt.Errorf("fnb: destination account and name required")
	}
	if p.Amount <= 0 {
		return Instruction{}, fmt.Errorf("fnb: non-positive amount %f", p.Amount)
	}
	if p.Reference == "" {
		return Instruction{}, fmt.Errorf("fnb: payment reference required")
	}

	var out Instruction
	if err := c.doJSON(ctx, http.MethodPost, "/payments/eft", p, &out); err != nil {
		return Instruction{}, err
	}
	if out.ID == "" {
		return Instruction{}, fmt.Errorf("fnb: submission accepted without instruction id")
	}
	return out, nil
}

// GetPaymentStatus polls the rail for one instruction's current state.
func (c *Client) GetPaymentStatus(ctx context.Context, instructionID string) (PaymentStatus, error) {
	if instructionID == "" {
		return PaymentStatus{}, fmt.Errorf("fnb: instruction id required")
	}
	var out PaymentStatus
	if err := c.doJSON(ctx, http.MethodGet, "/payments/eft/"+url.PathEscape(instructionID), nil, &out); err != nil {
		return PaymentStatus{}, err
	}
	return out, nil
}

// GetTransactionHistory fetches merchant-account movements for a window.
func (c *Client) GetTransactionHistory(ctx context.Context, from, to time.Time) ([]Transaction, error) {
	path := fmt.Sprintf("/accounts/%s/transactions?from=%s&to=%s",
		url.PathEscape(c.cfg.MerchantAccount),
		url.QueryEscape(from.UTC().Format(time.RFC3339)),
		url.QueryEscape(to.UTC().Format(time.RFC3339)),
	)
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// GetAccountBalance fetches the merchant account position.
func (c *Client) GetAccountBalance(ctx context.Context) (Balance, error) {
	var out Balance
	if err := c.doJSON(ctx, http.MethodGet, "/accounts/"+url.PathEscape(c.cfg.MerchantAccount)+"/balance", nil, &out); err != nil {
		return Balance{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fnb: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("fnb: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// A timeout counts as a submission failure, never a success.
		return &APIError{Message: fmt.Sprintf("%s %s: %v", method, path, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("fnb: decode response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err != nil {
		apiErr.Message = resp.Status
		return apiErr
	}
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && (body.Message != "" || body.Error != "") {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}

// IsAPIError reports whether err originated at the rail boundary.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
