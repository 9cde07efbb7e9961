// Package client provides a Go client for the terraverify API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a terraverify API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// New creates a new terraverify client. Submissions and claims can wait on
// the verification service and the chain, so the default timeout is long.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// SubmitRequest is a plot and monitoring period to verify.
type SubmitRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
	StartDate   string      `json:"startDate"`
	EndDate     string      `json:"endDate"`
}

// Verification is a stored verification record.
type Verification struct {
	ID            string      `json:"id"`
	Coordinates   [][]float64 `json:"coordinates"`
	StartDate     string      `json:"startDate"`
	EndDate       string      `json:"endDate"`
	Verified      bool        `json:"verified"`
	Reason        string      `json:"reason,omitempty"`
	NDVIStart     *float64    `json:"ndviStart,omitempty"`
	NDVIEnd       *float64    `json:"ndviEnd,omitempty"`
	NDVIChange    *float64    `json:"ndviChange,omitempty"`
	AreaHa        *float64    `json:"areaHa,omitempty"`
	CarbonCredits *float64    `json:"carbonCredits,omitempty"`
	HasPlot       bool        `json:"hasPlot"`
	ClaimStatus   string      `json:"claimStatus,omitempty"`
	ClaimTxHash   string      `json:"claimTxHash,omitempty"`
	PendingTxHash string      `json:"pendingTxHash,omitempty"`
	ClaimWallet   string      `json:"claimWallet,omitempty"`
	ClaimAttempts int         `json:"claimAttempts"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// SubmitResult is a submission outcome. Created is false when the plot and
// period had already been submitted.
type SubmitResult struct {
	Verification
	Created bool `json:"-"`
}

// ClaimResult is a confirmed claim.
type ClaimResult struct {
	VerificationID string         `json:"verificationId"`
	WalletAddress  string         `json:"walletAddress"`
	Amount         float64        `json:"amount"`
	TxHash         string         `json:"txHash"`
	ClaimStatus    string         `json:"claimStatus"`
	Attempts       []ClaimAttempt `json:"attempts"`
}

// ClaimAttempt is one chain submission made for a claim.
type ClaimAttempt struct {
	AttemptNumber int       `json:"attemptNumber"`
	TxHash        string    `json:"txHash,omitempty"`
	Outcome       string    `json:"outcome"`
	At            time.Time `json:"at"`
}

// ListOptions filters a listing.
type ListOptions struct {
	Verified    *bool
	ClaimStatus string
	Limit       int
	Cursor      string
}

// ListResponse is the response for listing verifications
type ListResponse struct {
	Data       []Verification `json:"data"`
	Pagination Pagination     `json:"pagination"`
}

// Pagination contains pagination info
type Pagination struct {
	Limit      int    `json:"limit"`
	HasMore    bool   `json:"hasMore"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// APIError represents an API error response
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	TxHash     string `json:"txHash,omitempty"`
	RetryAfter string `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Submit submits a plot for verification.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	var resp SubmitResult
	status, err := c.post(ctx, "/api/v1/verifications", req, &resp.Verification)
	if err != nil {
		return nil, err
	}
	resp.Created = status == http.StatusCreated
	return &resp, nil
}

// Get gets a verification by ID.
func (c *Client) Get(ctx context.Context, id string) (*Verification, error) {
	var resp Verification
	if err := c.get(ctx, "/api/v1/verifications/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List lists verifications.
func (c *Client) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	q := url.Values{}
	if opts.Verified != nil {
		q.Set("verified", strconv.FormatBool(*opts.Verified))
	}
	if opts.ClaimStatus != "" {
		q.Set("claimStatus", opts.ClaimStatus)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	path := "/api/v1/verifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ListResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Claim transfers a verification's credits to wallet.
func (c *Client) Claim(ctx context.Context, id, wallet string) (*ClaimResult, error) {
	var resp ClaimResult
	path := fmt.Sprintf("/api/v1/verifications/%s/claim", url.PathEscape(id))
	if _, err := c.post(ctx, path, map[string]string{"walletAddress": wallet}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Plot gets the PNG visualization stored for a verification.
func (c *Client) Plot(ctx context.Context, id string) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/verifications/%s/plot", url.PathEscape(id))
	return c.getRaw(ctx, path)
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	_, err = c.do(req, result)
	return err
}

func (c *Client) getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, c.parseError(resp)
	}

	return io.ReadAll(resp.Body)
}

func (c *Client) post(ctx context.Context, path string, body, result any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) (int, error) {
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp.StatusCode, c.parseError(resp)
	}

	if result != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(result)
	}

	return resp.StatusCode, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *Client) parseError(resp *http.Response) error {
	var errResp struct {
		Error APIError `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error.Code == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message:    http.StatusText(resp.StatusCode),
		}
	}
	errResp.Error.StatusCode = resp.StatusCode
	errResp.Error.RetryAfter = resp.Header.Get("Retry-After")
	return &errResp.Error
}
