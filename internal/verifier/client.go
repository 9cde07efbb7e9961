package verifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/terraverify/terraverify/internal/validation"
)

const (
	verifyPath      = "/verify_and_visualize"
	maxResponseSize = 32 << 20
	defaultReason   = "verification service declined the plot"
)

// Client calls the verification service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRateLimit throttles outbound calls to perSec with a burst of one.
// A non-positive rate disables throttling.
func WithRateLimit(perSec float64) Option {
	return func(c *Client) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		}
	}
}

// New creates a verification service client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	Coordinates [][]float64 `json:"coordinates"`
	StartDate   string      `json:"start_date"`
	EndDate     string      `json:"end_date"`
}

type verifyResult struct {
	Verified        *bool    `json:"verified"`
	Reason          *string  `json:"reason"`
	NDVIStart       *float64 `json:"ndvi_start"`
	NDVIEnd         *float64 `json:"ndvi_end"`
	NDVIChange      *float64 `json:"ndvi_change"`
	AreaHa          *float64 `json:"area_ha"`
	CarbonCredits   *float64 `json:"carbon_credits"`
	PlotImageBase64 string   `json:"plot_image_base64"`
}

// verifyResponse accepts both the flat shape and the shape nested under
// verification_results with a data URI plot.
type verifyResponse struct {
	verifyResult
	Results        *verifyResult `json:"verification_results"`
	TimeSeriesPlot string        `json:"time_series_plot"`
	Error          string        `json:"error"`
}

// RequestVerification submits a validated plot. It never writes anywhere.
func (c *Client) RequestVerification(ctx context.Context, req validation.PlotRequest) Outcome {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &ServiceError{Kind: Timeout, Err: fmt.Errorf("waiting for rate limiter: %w", err)}
		}
	}

	body, err := json.Marshal(verifyRequest{
		Coordinates: req.Coordinates(),
		StartDate:   req.StartDate(),
		EndDate:     req.EndDate(),
	})
	if err != nil {
		return serviceError(MalformedResponse, "encoding request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+verifyPath, bytes.NewReader(body))
	if err != nil {
		return serviceError(Unreachable, "creating request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return classifyTransportError(err)
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return serviceError(Unreachable, "status %d: %s", resp.StatusCode, snippet(data))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return serviceError(MalformedResponse, "status %d: %s", resp.StatusCode, snippet(data))
	}

	return parseResponse(data)
}

func parseResponse(data []byte) Outcome {
	var resp verifyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return serviceError(MalformedResponse, "decoding response: %v", err)
	}
	if resp.Error != "" {
		return serviceError(MalformedResponse, "service reported error: %s", resp.Error)
	}

	result := resp.verifyResult
	plot := resp.PlotImageBase64
	if resp.Results != nil {
		result = *resp.Results
		plot = resp.TimeSeriesPlot
		if result.PlotImageBase64 != "" {
			plot = result.PlotImageBase64
		}
	}

	if result.Verified == nil {
		return serviceError(MalformedResponse, "response has no verified field")
	}

	if !*result.Verified {
		reason := defaultReason
		if result.Reason != nil && *result.Reason != "" {
			reason = *result.Reason
		}
		return NotVerified{Reason: reason}
	}

	missing := missingFields(result)
	if len(missing) > 0 {
		return serviceError(MalformedResponse, "verified response missing %s", strings.Join(missing, ", "))
	}
	if *result.CarbonCredits <= 0 {
		return serviceError(MalformedResponse, "verified response has non-positive carbon_credits %g", *result.CarbonCredits)
	}

	return Verified{
		NDVIStart:     *result.NDVIStart,
		NDVIEnd:       *result.NDVIEnd,
		NDVIChange:    *result.NDVIChange,
		AreaHa:        *result.AreaHa,
		CarbonCredits: *result.CarbonCredits,
		PlotImage:     decodePlot(plot),
	}
}

func missingFields(r verifyResult) []string {
	var missing []string
	if r.NDVIStart == nil {
		missing = append(missing, "ndvi_start")
	}
	if r.NDVIEnd == nil {
		missing = append(missing, "ndvi_end")
	}
	if r.NDVIChange == nil {
		missing = append(missing, "ndvi_change")
	}
	if r.AreaHa == nil {
		missing = append(missing, "area_ha")
	}
	if r.CarbonCredits == nil {
		missing = append(missing, "carbon_credits")
	}
	return missing
}

// decodePlot accepts raw base64 or a data URI. Undecodable images are dropped.
func decodePlot(s string) []byte {
	if s == "" {
		return nil
	}
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	img, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return img
}

func classifyTransportError(err error) *ServiceError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &ServiceError{Kind: Timeout, Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &ServiceError{Kind: Timeout, Err: err}
	default:
		return &ServiceError{Kind: Unreachable, Err: err}
	}
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

// String renders an Outcome for logs.
func String(o Outcome) string {
	switch v := o.(type) {
	case Verified:
		return fmt.Sprintf("verified(credits=%g)", v.CarbonCredits)
	case NotVerified:
		return "not_verified"
	case *ServiceError:
		return "service_error(" + string(v.Kind) + ")"
	default:
		return "unknown"
	}
}
