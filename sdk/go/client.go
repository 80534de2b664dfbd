package insurancesdk

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
	"time"

	"github.com/shopspring/decimal"
)

// Client is a minimal HTTP client for the proposal and contract services.
type Client struct {
	BaseURL     string
	BearerToken string
	// TokenSource, when set, is called per request and takes precedence over BearerToken.
	TokenSource func(ctx context.Context) (string, error)
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Proposal struct {
	ID            string          `json:"id"`
	FullName      string          `json:"full_name"`
	NationalID    string          `json:"national_id"`
	Email         string          `json:"email"`
	CoverageType  string          `json:"coverage_type"`
	InsuredAmount decimal.Decimal `json:"insured_amount"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}

type ProposalInput struct {
	FullName      string  `json:"full_name"`
	NationalID    string  `json:"national_id"`
	Email         string  `json:"email"`
	CoverageType  string  `json:"coverage_type"`
	InsuredAmount float64 `json:"insured_amount"`
}

type Contract struct {
	ID           string    `json:"id"`
	ProposalID   string    `json:"proposal_id"`
	ContractedAt time.Time `json:"contracted_at"`
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// DecodeError means the peer answered 2xx with a body that could not be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode response: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func (c *Client) CreateProposal(ctx context.Context, in ProposalInput) (Proposal, error) {
	var out Proposal
	err := c.do(ctx, http.MethodPost, "proposals", in, &out)
	return out, err
}

func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var out Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListProposals(ctx context.Context, limit int) ([]Proposal, error) {
	var out struct {
		Items []Proposal `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("proposals?limit=%d", limit), nil, &out)
	return out.Items, err
}

func (c *Client) ChangeProposalStatus(ctx context.Context, id, status string) (Proposal, error) {
	var out Proposal
	err := c.do(ctx, http.MethodPatch, "proposals/"+url.PathEscape(id)+"/status", map[string]string{"status": status}, &out)
	return out, err
}

func (c *Client) CreateContract(ctx context.Context, proposalID string) (Contract, error) {
	var out Contract
	err := c.do(ctx, http.MethodPost, "contracts", map[string]string{"proposal_id": proposalID}, &out)
	return out, err
}

func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	var out Contract
	err := c.do(ctx, http.MethodGet, "contracts/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ListContracts(ctx context.Context, limit int) ([]Contract, error) {
	var out struct {
		Items []Contract `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("contracts?limit=%d", limit), nil, &out)
	return out.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	token := c.BearerToken
	if c.TokenSource != nil {
		if token, err = c.TokenSource(ctx); err != nil {
			return fmt.Errorf("service token: %w", err)
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &DecodeError{Err: err}
		}
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
