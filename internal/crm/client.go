// Package crm implements the client for the external CRM's lead API. The
// delivery worker in internal/worker drives it; this package only speaks
// the wire protocol.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrLeadNotFound is returned by SearchLead when no record matches.
var ErrLeadNotFound = errors.New("crm lead not found")

// RequestError reports a failed CRM call with its HTTP status. Retryable
// reports whether the delivery worker should count this as a transient
// failure worth another attempt.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("crm: status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure may resolve on its own.
func (e *RequestError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// LeadPayload is the create-lead request body.
type LeadPayload struct {
	LastName                      string `json:"last_name"`
	Phone                         string `json:"phone,omitempty"`
	Email                         string `json:"email,omitempty"`
	Whatsapp                      string `json:"whatsapp,omitempty"`
	Telegram                      string `json:"telegram,omitempty"`
	Company                       string `json:"company,omitempty"`
	Question                      string `json:"question,omitempty"`
	LeadFirstCommunicationChannel string `json:"lead_first_communication_channel"`
}

// Record is a CRM lead as returned by search and create.
type Record struct {
	ID       string `json:"id"`
	LastName string `json:"last_name"`
	Phone    string `json:"phone"`
	Email    string `json:"email"`
}

// Client is the CRM lead API. The delivery worker depends on this interface;
// tests substitute a fake.
type Client interface {
	// SearchLead finds an existing record by phone or email (either may be
	// empty). Returns ErrLeadNotFound when nothing matches.
	SearchLead(ctx context.Context, phone, email string) (*Record, error)
	// CreateLead creates a record and returns it with the CRM id set.
	CreateLead(ctx context.Context, p LeadPayload) (*Record, error)
	// AddNote attaches a note to an existing record.
	AddNote(ctx context.Context, recordID, note string) error
}

// HTTPClient talks to the CRM over JSON/HTTP with bearer auth.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient builds a client for the given endpoint and token.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type searchResponse struct {
	Data []Record `json:"data"`
}

// SearchLead finds an existing record by phone or email.
func (c *HTTPClient) SearchLead(ctx context.Context, phone, email string) (*Record, error) {
	q := url.Values{}
	if phone != "" {
		q.Set("phone", phone)
	}
	if email != "" {
		q.Set("email", email)
	}
	if len(q) == 0 {
		return nil, ErrLeadNotFound
	}

	var out searchResponse
	if err := c.do(ctx, http.MethodGet, "/leads/search?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, ErrLeadNotFound
	}
	return &out.Data[0], nil
}

// CreateLead creates a record and returns it with the CRM id set.
func (c *HTTPClient) CreateLead(ctx context.Context, p LeadPayload) (*Record, error) {
	var out struct {
		Data Record `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/leads", p, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, &RequestError{Status: http.StatusOK, Body: "create response missing lead id"}
	}
	return &out.Data, nil
}

// AddNote attaches a note to an existing record.
func (c *HTTPClient) AddNote(ctx context.Context, recordID, note string) error {
	body := map[string]string{"content": note}
	return c.do(ctx, http.MethodPost, "/leads/"+url.PathEscape(recordID)+"/notes", body, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures are retryable by convention.
		return &RequestError{Status: http.StatusServiceUnavailable, Body: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &RequestError{Status: http.StatusServiceUnavailable, Body: err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RequestError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &RequestError{Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
		}
	}
	return nil
}

// IsRetryable reports whether a CRM error should count as transient.
func IsRetryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Retryable()
	}
	// Context timeouts and other transport errors: retry.
	return !errors.Is(err, ErrLeadNotFound)
}
