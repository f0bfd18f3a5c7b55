// Package provider is the outbound leg of the telephony provider
// integration: POST {base}/api/initiate-call, bounded by a 30s deadline per
// the component spec. Retry-on-failure is the TaskBus's job, not this
// client's, so this stays a thin, un-retrying HTTP wrapper.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const dialTimeout = 30 * time.Second

// Client talks to the external telephony provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: dialTimeout,
		},
	}
}

type initiateRequest struct {
	CallID       uuid.UUID `json:"call_id"`
	PhoneNumber  string    `json:"phone_number"`
	CampaignID   uuid.UUID `json:"campaign_id"`
	CampaignName string    `json:"campaign_name"`
}

type initiateResponse struct {
	ExternalCallID string `json:"external_call_id"`
}

// NonRetriableError marks a provider response as a definitive failure (the
// Lifecycle should move straight to FAILED) rather than one the TaskBus
// should retry.
type NonRetriableError struct {
	StatusCode int
	Body       string
}

func (e *NonRetriableError) Error() string {
	return fmt.Sprintf("provider: non-retriable response %d: %s", e.StatusCode, e.Body)
}

// InitiateCall asks the provider to place the call. A non-nil
// *NonRetriableError return means the failure is final; any other non-nil
// error (network, 5xx) is retriable by the caller's TaskBus wrapper.
func (c *Client) InitiateCall(ctx context.Context, callID, campaignID uuid.UUID, number, campaignName string) (externalCallID string, err error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	body, err := json.Marshal(initiateRequest{
		CallID:       callID,
		PhoneNumber:  number,
		CampaignID:   campaignID,
		CampaignName: campaignName,
	})
	if err != nil {
		return "", fmt.Errorf("provider: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/initiate-call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("provider: server error %d: %s", resp.StatusCode, string(raw))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &NonRetriableError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var parsed initiateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", &NonRetriableError{StatusCode: resp.StatusCode, Body: "malformed response body"}
	}
	return parsed.ExternalCallID, nil
}
