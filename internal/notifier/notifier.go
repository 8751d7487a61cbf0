// Package notifier performs the terminal backend actions for an incident:
// the two-step escalation (verify, then notify the emergency contact) or the
// one-step false-alarm closure. Backend failures are contained here: every
// operation returns a human-readable string, never an error, because the
// conversation must end with its closing line regardless of backend health.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/vitalsignal/carecall/internal/config"
)

const defaultTimeout = 10 * time.Second

// Notifier is the outcome side of the decision core. Exactly one of the two
// methods is invoked per incident; the agent session enforces that.
type Notifier interface {
	Escalate(ctx context.Context, incidentID, userID, phoneNumber, callSummary string) string
	Close(ctx context.Context, incidentID, userID, callSummary string) string
}

type verifyRequest struct {
	UserID      string `json:"userId"`
	IncidentID  string `json:"incidentId"`
	CallSummary string `json:"callSummary"`
}

type contactRequest struct {
	UserID       string `json:"userId"`
	IncidentID   string `json:"incidentId"`
	PatientPhone string `json:"patientPhone"`
}

// Client talks to the incident backend over HTTP with a static shared-secret
// header. No retries: at most one attempt per step per call.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(cfg config.BackendConfig) *Client {
	timeout := defaultTimeout
	if cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SetHTTPClient replaces the underlying client (for testing).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// Escalate records the verified emergency and triggers the emergency-contact
// call. The two requests are strictly sequential: notifying a contact
// without a recorded verification is meaningless. The verify response body
// is logged but not validated; only a transport failure on verify skips the
// contact step.
func (c *Client) Escalate(ctx context.Context, incidentID, userID, phoneNumber, callSummary string) string {
	log.Printf("[notifier] escalating incident %s", incidentID)

	verifyBody, err := c.post(ctx, "/agent-verify-emergency", verifyRequest{
		UserID:      userID,
		IncidentID:  incidentID,
		CallSummary: callSummary,
	})
	if err != nil {
		log.Printf("[notifier] verify emergency for %s failed: %v", incidentID, err)
		return fmt.Sprintf("Error confirming emergency: %v", err)
	}
	log.Printf("[notifier] emergency verified for %s: %s", incidentID, truncate(verifyBody, 200))

	contactBody, err := c.post(ctx, "/agent-call-emergency-contact", contactRequest{
		UserID:       userID,
		IncidentID:   incidentID,
		PatientPhone: phoneNumber,
	})
	if err != nil {
		log.Printf("[notifier] notify emergency contact for %s failed: %v", incidentID, err)
		return fmt.Sprintf("Error notifying emergency contact: %v", err)
	}
	log.Printf("[notifier] emergency contact notified for %s: %s", incidentID, truncate(contactBody, 200))

	return "Emergency has been confirmed. Emergency contact is being notified."
}

// Close marks the incident as a false alarm.
func (c *Client) Close(ctx context.Context, incidentID, userID, callSummary string) string {
	log.Printf("[notifier] false alarm for incident %s", incidentID)

	body, err := c.post(ctx, "/agent-falsify-emergency", verifyRequest{
		UserID:      userID,
		IncidentID:  incidentID,
		CallSummary: callSummary,
	})
	if err != nil {
		log.Printf("[notifier] mark false alarm for %s failed: %v", incidentID, err)
		return fmt.Sprintf("Error marking false alarm: %v", err)
	}
	log.Printf("[notifier] false alarm recorded for %s: %s", incidentID, truncate(body, 200))

	return "False alarm has been documented."
}

func (c *Client) post(ctx context.Context, path string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", path, err)
	}
	// Any delivered response counts: the body is logged, never validated
	// against a schema, and a non-2xx status does not change the call flow.
	// Only a transport failure surfaces as an error to the caller.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[notifier] post %s: backend status %d", path, resp.StatusCode)
	}
	return string(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
