package verifyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"presence/internal/capture"
	"presence/internal/decision"
	"presence/internal/geofence"
	"presence/internal/matcher"
)

// ErrUnauthorized means the API rejected the device token.
var ErrUnauthorized = errors.New("unauthorized")

// Client submits captured samples to the presence API on behalf of one kiosk.
type Client struct {
	BaseURL   string
	SessionID string
	DeviceID  string
	HTTP      *http.Client

	mu      sync.RWMutex
	token   string
	refresh string

	refreshMu sync.Mutex
}

// New creates a client with configurable timeout.
func New(baseURL, sessionID, deviceID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		DeviceID:  deviceID,
		HTTP:      &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken sets the bearer token sent with verifications.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// SetRefreshToken sets the token used to renew an expired access token.
func (c *Client) SetRefreshToken(token string) {
	c.mu.Lock()
	c.refresh = token
	c.mu.Unlock()
}

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Register registers the device and keeps the returned token pair.
func (c *Client) Register(ctx context.Context) error {
	var out tokenPair
	if err := c.post(ctx, "/v1/devices/register", map[string]string{"device_id": c.DeviceID}, &out); err != nil {
		return fmt.Errorf("register device: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("register device: no access token in response")
	}
	c.store(out)
	return nil
}

// Refresh trades the refresh token for a new pair. The old refresh token is
// spent whether or not the caller sees the response.
func (c *Client) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	return c.refreshLocked(ctx)
}

// refreshFrom refreshes unless another caller already replaced the rejected
// access token.
func (c *Client) refreshFrom(ctx context.Context, rejected string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	if c.accessToken() != rejected {
		return nil
	}
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) error {
	c.mu.RLock()
	refresh := c.refresh
	c.mu.RUnlock()
	if refresh == "" {
		return fmt.Errorf("refresh token: %w: no refresh token held", ErrUnauthorized)
	}
	var out tokenPair
	if err := c.post(ctx, "/v1/devices/refresh", map[string]string{"refresh_token": refresh}, &out); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if out.AccessToken == "" {
		return errors.New("refresh token: no access token in response")
	}
	c.store(out)
	return nil
}

func (c *Client) store(p tokenPair) {
	c.mu.Lock()
	c.token = p.AccessToken
	if p.RefreshToken != "" {
		c.refresh = p.RefreshToken
	}
	c.mu.Unlock()
}

type verifyRequest struct {
	Embedding   []float32            `json:"embedding"`
	SessionID   string               `json:"session_id"`
	DeviceID    string               `json:"device_id,omitempty"`
	Location    *geofence.Coordinate `json:"location,omitempty"`
	CapturedAt  time.Time            `json:"captured_at"`
	StableCount int                  `json:"stable_count"`
}

type verifyResponse struct {
	Success  bool              `json:"success"`
	Decision decision.Decision `json:"decision"`
}

// Verify implements capture.Verifier. An expired access token is refreshed
// once and the request retried.
func (c *Client) Verify(ctx context.Context, sub capture.Submission) (decision.Decision, error) {
	req := verifyRequest{
		Embedding:   sub.Embedding,
		SessionID:   c.SessionID,
		DeviceID:    c.DeviceID,
		Location:    sub.Location,
		CapturedAt:  sub.CapturedAt.UTC(),
		StableCount: sub.StableCount,
	}
	used := c.accessToken()
	var out verifyResponse
	err := c.post(ctx, "/v1/verify", req, &out)
	if errors.Is(err, ErrUnauthorized) && c.canRefresh() {
		if rerr := c.refreshFrom(ctx, used); rerr != nil {
			log.Printf("WARNING: device %s token refresh failed: %v", c.DeviceID, rerr)
			return decision.Decision{}, err
		}
		err = c.post(ctx, "/v1/verify", req, &out)
	}
	if err != nil {
		return decision.Decision{}, err
	}
	return out.Decision, nil
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) canRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresh != ""
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("presence api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = string(raw)
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Error)
		case http.StatusUnprocessableEntity:
			return fmt.Errorf("%w: %s", matcher.ErrInvalidEmbedding, apiErr.Error)
		}
		return fmt.Errorf("presence api error %s: %s", resp.Status, apiErr.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
