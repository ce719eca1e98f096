// Package smsline is the client for the disposable phone number rental
// plane. The vendor speaks a flat text protocol over GET requests.
package smsline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FinalState is the exactly-once verdict reported back to the vendor when a
// rental is done.
type FinalState string

const (
	// FinalConsume completes the rental as used (billing applies).
	FinalConsume FinalState = "6"
	// FinalRefund cancels the rental for a refund.
	FinalRefund FinalState = "8"
)

// OTP states reported by the vendor.
const (
	OTPWaiting   = "waiting"
	OTPReceived  = "received"
	OTPCancelled = "cancelled"
)

// ErrAlreadyFinalized means the vendor already processed a final state for
// the rental. Callers treat this as success, never as a failure.
var ErrAlreadyFinalized = errors.New("rental already finalized")

// ErrNoNumbers means the vendor has no numbers in stock right now.
var ErrNoNumbers = errors.New("no numbers available")

// ErrNoBalance means the vendor account is out of funds.
var ErrNoBalance = errors.New("insufficient balance")

// Rental is a freshly leased number.
type Rental struct {
	ID          string
	PhoneNumber string
	ExpiresAt   time.Time
}

// OTPStatus is the current verification state of a rental.
type OTPStatus struct {
	State string
	Code  string
}

// Client calls the rental plane. LeaseWindow controls the expiry recorded on
// freshly rented numbers.
type Client struct {
	baseURL     string
	apiKey      string
	leaseWindow time.Duration
	httpClient  *http.Client
}

func New(baseURL, apiKey string, leaseWindow, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if leaseWindow == 0 {
		leaseWindow = 72 * time.Hour
	}
	return &Client{
		baseURL:     baseURL,
		apiKey:      apiKey,
		leaseWindow: leaseWindow,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) request(ctx context.Context, params map[string]string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms plane request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(body))

	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("sms plane status %d: %s", resp.StatusCode, text)
	}
	switch {
	case strings.HasPrefix(text, "NO_NUMBERS"):
		return "", ErrNoNumbers
	case strings.HasPrefix(text, "NO_BALANCE"):
		return "", ErrNoBalance
	case strings.HasPrefix(text, "BAD_KEY"):
		return "", errors.New("invalid sms plane api key")
	}
	return text, nil
}

// Rent leases a fresh number for OTP verification.
func (c *Client) Rent(ctx context.Context) (Rental, error) {
	text, err := c.request(ctx, map[string]string{
		"action":  "getNumber",
		"service": "tiktok",
		"country": "0",
	})
	if err != nil {
		return Rental{}, err
	}

	parts := strings.Split(text, ":")
	if len(parts) != 3 || parts[0] != "ACCESS_NUMBER" {
		return Rental{}, fmt.Errorf("unexpected rent response: %q", text)
	}
	return Rental{
		ID:          parts[1],
		PhoneNumber: parts[2],
		ExpiresAt:   time.Now().UTC().Add(c.leaseWindow),
	}, nil
}

// OTPStatus reports whether a code has arrived for the rental.
func (c *Client) OTPStatus(ctx context.Context, rentalID string) (OTPStatus, error) {
	text, err := c.request(ctx, map[string]string{
		"action": "getStatus",
		"id":     rentalID,
	})
	if err != nil {
		return OTPStatus{}, err
	}

	switch {
	case text == "STATUS_WAIT_CODE":
		return OTPStatus{State: OTPWaiting}, nil
	case text == "STATUS_CANCEL":
		return OTPStatus{State: OTPCancelled}, nil
	case strings.HasPrefix(text, "STATUS_OK"):
		parts := strings.SplitN(text, ":", 2)
		if len(parts) != 2 || parts[1] == "" {
			return OTPStatus{}, fmt.Errorf("malformed otp response: %q", text)
		}
		return OTPStatus{State: OTPReceived, Code: parts[1]}, nil
	}
	return OTPStatus{}, fmt.Errorf("unexpected otp response: %q", text)
}

// SetFinalState reports the rental verdict. The vendor answers BAD_STATUS
// when the rental was finalized before; that surfaces as ErrAlreadyFinalized
// so the release coordinator can treat the repeat as a no-op.
func (c *Client) SetFinalState(ctx context.Context, rentalID string, state FinalState) error {
	text, err := c.request(ctx, map[string]string{
		"action": "setStatus",
		"id":     rentalID,
		"status": string(state),
	})
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(text, "ACCESS"):
		return nil
	case strings.HasPrefix(text, "BAD_STATUS"):
		return ErrAlreadyFinalized
	}
	return fmt.Errorf("unexpected finalize response: %q", text)
}
