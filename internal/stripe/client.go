package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.stripe.com"

// Client is a minimal PaymentIntent client. Amounts at this boundary
// are always integer minor units. No retries: retry policy belongs to
// the caller.
type Client struct {
	secretKey string
	baseURL   string
	httpc     *http.Client
}

func NewClient(secretKey string) *Client {
	return &Client{
		secretKey: secretKey,
		baseURL:   defaultBaseURL,
		httpc:     &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithBaseURL points the client at a different API host, used
// by tests and the stripe-mock container.
func NewClientWithBaseURL(secretKey, baseURL string) *Client {
	c := NewClient(secretKey)
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// Intent is the subset of the PaymentIntent resource this backend
// consumes.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
}

type Refund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type apiError struct {
	Err struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type CreateIntentParams struct {
	AmountCents int64
	Currency    string
	Description string
	Metadata    map[string]string
}

// CreateIntent places a manual-capture hold: the funds are reserved but
// not transferred until CaptureIntent.
func (c *Client) CreateIntent(ctx context.Context, p CreateIntentParams) (*Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(p.AmountCents, 10))
	form.Set("currency", p.Currency)
	form.Set("capture_method", "manual")
	if p.Description != "" {
		form.Set("description", p.Description)
	}
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents", form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+id, nil, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) CaptureIntent(ctx context.Context, id string) (*Intent, error) {
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+id+"/capture", url.Values{}, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (c *Client) CancelIntent(ctx context.Context, id, reason string) (*Intent, error) {
	form := url.Values{}
	if reason != "" {
		form.Set("cancellation_reason", reason)
	}
	var intent Intent
	if err := c.do(ctx, http.MethodPost, "/v1/payment_intents/"+id+"/cancel", form, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateRefund refunds a captured or authorized intent. amountCents of
// zero means a full refund; Stripe rejects over-refunding on its side.
func (c *Client) CreateRefund(ctx context.Context, paymentIntentID, reason string, amountCents int64) (*Refund, error) {
	form := url.Values{}
	form.Set("payment_intent", paymentIntentID)
	if reason != "" {
		form.Set("reason", reason)
	}
	if amountCents > 0 {
		form.Set("amount", strconv.FormatInt(amountCents, 10))
	}

	var refund Refund
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		raw, _ := io.ReadAll(resp.Body)
		var ae apiError
		if jsonErr := json.Unmarshal(raw, &ae); jsonErr == nil && ae.Err.Message != "" {
			return fmt.Errorf("stripe: %s (type=%s code=%s)", ae.Err.Message, ae.Err.Type, ae.Err.Code)
		}
		return fmt.Errorf("stripe: unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
