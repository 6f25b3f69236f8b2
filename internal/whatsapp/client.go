package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultGraphAPIBase    = "https://graph.facebook.com"
	defaultGraphAPIVersion = "v18.0"
	defaultHTTPTimeout     = 10 * time.Second

	// MaxTextLength is the Cloud API limit for a text message body.
	MaxTextLength = 4096
)

// ErrDelivery matches every DeliveryError via errors.Is.
var ErrDelivery = errors.New("whatsapp: delivery failed")

// DeliveryError reports a send the provider did not accept.
type DeliveryError struct {
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("whatsapp: send message: %v", e.Err)
	case e.Code != 0:
		return fmt.Sprintf("whatsapp: API error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("whatsapp: unexpected status %d: %s", e.StatusCode, e.Message)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// ClientConfig controls how the Cloud API client behaves.
type ClientConfig struct {
	AccessToken   string
	PhoneNumberID string
	BaseURL       string
	APIVersion    string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Client sends messages via the WhatsApp Cloud API.
type Client struct {
	accessToken   string
	phoneNumberID string
	graphAPIBase  string
	apiVersion    string
	httpClient    *http.Client
}

// NewClient creates a new Cloud API client.
func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultGraphAPIBase
	}
	version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	if version == "" {
		version = defaultGraphAPIVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		graphAPIBase:  base,
		apiVersion:    version,
		httpClient:    httpClient,
	}
}

// Send delivers text to recipientID, discarding the provider response.
func (c *Client) Send(ctx context.Context, recipientID, text string) error {
	_, err := c.SendText(ctx, recipientID, text)
	return err
}

// SendText sends a plain text message to the given recipient.
func (c *Client) SendText(ctx context.Context, recipientID, text string) (*SendResponse, error) {
	if strings.TrimSpace(recipientID) == "" {
		return nil, errors.New("whatsapp: recipient id required")
	}
	req := SendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               recipientID,
		Type:             "text",
		Text:             &TextBody{Body: truncateText(text, MaxTextLength)},
	}
	return c.send(ctx, req)
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.graphAPIBase, c.apiVersion, c.phoneNumberID)
}

func (c *Client) send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: marshal send request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("whatsapp: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &DeliveryError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var sendResp SendResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &sendResp); err != nil && resp.StatusCode < 300 {
			return nil, &DeliveryError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}

	if sendResp.Error != nil {
		return &sendResp, &DeliveryError{
			StatusCode: resp.StatusCode,
			Code:       sendResp.Error.Code,
			Message:    sendResp.Error.Message,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &sendResp, &DeliveryError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	return &sendResp, nil
}

func truncateText(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max])
}
