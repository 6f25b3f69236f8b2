package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/wolfman30/whatsapp-assistant-relay/pkg/logging"
)

const webhookPath = "/webhook"

type config struct {
	relayURL string
	timeout  time.Duration
}

func loadConfig() (config, error) {
	relayURL := strings.TrimSpace(os.Getenv("RELAY_URL"))
	if relayURL == "" {
		return config{}, errors.New("RELAY_URL is required")
	}

	timeout := 10 * time.Second
	if raw := strings.TrimSpace(os.Getenv("RELAY_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid RELAY_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		relayURL: strings.TrimRight(relayURL, "/"),
		timeout:  timeout,
	}, nil
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"))
	cfg, err := loadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	client := &http.Client{Timeout: cfg.timeout}
	lambda.Start(func(ctx context.Context, evt events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		resp := handle(ctx, cfg, client, evt)
		if resp.StatusCode >= http.StatusInternalServerError {
			logger.Error("webhook forward failed", "status", resp.StatusCode, "path", evt.RawPath)
		}
		return resp, nil
	})
}

// handle proxies the Cloud API webhook to the relay. GET carries the
// subscription handshake in the query string; POST carries the signed body.
func handle(ctx context.Context, cfg config, client *http.Client, evt events.APIGatewayV2HTTPRequest) events.APIGatewayV2HTTPResponse {
	method := strings.ToUpper(strings.TrimSpace(evt.RequestContext.HTTP.Method))
	path := strings.TrimSpace(evt.RawPath)
	if path == "" {
		path = strings.TrimSpace(evt.RequestContext.HTTP.Path)
	}

	if path == "/health" {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Body: "ok"}
	}
	if strings.TrimRight(path, "/") != webhookPath {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusNotFound}
	}
	if method != http.MethodGet && method != http.MethodPost {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusMethodNotAllowed}
	}

	var body io.Reader = http.NoBody
	if method == http.MethodPost {
		raw, err := decodeBody(evt)
		if err != nil {
			return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadRequest, Body: "invalid body"}
		}
		body = bytes.NewReader(raw)
	}

	target := strings.TrimRight(cfg.relayURL, "/") + webhookPath
	if qs := strings.TrimSpace(evt.RawQueryString); qs != "" {
		target += "?" + qs
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusInternalServerError}
	}
	copyHeader(req.Header, evt.Headers, "Content-Type")
	// The relay verifies the HMAC over the exact body bytes.
	copyHeader(req.Header, evt.Headers, "X-Hub-Signature-256")
	if ip := strings.TrimSpace(evt.RequestContext.HTTP.SourceIP); ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := client.Do(req)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusBadGateway, Body: "upstream error"}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	out := events.APIGatewayV2HTTPResponse{
		StatusCode: resp.StatusCode,
		Body:       string(respBody),
		Headers:    map[string]string{},
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		out.Headers["content-type"] = ct
	}
	return out
}

func decodeBody(evt events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if !evt.IsBase64Encoded {
		return []byte(evt.Body), nil
	}
	return base64.StdEncoding.DecodeString(evt.Body)
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func copyHeader(dst http.Header, src map[string]string, header string) {
	if value := strings.TrimSpace(headerValue(src, header)); value != "" {
		dst.Set(header, value)
	}
}
