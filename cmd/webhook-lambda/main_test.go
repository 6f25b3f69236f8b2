package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(method, path, query, body string, headers map[string]string) events.APIGatewayV2HTTPRequest {
	return events.APIGatewayV2HTTPRequest{
		RawPath:        path,
		RawQueryString: query,
		Body:           body,
		Headers:        headers,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:   method,
				Path:     path,
				SourceIP: "203.0.113.7",
			},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	cfg := config{relayURL: "http://example.com", timeout: time.Second}
	resp := handle(context.Background(), cfg, http.DefaultClient, request(http.MethodGet, "/health", "", "", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", resp.Body)
}

func TestHandleRejects(t *testing.T) {
	cfg := config{relayURL: "http://example.com", timeout: time.Second}
	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "unknown path", method: http.MethodPost, path: "/webhooks/other", want: http.StatusNotFound},
		{name: "put", method: http.MethodPut, path: "/webhook", want: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handle(context.Background(), cfg, http.DefaultClient, request(tt.method, tt.path, "", "", nil))
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHandleForwardsHandshake(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/webhook", r.URL.Path)
		assert.Equal(t, "subscribe", r.URL.Query().Get("hub.mode"))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(r.URL.Query().Get("hub.challenge")))
	}))
	defer upstream.Close()

	// A trailing slash on the relay URL must not double the path separator.
	cfg := config{relayURL: upstream.URL + "/", timeout: time.Second}
	evt := request(http.MethodGet, "/webhook", "hub.mode=subscribe&hub.verify_token=t&hub.challenge=1158201444", "", nil)
	resp := handle(context.Background(), cfg, upstream.Client(), evt)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1158201444", resp.Body)
	assert.Equal(t, "text/plain", resp.Headers["content-type"])
}

func TestHandleForwardsSignedBody(t *testing.T) {
	payload := `{"object":"whatsapp_business_account","entry":[]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
		assert.Equal(t, "sha256=abc", r.Header.Get("X-Hub-Signature-256"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "203.0.113.7", r.Header.Get("X-Forwarded-For"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := config{relayURL: upstream.URL, timeout: time.Second}
	evt := request(http.MethodPost, "/webhook", "", base64.StdEncoding.EncodeToString([]byte(payload)), map[string]string{
		"content-type":        "application/json",
		"x-hub-signature-256": "sha256=abc",
	})
	evt.IsBase64Encoded = true

	resp := handle(context.Background(), cfg, upstream.Client(), evt)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleInvalidBase64(t *testing.T) {
	cfg := config{relayURL: "http://example.com", timeout: time.Second}
	evt := request(http.MethodPost, "/webhook", "", "%%%", nil)
	evt.IsBase64Encoded = true
	resp := handle(context.Background(), cfg, http.DefaultClient, evt)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleUpstreamUnavailable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	cfg := config{relayURL: url, timeout: time.Second}
	resp := handle(context.Background(), cfg, &http.Client{Timeout: time.Second}, request(http.MethodPost, "/webhook", "", "{}", nil))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("RELAY_URL", "")
	_, err := loadConfig()
	assert.Error(t, err)

	t.Setenv("RELAY_URL", "https://relay.example.com/")
	t.Setenv("RELAY_TIMEOUT", "3s")
	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example.com", cfg.relayURL)
	assert.Equal(t, 3*time.Second, cfg.timeout)

	t.Setenv("RELAY_TIMEOUT", "soon")
	_, err = loadConfig()
	assert.Error(t, err)
}
