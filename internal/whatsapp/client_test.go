package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
)

func newTestClient(url string) *Client {
	return NewClient(ClientConfig{
		AccessToken:   "test_token",
		PhoneNumberID: "pnid_1",
		BaseURL:       url,
		APIVersion:    "v18.0",
	})
}

func TestSendText(t *testing.T) {
	var received SendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v18.0/pnid_1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test_token" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatal(err)
		}
		resp := SendResponse{
			MessagingProduct: "whatsapp",
			Contacts:         []ResponseContact{{Input: "5551234567", WaID: "5551234567"}},
			Messages:         []ResponseMessage{{ID: "wamid.out"}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.SendText(context.Background(), "5551234567", "hi there")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != "wamid.out" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if received.MessagingProduct != "whatsapp" || received.RecipientType != "individual" {
		t.Errorf("unexpected envelope: %+v", received)
	}
	if received.To != "5551234567" {
		t.Errorf("sent to = %s, want 5551234567", received.To)
	}
	if received.Type != "text" || received.Text == nil || received.Text.Body != "hi there" {
		t.Errorf("unexpected text: %+v", received.Text)
	}
}

func TestSendTextAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(SendResponse{
			Error: &APIError{Message: "Invalid parameter", Type: "OAuthException", Code: 100},
		})
	}))
	defer server.Close()

	err := newTestClient(server.URL).Send(context.Background(), "5551234567", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %T", err)
	}
	if de.Code != 100 || de.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected delivery error: %+v", de)
	}
}

func TestSendTextNon2xxWithoutBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	err := newTestClient(server.URL).Send(context.Background(), "5551234567", "hi")
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if de.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", de.StatusCode)
	}
	if !strings.Contains(de.Error(), "upstream down") {
		t.Errorf("error should carry body: %s", de.Error())
	}
}

func TestSendTextTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := newTestClient(url).Send(context.Background(), "5551234567", "hi")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("expected ErrDelivery, got %v", err)
	}
}

func TestSendTextRequiresRecipient(t *testing.T) {
	if err := newTestClient("http://unused").Send(context.Background(), " ", "hi"); err == nil {
		t.Fatal("expected error for empty recipient")
	}
}

func TestSendTextTruncatesLongBody(t *testing.T) {
	var received SendRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(SendResponse{Messages: []ResponseMessage{{ID: "wamid.long"}}})
	}))
	defer server.Close()

	long := strings.Repeat("é", MaxTextLength+10)
	if err := newTestClient(server.URL).Send(context.Background(), "5551234567", long); err != nil {
		t.Fatal(err)
	}
	if n := utf8.RuneCountInString(received.Text.Body); n != MaxTextLength {
		t.Fatalf("body runes = %d, want %d", n, MaxTextLength)
	}
}
