package whatsapp

import "time"

// WebhookEvent is the top-level structure Meta posts for WhatsApp Business accounts.
type WebhookEvent struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one WhatsApp Business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is a single notification; Field is "messages" for message traffic.
type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue carries either inbound messages or status updates.
type ChangeValue struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Metadata identifies the business phone number that received the event.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact describes the sender profile.
type Contact struct {
	Profile Profile `json:"profile"`
	WaID    string  `json:"wa_id"`
}

// Profile holds the sender's display name.
type Profile struct {
	Name string `json:"name"`
}

// Message is an inbound user message.
type Message struct {
	From      string    `json:"from"`
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Type      string    `json:"type"`
	Text      *TextBody `json:"text,omitempty"`
}

// TextBody is the body of a text message, inbound or outbound.
type TextBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

// Status is a delivery/read receipt for a previously sent message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// SendRequest is the Cloud API envelope for an outbound text message.
type SendRequest struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             *TextBody `json:"text,omitempty"`
}

// SendResponse is the Cloud API reply to a send request.
type SendResponse struct {
	MessagingProduct string            `json:"messaging_product"`
	Contacts         []ResponseContact `json:"contacts,omitempty"`
	Messages         []ResponseMessage `json:"messages,omitempty"`
	Error            *APIError         `json:"error,omitempty"`
}

// ResponseContact maps the requested number to its WhatsApp ID.
type ResponseContact struct {
	Input string `json:"input"`
	WaID  string `json:"wa_id"`
}

// ResponseMessage carries the wamid assigned to an accepted message.
type ResponseMessage struct {
	ID string `json:"id"`
}

// APIError represents an error returned by the Graph API.
type APIError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode,omitempty"`
	FBTraceID    string `json:"fbtrace_id"`
}

// InboundMessage is the normalized text message extracted from a webhook delivery.
type InboundMessage struct {
	SenderID      string    `json:"sender_id"`
	Text          string    `json:"text"`
	MessageID     string    `json:"message_id"`
	ProfileName   string    `json:"profile_name,omitempty"`
	PhoneNumberID string    `json:"phone_number_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
