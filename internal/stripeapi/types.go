// Package stripeapi is the thin HTTP surface of the payments provider:
// list/retrieve calls, webhook endpoint management, CLI stream sessions,
// and the webhook signature scheme. It knows nothing about sync state.
package stripeapi

import (
	"encoding/json"
	"fmt"
)

// List is the provider's list envelope.
type List struct {
	Object  string           `json:"object"`
	Data    []map[string]any `json:"data"`
	HasMore bool             `json:"has_more"`
	URL     string           `json:"url"`
}

// Event is the provider's event envelope. Data.Object carries the raw
// document the event is about.
type Event struct {
	ID         string    `json:"id"`
	Object     string    `json:"object"`
	APIVersion string    `json:"api_version"`
	Created    int64     `json:"created"`
	Type       string    `json:"type"`
	Livemode   bool      `json:"livemode"`
	Data       EventData `json:"data"`
}

// EventData is the data section of an event.
type EventData struct {
	Object             map[string]any  `json:"object"`
	PreviousAttributes json.RawMessage `json:"previous_attributes,omitempty"`
}

// WebhookEndpoint is a provider-side webhook endpoint. Secret is only
// populated on creation.
type WebhookEndpoint struct {
	ID            string   `json:"id"`
	Object        string   `json:"object"`
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	Status        string   `json:"status"`
	EnabledEvents []string `json:"enabled_events"`
}

// CLISession is a live event stream session. The websocket delivers the
// account's events without inbound HTTP; Secret signs their payloads.
type CLISession struct {
	WebsocketURL   string `json:"websocket_url"`
	WebsocketID    string `json:"websocket_id"`
	Secret         string `json:"secret"`
	ReconnectDelay int    `json:"reconnect_delay"`
}

// APIError is the provider's error document plus the HTTP status it
// arrived with.
type APIError struct {
	Status  int    `json:"-"`
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider: %d %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("provider: %d %s", e.Status, e.Message)
}

// ListParams shape one list page request.
type ListParams struct {
	Path          string
	Limit         int
	CreatedGTE    int64
	CreatedLTE    int64
	StartingAfter string

	// Extra carries context parameters for kinds whose list endpoint
	// requires one (customer=..., subscription=...).
	Extra map[string]string
}
