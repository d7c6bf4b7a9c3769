// Package protocol defines the WebSocket message types shared between the hub,
// publishers and listeners.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope for all WebSocket messages.
//
// Client messages carry auth fields at the top level, server messages carry
// everything in Payload. Message mirrors Payload.message for failures.
type Message struct {
	Type    string          `json:"type"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// auth (client → hub)
	AppID       string  `json:"appId,omitempty"`
	AccessToken *string `json:"accessToken,omitempty"`

	// status (client → hub), accepted here or in Payload
	Services []json.RawMessage `json:"services,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// NewTextMessage creates a message whose payload is {message: text}.
func NewTextMessage(msgType, text string) *Message {
	data, _ := json.Marshal(TextPayload{Message: text})
	return &Message{
		Type:    msgType,
		Message: text,
		Payload: data,
	}
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, target)
}

// Text returns the human readable message of a server reply.
func (m *Message) Text() string {
	if m.Message != "" {
		return m.Message
	}
	var p TextPayload
	if err := m.ParsePayload(&p); err != nil {
		return ""
	}
	return p.Message
}

// Message types (hub → client)
const (
	TypeAuthRequired = "auth_required"
	TypeAuthSuccess  = "auth_success"
	TypeAuthFailed   = "auth_failed"
	TypeForbidden    = "forbidden"
	TypeChange       = "change"
	TypeError        = "error"
)

// Message types (client → hub)
const (
	TypeAuth      = "auth"
	TypeSubscribe = "subscribe"
	TypeStatus    = "status"
)

// Canonical failure reasons sent to clients.
const (
	ReasonAppIDRequired      = "appId is required"
	ReasonUnknownApp         = "unknown appId"
	ReasonInvalidCredentials = "invalid credentials"
	ReasonAlreadyConnected   = "application already connected"
	ReasonNoWritePermission  = "no permission to write"
	ReasonMalformed          = "malformed message"
)

// TextPayload is the payload of failure replies.
type TextPayload struct {
	Message string `json:"message,omitempty"`
}

// AuthPayload is accepted as a fallback when auth fields are sent inside the payload.
type AuthPayload struct {
	AppID       string  `json:"appId"`
	AccessToken *string `json:"accessToken"`
}

// StatusPayload carries a batch of service updates from a publisher.
// Each entry is {id, status, online, ...attributes}.
type StatusPayload struct {
	Services []json.RawMessage `json:"services"`
}

// ServiceStatus is the shape producers send for one service. Extra
// attributes are flattened next to the known fields.
type ServiceStatus struct {
	ID         string         `json:"id" yaml:"id"`
	Status     string         `json:"status" yaml:"status"`
	Online     bool           `json:"online" yaml:"online"`
	Attributes map[string]any `json:"-" yaml:"attributes"`
}

// MarshalJSON flattens Attributes into the service object. An empty
// Status is left out so the server applies its default.
func (s ServiceStatus) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Attributes)+3)
	for k, v := range s.Attributes {
		out[k] = v
	}
	out["id"] = s.ID
	out["online"] = s.Online
	if s.Status != "" {
		out["status"] = s.Status
	}
	return json.Marshal(out)
}

// NewAuth builds an auth request. An empty token authenticates as listener.
func NewAuth(appID, token string) *Message {
	m := &Message{Type: TypeAuth, AppID: appID}
	if token != "" {
		m.AccessToken = &token
	}
	return m
}

// NewStatus builds a status message for the given services.
func NewStatus(services []ServiceStatus) (*Message, error) {
	raw := make([]json.RawMessage, 0, len(services))
	for _, s := range services {
		data, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal service %q: %w", s.ID, err)
		}
		raw = append(raw, data)
	}
	return NewMessage(TypeStatus, StatusPayload{Services: raw})
}
