// Package audit defines the audit event model for the MXCP auth core and a
// logger-backed default sink. Backends (files, SIEM shippers) implement Sink
// and are injected; the auth core never selects a backend itself.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Auth event types.
const (
	// EventTypeAuthSuccess records a resolved credential.
	EventTypeAuthSuccess = "auth_success"
	// EventTypeAuthFailure records a credential that did not resolve.
	EventTypeAuthFailure = "auth_failure"
	// EventTypeScopeDenied records an authenticated request missing a scope.
	EventTypeScopeDenied = "scope_denied"
	// EventTypeSessionCreated records a new session after an IdP exchange.
	EventTypeSessionCreated = "session_created"
	// EventTypeSessionRefreshed records a token rotation.
	EventTypeSessionRefreshed = "session_refreshed"
	// EventTypeSessionRevoked records an explicit or forced revocation.
	EventTypeSessionRevoked = "session_revoked"
	// EventTypeTokenExchange records a downstream token exchange attempt.
	EventTypeTokenExchange = "token_exchange"
	// EventTypeTamper records a decryption, signature, or PKCE failure.
	EventTypeTamper = "tamper"
)

// Outcome values for audit events.
const (
	// OutcomeSuccess indicates the audited operation succeeded.
	OutcomeSuccess = "success"
	// OutcomeDenied indicates the operation was refused by policy or scope.
	OutcomeDenied = "denied"
	// OutcomeFailure indicates the operation failed.
	OutcomeFailure = "failure"
)

// Source types for audit events.
const (
	// SourceTypeNetwork indicates a network peer.
	SourceTypeNetwork = "network"
	// SourceTypeLocal indicates an in-process origin.
	SourceTypeLocal = "local"
)

// Subject field keys.
const (
	// SubjectKeyUserID is the stable user identifier.
	SubjectKeyUserID = "user_id"
	// SubjectKeySessionID is the session identifier.
	SubjectKeySessionID = "session_id"
	// SubjectKeyClientID is the OAuth client identifier.
	SubjectKeyClientID = "client_id"
	// SubjectKeyProvider is the IdP name.
	SubjectKeyProvider = "provider"
)

// EventSource describes where an audited request originated.
type EventSource struct {
	// Type is one of the SourceType constants.
	Type string `json:"type"`
	// Value is the address or identifier of the source.
	Value string `json:"value"`
	// Extra carries source details such as user agent.
	Extra map[string]any `json:"extra,omitempty"`
}

// EventMetadata carries bookkeeping fields.
type EventMetadata struct {
	// AuditID uniquely identifies this event.
	AuditID string `json:"audit_id"`
	// Extra carries additional metadata such as scopes used.
	Extra map[string]any `json:"extra,omitempty"`
}

// Event is a single audit record. Subjects identify who; Target identifies
// what. Events never carry token material.
type Event struct {
	Metadata  EventMetadata     `json:"metadata"`
	Type      string            `json:"type"`
	LoggedAt  time.Time         `json:"logged_at"`
	Source    EventSource       `json:"source"`
	Outcome   string            `json:"outcome"`
	Subjects  map[string]string `json:"subjects"`
	Component string            `json:"component"`
	Target    map[string]string `json:"target,omitempty"`
}

// NewEvent creates an audit event stamped with a fresh audit ID and the
// current UTC time.
func NewEvent(eventType string, source EventSource, outcome string, subjects map[string]string, component string) *Event {
	return NewEventWithID(uuid.NewString(), eventType, source, outcome, subjects, component)
}

// NewEventWithID creates an audit event with a caller-supplied audit ID.
func NewEventWithID(auditID, eventType string, source EventSource, outcome string, subjects map[string]string, component string) *Event {
	return &Event{
		Metadata:  EventMetadata{AuditID: auditID},
		Type:      eventType,
		LoggedAt:  time.Now().UTC(),
		Source:    source,
		Outcome:   outcome,
		Subjects:  subjects,
		Component: component,
	}
}

// WithTarget attaches a target map and returns the event for chaining.
func (e *Event) WithTarget(target map[string]string) *Event {
	e.Target = target
	return e
}

// WithExtra attaches a metadata extra value and returns the event.
func (e *Event) WithExtra(key string, value any) *Event {
	if e.Metadata.Extra == nil {
		e.Metadata.Extra = make(map[string]any)
	}
	e.Metadata.Extra[key] = value
	return e
}
