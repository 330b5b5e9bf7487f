package notify

import (
	"time"
)

// EventType names the notification kinds emitted by the core workflows.
type EventType string

const (
	// EventValidationRequested asks a patient to approve a pending grant.
	EventValidationRequested EventType = "grant.validation_requested"

	// EventSecurityAlert tells a patient their record was opened under the
	// emergency break-glass mode.
	EventSecurityAlert EventType = "grant.security_alert"

	// EventCovertAccessAlert tells a patient their record was opened under
	// the covert mode. Always emitted; covert access is undisclosed up
	// front, never unaudited.
	EventCovertAccessAlert EventType = "grant.covert_access_alert"

	// EventGrantApproved confirms to the professional that the patient
	// validated a pending grant.
	EventGrantApproved EventType = "grant.approved"

	// EventGrantTerminated records the explicit end of a grant.
	EventGrantTerminated EventType = "grant.terminated"
)

// Priority drives channel selection.
type Priority string

const (
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Event is a single notification to be delivered to one recipient.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Priority      Priority          `json:"priority"`
	RecipientID   string            `json:"recipient_id"`
	RecipientKind string            `json:"recipient_kind"`
	Title         string            `json:"title"`
	Body          string            `json:"body"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}
