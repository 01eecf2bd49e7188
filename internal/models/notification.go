package models

import (
	"fmt"
	"strings"
	"time"
)

// YesNo is the radio-button flag the request form submits. The literal
// strings travel on the wire because the queue consumer matches on them.
type YesNo string

const (
	Yes YesNo = "yes"
	No  YesNo = "no"
)

// Valid reports whether v is one of the two accepted literals.
func (v YesNo) Valid() bool {
	return v == Yes || v == No
}

// Bool converts the flag for templating.
func (v YesNo) Bool() bool {
	return v == Yes
}

// NotificationPayload is the denormalized snapshot of a docking request the
// client sends after persisting the request in the document store.
// It has no identity of its own; ordering and uniqueness belong to the queue.
type NotificationPayload struct {
	ProteinTarget     string  `json:"proteinTarget"`
	LigandTarget      string  `json:"ligandTarget"`
	BlindDocking      YesNo   `json:"blindDocking"`
	ActiveSiteDocking YesNo   `json:"activeSiteDocking"`
	CreatedAt         string  `json:"createdAt"` // formatted by the caller
	UserEmail         *string `json:"userEmail"` // null for accounts without email
	UserID            string  `json:"userId"`
}

// FieldError describes the first payload field that failed validation.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Validate checks the payload before anything is enqueued or sent.
func (p NotificationPayload) Validate() error {
	if strings.TrimSpace(p.ProteinTarget) == "" {
		return &FieldError{Field: "proteinTarget", Reason: "is required"}
	}
	if strings.TrimSpace(p.LigandTarget) == "" {
		return &FieldError{Field: "ligandTarget", Reason: "is required"}
	}
	if !p.BlindDocking.Valid() {
		return &FieldError{Field: "blindDocking", Reason: `must be "yes" or "no"`}
	}
	if !p.ActiveSiteDocking.Valid() {
		return &FieldError{Field: "activeSiteDocking", Reason: `must be "yes" or "no"`}
	}
	if strings.TrimSpace(p.UserID) == "" {
		return &FieldError{Field: "userId", Reason: "is required"}
	}
	return nil
}

// Email returns the requester email or "" when it is null.
func (p NotificationPayload) Email() string {
	if p.UserEmail == nil {
		return ""
	}
	return *p.UserEmail
}

// SubmitResponse is the success body shared by every submission strategy.
type SubmitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrorResponse is the failure body for every route.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Delivery statuses emitted by the mailer service
const (
	StatusDelivered    = "delivered"
	StatusRetrying     = "retrying"
	StatusDeadLettered = "dead_lettered"
)

// DeliveryEvent is published on the live feed after each delivery attempt.
type DeliveryEvent struct {
	Status        string    `json:"status"`
	ProteinTarget string    `json:"proteinTarget"`
	LigandTarget  string    `json:"ligandTarget"`
	UserID        string    `json:"userId"`
	Attempts      int       `json:"attempts"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}

// Delivery is one row of the notification audit log
type Delivery struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	UserEmail     *string       `json:"userEmail,omitempty"`
	ProteinTarget string        `json:"proteinTarget"`
	LigandTarget  string        `json:"ligandTarget"`
	Status        string        `json:"status"`
	Attempts      int           `json:"attempts"`
	ErrorMessage  *string       `json:"errorMessage,omitempty"`
	Duration      time.Duration `json:"duration"`
	DeadLetterKey *string       `json:"deadLetterKey,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}
