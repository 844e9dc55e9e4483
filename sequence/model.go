// Package sequence holds the outreach data model and its SQLite store:
// sequences and their steps, contacts, per-contact progress records, the
// append-only email event log, tracking rows, aggregate stats and the mail
// accounts sends go out through.
package sequence

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/provider"
	"github.com/teranos/cadence/timing"
)

// Status is a sequence's lifecycle status.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusActive Status = "active"
	StatusPaused Status = "paused"
)

// StepType is what a step does.
type StepType string

const (
	StepWait           StepType = "WAIT"
	StepManualEmail    StepType = "MANUAL_EMAIL"
	StepAutomatedEmail StepType = "AUTOMATED_EMAIL"
)

// ContactStatus is the state of a contact's progress through a sequence.
type ContactStatus string

const (
	ContactNotStarted ContactStatus = "NOT_STARTED"
	ContactPending    ContactStatus = "PENDING"
	ContactScheduled  ContactStatus = "SCHEDULED"
	ContactInProgress ContactStatus = "IN_PROGRESS"
	ContactCompleted  ContactStatus = "COMPLETED"
	ContactBounced    ContactStatus = "BOUNCED"
	ContactFailed     ContactStatus = "FAILED"
	ContactOptedOut   ContactStatus = "OPTED_OUT"
)

// IsTerminal reports whether no further transitions happen without a reset.
func (s ContactStatus) IsTerminal() bool {
	switch s {
	case ContactCompleted, ContactBounced, ContactFailed, ContactOptedOut:
		return true
	}
	return false
}

// activeStatuses are the statuses a contact can be failed, bounced or opted out from.
var activeStatuses = []ContactStatus{ContactNotStarted, ContactPending, ContactScheduled, ContactInProgress}

// EventType classifies an EmailEvent.
type EventType string

const (
	EventSent    EventType = "SENT"
	EventOpened  EventType = "OPENED"
	EventClicked EventType = "CLICKED"
	EventReplied EventType = "REPLIED"
	EventBounced EventType = "BOUNCED"
	EventFailed  EventType = "FAILED"
)

// Sequence is an outreach campaign definition.
type Sequence struct {
	ID            string                `json:"id"`
	UserID        string                `json:"user_id"`
	Name          string                `json:"name"`
	Status        Status                `json:"status"`
	BusinessHours *timing.BusinessHours `json:"business_hours,omitempty"`
	Steps         []Step                `json:"steps,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Step is one action of a sequence. Order is 1-based and dense.
type Step struct {
	ID            string      `db:"id" json:"id"`
	SequenceID    string      `db:"sequence_id" json:"sequence_id"`
	Order         int         `db:"step_order" json:"order"`
	Type          StepType    `db:"type" json:"type"`
	Timing        timing.Mode `db:"timing" json:"timing,omitempty"`
	DelayAmount   int         `db:"delay_amount" json:"delay_amount,omitempty"`
	DelayUnit     timing.Unit `db:"delay_unit" json:"delay_unit,omitempty"`
	Subject       string      `db:"subject" json:"subject,omitempty"`
	Body          string      `db:"body" json:"body,omitempty"`
	ReplyToThread bool        `db:"reply_to_thread" json:"reply_to_thread,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// IsEmail reports whether the step sends a message.
func (s Step) IsEmail() bool {
	return s.Type == StepManualEmail || s.Type == StepAutomatedEmail
}

// Spec returns the step's timing for the scheduling engine.
func (s Step) Spec() timing.Spec {
	if s.Type == StepWait {
		return timing.Wait{Amount: s.DelayAmount, Unit: s.DelayUnit}
	}
	return timing.Email{Mode: s.Timing, DelayAmount: s.DelayAmount, Unit: s.DelayUnit}
}

// Contact is an outreach recipient.
type Contact struct {
	ID        string    `db:"id" json:"id"`
	Email     string    `db:"email" json:"email"`
	FirstName string    `db:"first_name" json:"first_name,omitempty"`
	LastName  string    `db:"last_name" json:"last_name,omitempty"`
	Company   string    `db:"company" json:"company,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SequenceContact is a contact's progress through one sequence. CurrentStep
// is the order of the step being scheduled or sent; 0 before intake.
type SequenceContact struct {
	SequenceID      string        `db:"sequence_id" json:"sequence_id"`
	ContactID       string        `db:"contact_id" json:"contact_id"`
	CurrentStep     int           `db:"current_step" json:"current_step"`
	Status          ContactStatus `db:"status" json:"status"`
	LastProcessedAt *time.Time    `db:"last_processed_at" json:"last_processed_at,omitempty"`
	NextScheduledAt *time.Time    `db:"next_scheduled_at" json:"next_scheduled_at,omitempty"`
	ThreadID        string        `db:"thread_id" json:"thread_id,omitempty"`
	CompletedAt     *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at" json:"updated_at"`
}

// DueContact is a SequenceContact joined with what a dispatch needs.
type DueContact struct {
	SequenceContact
	UserID string `db:"user_id"`
	Email  string `db:"email"`
}

// Metadata is free-form event detail stored as JSON.
type Metadata map[string]string

// Value implements driver.Valuer.
func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return errors.Newf("cannot scan %T into Metadata", src)
	}
	return json.Unmarshal(raw, m)
}

// EmailEvent is one entry of the append-only event log.
type EmailEvent struct {
	ID         string    `db:"id" json:"id"`
	TrackingID string    `db:"tracking_id" json:"tracking_id,omitempty"`
	SequenceID string    `db:"sequence_id" json:"sequence_id"`
	ContactID  string    `db:"contact_id" json:"contact_id"`
	Type       EventType `db:"type" json:"type"`
	Metadata   Metadata  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// EmailTracking records one sent message.
type EmailTracking struct {
	ID         string    `db:"id" json:"id"`
	SequenceID string    `db:"sequence_id" json:"sequence_id"`
	ContactID  string    `db:"contact_id" json:"contact_id"`
	StepID     string    `db:"step_id" json:"step_id"`
	MessageID  string    `db:"message_id" json:"message_id"`
	ThreadID   string    `db:"thread_id" json:"thread_id"`
	SentAt     time.Time `db:"sent_at" json:"sent_at"`
}

// Stats are aggregate counters for a sequence.
type Stats struct {
	SequenceID string    `db:"sequence_id" json:"sequence_id"`
	Sent       int       `db:"sent" json:"sent"`
	Bounced    int       `db:"bounced" json:"bounced"`
	Replied    int       `db:"replied" json:"replied"`
	Failed     int       `db:"failed" json:"failed"`
	Completed  int       `db:"completed" json:"completed"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// MailAccount is the mailbox a user's sequences send through.
type MailAccount struct {
	ID           string     `db:"id" json:"id"`
	UserID       string     `db:"user_id" json:"user_id"`
	Email        string     `db:"email" json:"email"`
	Provider     string     `db:"provider" json:"provider"`
	AccessToken  string     `db:"access_token" json:"-"`
	RefreshToken string     `db:"refresh_token" json:"-"`
	TokenExpiry  *time.Time `db:"token_expiry" json:"token_expiry,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ProviderAccount returns the credentials a provider call runs with.
func (a *MailAccount) ProviderAccount() provider.Account {
	acct := provider.Account{
		UserID:       a.UserID,
		Email:        a.Email,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
	}
	if a.TokenExpiry != nil {
		acct.TokenExpiry = *a.TokenExpiry
	}
	return acct
}
