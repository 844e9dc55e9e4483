// Package jobs defines the closed set of job payloads exchanged between the
// dispatcher, the send path and the thread monitor. Each payload belongs to
// exactly one queue and is validated before it is enqueued and after it is
// decoded.
package jobs

import (
	"strconv"
	"time"

	"github.com/teranos/cadence/errors"
)

// Queue names, unprefixed. The async queue namespace carries the configured prefix.
const (
	QueueSequenceIntake  = "sequence-intake"
	QueueSequenceDue     = "sequence-due"
	QueueSequenceProcess = "sequence-process"
	QueueEmailSend       = "email-send"
	QueueThreadCheck     = "thread-check"
)

// Queues lists every queue in the order the worker pools are started.
func Queues() []string {
	return []string{
		QueueSequenceIntake,
		QueueSequenceDue,
		QueueSequenceProcess,
		QueueEmailSend,
		QueueThreadCheck,
	}
}

// Payload is implemented by the job variants below and nothing else.
type Payload interface {
	Queue() string
	Validate() error
	isPayload()
}

// Sourced payloads carry a dedupe key stored as the job source.
type Sourced interface {
	Source() string
}

// IntakeTick moves NOT_STARTED contacts into the pipeline.
type IntakeTick struct {
	BatchSize int `json:"batch_size,omitempty"`
}

func (IntakeTick) Queue() string { return QueueSequenceIntake }
func (IntakeTick) isPayload()    {}

// Validate rejects a negative batch size; zero means the configured default.
func (p IntakeTick) Validate() error {
	if p.BatchSize < 0 {
		return errors.NewInvalidRequestError("intake batch size %d is negative", p.BatchSize)
	}
	return nil
}

// DueTick dispatches contacts whose next_scheduled_at has passed.
type DueTick struct {
	BatchSize int `json:"batch_size,omitempty"`
}

func (DueTick) Queue() string { return QueueSequenceDue }
func (DueTick) isPayload()    {}

func (p DueTick) Validate() error {
	if p.BatchSize < 0 {
		return errors.NewInvalidRequestError("due batch size %d is negative", p.BatchSize)
	}
	return nil
}

// ProcessSequence runs intake and due dispatch for a single sequence on demand.
type ProcessSequence struct {
	SequenceID string `json:"sequence_id"`
	UserID     string `json:"user_id"`
}

func (ProcessSequence) Queue() string { return QueueSequenceProcess }
func (ProcessSequence) isPayload()    {}

func (p ProcessSequence) Validate() error {
	if p.SequenceID == "" || p.UserID == "" {
		return errors.NewInvalidRequestError("process job requires sequence_id and user_id")
	}
	return nil
}

// Source collapses repeated process requests for a sequence while one is pending.
func (p ProcessSequence) Source() string {
	return SequenceSourcePrefix(p.SequenceID) + "process"
}

// EmailJob is one outbound send of one step to one contact.
type EmailJob struct {
	SequenceID    string    `json:"sequence_id"`
	ContactID     string    `json:"contact_id"`
	StepID        string    `json:"step_id"`
	StepOrder     int       `json:"step_order"`
	UserID        string    `json:"user_id"`
	Recipient     string    `json:"recipient"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body,omitempty"`
	ThreadID      string    `json:"thread_id,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time"`
	// Set on ad-hoc sends that bypass the sequence state machine
	AdHoc bool `json:"ad_hoc,omitempty"`
}

func (EmailJob) Queue() string { return QueueEmailSend }
func (EmailJob) isPayload()    {}

func (p EmailJob) Validate() error {
	switch {
	case p.UserID == "":
		return errors.NewInvalidRequestError("email job requires user_id")
	case p.Recipient == "":
		return errors.NewInvalidRequestError("email job requires recipient")
	case p.AdHoc:
		return nil
	case p.SequenceID == "" || p.ContactID == "" || p.StepID == "":
		return errors.NewInvalidRequestError("email job requires sequence_id, contact_id and step_id")
	case p.StepOrder < 1:
		return errors.NewInvalidRequestError("email job step order %d must be at least 1", p.StepOrder)
	}
	return nil
}

// Source identifies the step send so a step is enqueued at most once while active.
func (p EmailJob) Source() string {
	if p.AdHoc {
		return ""
	}
	return SequenceSourcePrefix(p.SequenceID) + "contact:" + p.ContactID + ":step:" + strconv.Itoa(p.StepOrder)
}

// ThreadCheck polls one provider thread for bounces and replies.
type ThreadCheck struct {
	ThreadID   string    `json:"thread_id"`
	UserID     string    `json:"user_id"`
	SequenceID string    `json:"sequence_id"`
	ContactID  string    `json:"contact_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ThreadCheck) Queue() string { return QueueThreadCheck }
func (ThreadCheck) isPayload()    {}

func (p ThreadCheck) Validate() error {
	if p.ThreadID == "" || p.UserID == "" || p.SequenceID == "" || p.ContactID == "" {
		return errors.NewInvalidRequestError("thread check requires thread_id, user_id, sequence_id and contact_id")
	}
	if p.CreatedAt.IsZero() {
		return errors.NewInvalidRequestError("thread check %s has no created_at", p.ThreadID)
	}
	return nil
}

func (p ThreadCheck) Source() string {
	return SequenceSourcePrefix(p.SequenceID) + "thread:" + p.ThreadID
}

// SequenceSourcePrefix is the source prefix shared by every job belonging to a sequence.
func SequenceSourcePrefix(sequenceID string) string {
	return "sequence:" + sequenceID + ":"
}
