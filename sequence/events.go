package sequence

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/teranos/cadence/errors"
)

// insertEvent appends an event. BOUNCED and REPLIED are unique per pair, so a
// duplicate is ignored and reported as not inserted.
func insertEvent(ctx context.Context, db execer, ev *EmailEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return applied(ctx, db, "record "+string(ev.Type)+" event", `
		INSERT OR IGNORE INTO email_events (id, tracking_id, sequence_id, contact_id, type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TrackingID, ev.SequenceID, ev.ContactID, ev.Type, ev.Metadata, ev.CreatedAt.UTC())
}

// RecordEvent appends an event to the log. Returns false for a duplicate
// BOUNCED or REPLIED event.
func (s *Store) RecordEvent(ctx context.Context, ev *EmailEvent) (bool, error) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	return insertEvent(ctx, s.db, ev)
}

// ListEvents returns a pair's events oldest first.
func (s *Store) ListEvents(ctx context.Context, sequenceID, contactID string) ([]EmailEvent, error) {
	var out []EmailEvent
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM email_events WHERE sequence_id = ? AND contact_id = ?
		ORDER BY created_at, id`, sequenceID, contactID)
	return out, errors.Wrap(err, "failed to list events")
}

// StopEvent returns BOUNCED or REPLIED when the pair has one, BOUNCED first.
// REPLIED only counts when includeReply is set. Empty means sends may continue.
func (s *Store) StopEvent(ctx context.Context, sequenceID, contactID string, includeReply bool) (EventType, error) {
	types := []interface{}{EventBounced, EventBounced}
	if includeReply {
		types[1] = EventReplied
	}
	var t EventType
	err := s.db.GetContext(ctx, &t, `
		SELECT type FROM email_events
		WHERE sequence_id = ? AND contact_id = ? AND type IN (?, ?)
		ORDER BY CASE type WHEN 'BOUNCED' THEN 0 ELSE 1 END
		LIMIT 1`, sequenceID, contactID, types[0], types[1])
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to check stop events")
	}
	return t, nil
}

// SendRecord describes an issued send.
type SendRecord struct {
	SequenceID string
	ContactID  string
	StepID     string
	MessageID  string
	ThreadID   string
}

// RecordSend stores tracking, a SENT event and the sent counter in one
// transaction. Returns the tracking row.
func (s *Store) RecordSend(ctx context.Context, rec SendRecord) (*EmailTracking, error) {
	now := s.now()
	tr := &EmailTracking{
		ID:         uuid.NewString(),
		SequenceID: rec.SequenceID,
		ContactID:  rec.ContactID,
		StepID:     rec.StepID,
		MessageID:  rec.MessageID,
		ThreadID:   rec.ThreadID,
		SentAt:     now,
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO email_tracking (id, sequence_id, contact_id, step_id, message_id, thread_id, sent_at)
			VALUES (:id, :sequence_id, :contact_id, :step_id, :message_id, :thread_id, :sent_at)`, tr); err != nil {
			return errors.Wrap(err, "failed to insert tracking")
		}
		ev := &EmailEvent{
			TrackingID: tr.ID,
			SequenceID: rec.SequenceID,
			ContactID:  rec.ContactID,
			Type:       EventSent,
			Metadata:   Metadata{"message_id": rec.MessageID, "thread_id": rec.ThreadID, "step_id": rec.StepID},
			CreatedAt:  now,
		}
		if _, err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
		return incrementStat(ctx, tx, rec.SequenceID, statSent, now)
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// LatestTracking returns the most recent send to a pair, or NotFound.
func (s *Store) LatestTracking(ctx context.Context, sequenceID, contactID string) (*EmailTracking, error) {
	var tr EmailTracking
	err := s.db.GetContext(ctx, &tr, `
		SELECT * FROM email_tracking WHERE sequence_id = ? AND contact_id = ?
		ORDER BY sent_at DESC LIMIT 1`, sequenceID, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("tracking for contact %s in sequence %s", contactID, sequenceID)
	}
	return &tr, errors.Wrap(err, "failed to get tracking")
}

// Finding is a bounce or reply detected on a thread.
type Finding struct {
	SequenceID string
	ContactID  string
	TrackingID string
	Metadata   Metadata
}

// Outcome of recording a finding.
type Outcome struct {
	Recorded   bool // the event was new
	Terminated bool // the contact moved to a terminal status
}

// RecordBounce records a single BOUNCED event for the pair, counts it, and
// moves the contact to BOUNCED unless it is already terminal. Repeat
// detections change nothing.
func (s *Store) RecordBounce(ctx context.Context, f Finding) (Outcome, error) {
	return s.recordFinding(ctx, f, EventBounced, statBounced, ContactBounced)
}

// RecordReply records a single REPLIED event and counts it. The contact's
// status is left alone; whether a reply stops sends is decided by the
// StopEvent and ListDue callers.
func (s *Store) RecordReply(ctx context.Context, f Finding) (Outcome, error) {
	return s.recordFinding(ctx, f, EventReplied, statReplied, "")
}

func (s *Store) recordFinding(ctx context.Context, f Finding, t EventType, stat statField, to ContactStatus) (Outcome, error) {
	now := s.now()
	var out Outcome
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out.Recorded, err = insertEvent(ctx, tx, &EmailEvent{
			TrackingID: f.TrackingID,
			SequenceID: f.SequenceID,
			ContactID:  f.ContactID,
			Type:       t,
			Metadata:   f.Metadata,
			CreatedAt:  now,
		})
		if err != nil || !out.Recorded {
			return err
		}
		if err := incrementStat(ctx, tx, f.SequenceID, stat, now); err != nil {
			return err
		}
		if to == "" {
			return nil
		}
		out.Terminated, err = terminate(ctx, tx, f.SequenceID, f.ContactID, to, now)
		return err
	})
	return out, err
}

// RecordFailure moves an active contact to FAILED with a FAILED event and counter.
// Returns false when the contact was already terminal.
func (s *Store) RecordFailure(ctx context.Context, sequenceID, contactID, reason string) (bool, error) {
	now := s.now()
	var failed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		failed, err = terminate(ctx, tx, sequenceID, contactID, ContactFailed, now)
		if err != nil || !failed {
			return err
		}
		if _, err := insertEvent(ctx, tx, &EmailEvent{
			SequenceID: sequenceID,
			ContactID:  contactID,
			Type:       EventFailed,
			Metadata:   Metadata{"reason": reason},
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		return incrementStat(ctx, tx, sequenceID, statFailed, now)
	})
	return failed, err
}

// ResetSequence deletes a sequence's events, tracking and stats and puts
// every enrolled contact back to NOT_STARTED. Returns the contacts reset.
func (s *Store) ResetSequence(ctx context.Context, sequenceID string) (int, error) {
	now := s.now()
	var reset int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{"email_events", "email_tracking", "sequence_stats"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE sequence_id = ?`, sequenceID); err != nil {
				return errors.Wrapf(err, "failed to clear %s", table)
			}
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE sequence_contacts
			SET status = ?, current_step = 0, last_processed_at = NULL, next_scheduled_at = NULL,
				thread_id = '', completed_at = NULL, updated_at = ?
			WHERE sequence_id = ?`, ContactNotStarted, now, sequenceID)
		if err != nil {
			return errors.Wrap(err, "failed to reset contacts")
		}
		n, _ := res.RowsAffected()
		reset = int(n)
		return nil
	})
	if err != nil {
		return 0, errors.WithDetail(err, "Sequence ID: "+sequenceID)
	}
	return reset, nil
}

// CountEvents returns how many events of type t a sequence has.
func (s *Store) CountEvents(ctx context.Context, sequenceID string, t EventType) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM email_events WHERE sequence_id = ? AND type = ?`, sequenceID, t)
	return n, errors.Wrap(err, "failed to count events")
}
