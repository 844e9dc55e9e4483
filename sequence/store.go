package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/clock"
	"github.com/teranos/cadence/timing"
)

// Store persists the sequence domain. Status changes are conditional updates
// that report whether they applied, so concurrent dispatchers and monitors
// never overwrite each other's transitions.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewStore creates a store. A nil clock uses real time.
func NewStore(db *sqlx.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{db: db, clock: clk}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// inTx runs fn in a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

type sequenceRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	Name          string         `db:"name"`
	Status        Status         `db:"status"`
	BusinessHours sql.NullString `db:"business_hours"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r sequenceRow) toSequence() (*Sequence, error) {
	seq := &Sequence{
		ID:        r.ID,
		UserID:    r.UserID,
		Name:      r.Name,
		Status:    r.Status,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.BusinessHours.Valid && r.BusinessHours.String != "" {
		var bh timing.BusinessHours
		if err := json.Unmarshal([]byte(r.BusinessHours.String), &bh); err != nil {
			return nil, errors.Wrapf(err, "sequence %s has malformed business hours", r.ID)
		}
		seq.BusinessHours = &bh
	}
	return seq, nil
}

// validate checks a sequence before it is stored.
func validate(seq *Sequence) error {
	if seq.UserID == "" || seq.Name == "" {
		return errors.NewInvalidRequestError("sequence requires user_id and name")
	}
	switch seq.Status {
	case StatusDraft, StatusActive, StatusPaused:
	default:
		return errors.NewInvalidRequestError("invalid sequence status %q", seq.Status)
	}
	if seq.BusinessHours != nil {
		if err := seq.BusinessHours.Validate(); err != nil {
			return errors.Wrap(err, "business hours")
		}
	}
	for i, st := range seq.Steps {
		if st.Order != i+1 {
			return errors.NewInvalidRequestError("step orders must be 1..%d in order, got %d at position %d", len(seq.Steps), st.Order, i+1)
		}
		switch st.Type {
		case StepWait:
			if st.DelayAmount <= 0 {
				return errors.NewInvalidRequestError("wait step %d needs a positive delay", st.Order)
			}
		case StepManualEmail, StepAutomatedEmail:
			if st.Subject == "" && !st.ReplyToThread {
				return errors.NewInvalidRequestError("email step %d needs a subject", st.Order)
			}
		default:
			return errors.NewInvalidRequestError("step %d has unknown type %q", st.Order, st.Type)
		}
		switch st.Timing {
		case timing.ModeUnspecified, timing.ModeImmediate, timing.ModeDelay:
		default:
			return errors.NewInvalidRequestError("step %d has unknown timing %q", st.Order, st.Timing)
		}
	}
	return nil
}

// CreateSequence inserts a sequence and its steps. Missing ids are generated.
func (s *Store) CreateSequence(ctx context.Context, seq *Sequence) error {
	if seq.Status == "" {
		seq.Status = StatusActive
	}
	if err := validate(seq); err != nil {
		return err
	}
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	now := s.now()
	seq.CreatedAt, seq.UpdatedAt = now, now

	var bh interface{}
	if seq.BusinessHours != nil {
		raw, err := json.Marshal(seq.BusinessHours)
		if err != nil {
			return errors.Wrap(err, "failed to encode business hours")
		}
		bh = string(raw)
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sequences (id, user_id, name, status, business_hours, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			seq.ID, seq.UserID, seq.Name, seq.Status, bh, now, now); err != nil {
			return errors.Wrap(err, "failed to insert sequence")
		}
		for i := range seq.Steps {
			st := &seq.Steps[i]
			if st.ID == "" {
				st.ID = uuid.NewString()
			}
			if st.DelayUnit == "" {
				st.DelayUnit = timing.UnitMinutes
			}
			st.SequenceID = seq.ID
			st.CreatedAt, st.UpdatedAt = now, now
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO sequence_steps (
					id, sequence_id, step_order, type, timing, delay_amount, delay_unit,
					subject, body, reply_to_thread, created_at, updated_at
				) VALUES (
					:id, :sequence_id, :step_order, :type, :timing, :delay_amount, :delay_unit,
					:subject, :body, :reply_to_thread, :created_at, :updated_at
				)`, st); err != nil {
				return errors.Wrapf(err, "failed to insert step %d", st.Order)
			}
		}
		return nil
	})
	if err != nil {
		return errors.WithDetail(err, "Sequence ID: "+seq.ID)
	}
	return nil
}

// GetSequence loads a sequence with its steps in order.
func (s *Store) GetSequence(ctx context.Context, id string) (*Sequence, error) {
	var row sequenceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sequences WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("sequence %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sequence")
	}
	seq, err := row.toSequence()
	if err != nil {
		return nil, err
	}
	if err := s.db.SelectContext(ctx, &seq.Steps,
		`SELECT * FROM sequence_steps WHERE sequence_id = ? ORDER BY step_order`, id); err != nil {
		return nil, errors.Wrap(err, "failed to load steps")
	}
	return seq, nil
}

// ListSequences returns every sequence without steps.
func (s *Store) ListSequences(ctx context.Context) ([]*Sequence, error) {
	var rows []sequenceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM sequences ORDER BY created_at, id`); err != nil {
		return nil, errors.Wrap(err, "failed to list sequences")
	}
	out := make([]*Sequence, 0, len(rows))
	for _, r := range rows {
		seq, err := r.toSequence()
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, nil
}

// SetSequenceStatus changes a sequence's lifecycle status.
func (s *Store) SetSequenceStatus(ctx context.Context, id string, status Status) error {
	switch status {
	case StatusDraft, StatusActive, StatusPaused:
	default:
		return errors.NewInvalidRequestError("invalid sequence status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sequences SET status = ?, updated_at = ? WHERE id = ?`, status, s.now(), id)
	if err != nil {
		return errors.Wrap(err, "failed to update sequence status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("sequence %s", id)
	}
	return nil
}

// GetStep loads one step by order. A step deleted by an external edit is NotFound.
func (s *Store) GetStep(ctx context.Context, sequenceID string, order int) (*Step, error) {
	var st Step
	err := s.db.GetContext(ctx, &st,
		`SELECT * FROM sequence_steps WHERE sequence_id = ? AND step_order = ?`, sequenceID, order)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("step %d of sequence %s", order, sequenceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get step")
	}
	return &st, nil
}

// DeleteStep removes a step without renumbering the rest.
func (s *Store) DeleteStep(ctx context.Context, sequenceID string, order int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sequence_steps WHERE sequence_id = ? AND step_order = ?`, sequenceID, order)
	return errors.Wrap(err, "failed to delete step")
}

// StepCount returns the highest step order of a sequence.
func (s *Store) StepCount(ctx context.Context, sequenceID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COALESCE(MAX(step_order), 0) FROM sequence_steps WHERE sequence_id = ?`, sequenceID)
	return n, errors.Wrap(err, "failed to count steps")
}

// UpsertContact inserts or updates a contact by id. A missing id is generated.
func (s *Store) UpsertContact(ctx context.Context, c *Contact) error {
	if c.Email == "" {
		return errors.NewInvalidRequestError("contact requires an email")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO contacts (id, email, first_name, last_name, company, created_at, updated_at)
		VALUES (:id, :email, :first_name, :last_name, :company, :created_at, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			company = excluded.company,
			updated_at = excluded.updated_at`, c)
	return errors.Wrap(err, "failed to upsert contact")
}

// GetContact loads a contact.
func (s *Store) GetContact(ctx context.Context, id string) (*Contact, error) {
	var c Contact
	err := s.db.GetContext(ctx, &c, `SELECT * FROM contacts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("contact %s", id)
	}
	return &c, errors.Wrap(err, "failed to get contact")
}

// Enroll adds contacts to a sequence as NOT_STARTED. Existing enrollments
// are left alone. Returns the number newly enrolled.
func (s *Store) Enroll(ctx context.Context, sequenceID string, contactIDs ...string) (int, error) {
	now := s.now()
	enrolled := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, id := range contactIDs {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO sequence_contacts (sequence_id, contact_id, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(sequence_id, contact_id) DO NOTHING`,
				sequenceID, id, ContactNotStarted, now, now)
			if err != nil {
				return errors.Wrapf(err, "failed to enroll contact %s", id)
			}
			n, _ := res.RowsAffected()
			enrolled += int(n)
		}
		return nil
	})
	return enrolled, err
}

// GetSequenceContact loads one progress record.
func (s *Store) GetSequenceContact(ctx context.Context, sequenceID, contactID string) (*SequenceContact, error) {
	var sc SequenceContact
	err := s.db.GetContext(ctx, &sc,
		`SELECT * FROM sequence_contacts WHERE sequence_id = ? AND contact_id = ?`, sequenceID, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("contact %s in sequence %s", contactID, sequenceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get sequence contact")
	}
	return &sc, nil
}

// ListSequenceContacts returns every progress record of a sequence.
func (s *Store) ListSequenceContacts(ctx context.Context, sequenceID string) ([]SequenceContact, error) {
	var out []SequenceContact
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM sequence_contacts WHERE sequence_id = ? ORDER BY created_at, contact_id`, sequenceID)
	return out, errors.Wrap(err, "failed to list sequence contacts")
}

// Filter narrows candidate queries. Zero values mean no restriction.
type Filter struct {
	SequenceID string
	UserID     string
	Limit      int
}

func (f Filter) clause() (string, []interface{}) {
	q, args := "", []interface{}{}
	if f.SequenceID != "" {
		q += ` AND sc.sequence_id = ?`
		args = append(args, f.SequenceID)
	}
	if f.UserID != "" {
		q += ` AND s.user_id = ?`
		args = append(args, f.UserID)
	}
	return q, args
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return 100
	}
	return f.Limit
}

const dueSelect = `
	SELECT sc.*, s.user_id AS user_id, c.email AS email
	FROM sequence_contacts sc
	JOIN sequences s ON s.id = sc.sequence_id
	JOIN contacts c ON c.id = sc.contact_id
	WHERE s.status = 'active'`

// ListIntakeCandidates returns NOT_STARTED contacts of active sequences, oldest first.
func (s *Store) ListIntakeCandidates(ctx context.Context, f Filter) ([]DueContact, error) {
	where, args := f.clause()
	q := dueSelect + ` AND sc.status = ?` + where + ` ORDER BY sc.created_at, sc.contact_id LIMIT ?`
	args = append([]interface{}{ContactNotStarted}, args...)
	args = append(args, f.limit())

	var out []DueContact
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list intake candidates")
	}
	return out, nil
}

// ListDue returns SCHEDULED contacts of active sequences whose send time has
// passed. Pairs with a stop event are excluded: BOUNCED always, REPLIED when
// stopOnReply is set.
func (s *Store) ListDue(ctx context.Context, now time.Time, stopOnReply bool, f Filter) ([]DueContact, error) {
	where, args := f.clause()
	stops := []interface{}{EventBounced, EventBounced}
	if stopOnReply {
		stops[1] = EventReplied
	}
	q := dueSelect + `
		AND sc.status = ? AND sc.next_scheduled_at <= ?` + where + `
		AND NOT EXISTS (
			SELECT 1 FROM email_events e
			WHERE e.sequence_id = sc.sequence_id AND e.contact_id = sc.contact_id
			AND e.type IN (?, ?)
		)
		ORDER BY sc.next_scheduled_at, sc.contact_id
		LIMIT ?`
	all := append([]interface{}{ContactScheduled, now.UTC()}, args...)
	all = append(all, stops...)
	all = append(all, f.limit())

	var out []DueContact
	if err := s.db.SelectContext(ctx, &out, q, all...); err != nil {
		return nil, errors.Wrap(err, "failed to list due contacts")
	}
	return out, nil
}

// CountByStatus returns the number of contacts per status in a sequence.
func (s *Store) CountByStatus(ctx context.Context, sequenceID string) (map[ContactStatus]int, error) {
	var rows []struct {
		Status ContactStatus `db:"status"`
		N      int           `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM sequence_contacts WHERE sequence_id = ? GROUP BY status`, sequenceID); err != nil {
		return nil, errors.Wrap(err, "failed to count contacts")
	}
	out := make(map[ContactStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func placeholders(statuses []ContactStatus) (string, []interface{}) {
	q := ""
	args := make([]interface{}, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			q += ", "
		}
		q += "?"
		args = append(args, st)
	}
	return "(" + q + ")", args
}

// execer is satisfied by *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// applied runs a conditional update and reports whether a row changed.
func applied(ctx context.Context, db execer, what, q string, args ...interface{}) (bool, error) {
	res, err := db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, errors.Wrapf(err, "failed to %s", what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return n == 1, nil
}

// ClaimIntake moves NOT_STARTED to PENDING at step 1.
func (s *Store) ClaimIntake(ctx context.Context, sequenceID, contactID string) (bool, error) {
	return claimIntake(ctx, s.db, s.now(), sequenceID, contactID)
}

func claimIntake(ctx context.Context, db execer, now time.Time, sequenceID, contactID string) (bool, error) {
	return applied(ctx, db, "claim intake", `
		UPDATE sequence_contacts
		SET status = ?, current_step = 1, last_processed_at = ?, updated_at = ?
		WHERE sequence_id = ? AND contact_id = ? AND status = ?`,
		ContactPending, now, now, sequenceID, contactID, ContactNotStarted)
}

// Schedule moves a contact from one of from to SCHEDULED at step, due at.
// With expectStep > 0 the contact must currently be at that step.
func (s *Store) Schedule(ctx context.Context, sequenceID, contactID string, from []ContactStatus, expectStep, step int, at time.Time) (bool, error) {
	return schedule(ctx, s.db, s.now(), sequenceID, contactID, from, expectStep, step, at)
}

func schedule(ctx context.Context, db execer, now time.Time, sequenceID, contactID string, from []ContactStatus, expectStep, step int, at time.Time) (bool, error) {
	in, statusArgs := placeholders(from)
	q := `
		UPDATE sequence_contacts
		SET status = ?, current_step = ?, next_scheduled_at = ?, last_processed_at = ?, updated_at = ?
		WHERE sequence_id = ? AND contact_id = ? AND status IN ` + in
	args := []interface{}{ContactScheduled, step, at.UTC(), now, now, sequenceID, contactID}
	args = append(args, statusArgs...)
	if expectStep > 0 {
		q += ` AND current_step = ?`
		args = append(args, expectStep)
	}
	return applied(ctx, db, "schedule contact", q, args...)
}

// AdmitContact claims a NOT_STARTED contact and schedules its first step at
// at in one transaction, so a failure never leaves it PENDING. It reports
// false when another caller claimed the contact first.
func (s *Store) AdmitContact(ctx context.Context, sequenceID, contactID string, at time.Time) (bool, error) {
	now := s.now()
	admitted := false
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		claimed, err := claimIntake(ctx, tx, now, sequenceID, contactID)
		if err != nil || !claimed {
			return err
		}
		ok, err := schedule(ctx, tx, now, sequenceID, contactID, []ContactStatus{ContactPending}, 0, 1, at)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Newf("contact %s left PENDING during intake of %s", contactID, sequenceID)
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return admitted, nil
}

// StartSend moves SCHEDULED at step to IN_PROGRESS. Exactly one caller wins.
func (s *Store) StartSend(ctx context.Context, sequenceID, contactID string, step int) (bool, error) {
	now := s.now()
	return applied(ctx, s.db, "start send", `
		UPDATE sequence_contacts
		SET status = ?, next_scheduled_at = NULL, last_processed_at = ?, updated_at = ?
		WHERE sequence_id = ? AND contact_id = ? AND status = ? AND current_step = ?`,
		ContactInProgress, now, now, sequenceID, contactID, ContactScheduled, step)
}

// SetThread stores the provider thread of the first send. Later calls are no-ops.
func (s *Store) SetThread(ctx context.Context, sequenceID, contactID, threadID string) error {
	if threadID == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sequence_contacts SET thread_id = ?, updated_at = ?
		WHERE sequence_id = ? AND contact_id = ? AND thread_id = ''`,
		threadID, s.now(), sequenceID, contactID)
	return errors.Wrap(err, "failed to set thread")
}

// Complete finishes a contact at step from any active status and counts it.
func (s *Store) Complete(ctx context.Context, sequenceID, contactID string, step int) (bool, error) {
	now := s.now()
	in, statusArgs := placeholders([]ContactStatus{ContactPending, ContactScheduled, ContactInProgress})
	var done bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		args := append([]interface{}{ContactCompleted, now, now, now, sequenceID, contactID}, statusArgs...)
		args = append(args, step)
		var err error
		done, err = applied(ctx, tx, "complete contact", `
			UPDATE sequence_contacts
			SET status = ?, next_scheduled_at = NULL, completed_at = ?, last_processed_at = ?, updated_at = ?
			WHERE sequence_id = ? AND contact_id = ? AND status IN `+in+` AND current_step = ?`, args...)
		if err != nil || !done {
			return err
		}
		return incrementStat(ctx, tx, sequenceID, statCompleted, now)
	})
	return done, err
}

// terminate moves an active contact to a terminal status.
func terminate(ctx context.Context, db execer, sequenceID, contactID string, to ContactStatus, now time.Time) (bool, error) {
	in, statusArgs := placeholders(activeStatuses)
	args := append([]interface{}{to, now, now, sequenceID, contactID}, statusArgs...)
	return applied(ctx, db, "mark contact "+string(to), `
		UPDATE sequence_contacts
		SET status = ?, next_scheduled_at = NULL, last_processed_at = ?, updated_at = ?
		WHERE sequence_id = ? AND contact_id = ? AND status IN `+in, args...)
}

// OptOut stops all further sends to a contact in a sequence.
func (s *Store) OptOut(ctx context.Context, sequenceID, contactID string) (bool, error) {
	return terminate(ctx, s.db, sequenceID, contactID, ContactOptedOut, s.now())
}

type statField string

const (
	statSent      statField = "sent"
	statBounced   statField = "bounced"
	statReplied   statField = "replied"
	statFailed    statField = "failed"
	statCompleted statField = "completed"
)

func incrementStat(ctx context.Context, db execer, sequenceID string, field statField, now time.Time) error {
	q := fmt.Sprintf(`
		INSERT INTO sequence_stats (sequence_id, %[1]s, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(sequence_id) DO UPDATE SET %[1]s = %[1]s + 1, updated_at = excluded.updated_at`, field)
	_, err := db.ExecContext(ctx, q, sequenceID, now)
	return errors.Wrapf(err, "failed to increment %s", field)
}

// GetStats returns a sequence's counters; zero when nothing happened yet.
func (s *Store) GetStats(ctx context.Context, sequenceID string) (*Stats, error) {
	var st Stats
	err := s.db.GetContext(ctx, &st, `SELECT * FROM sequence_stats WHERE sequence_id = ?`, sequenceID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Stats{SequenceID: sequenceID}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get stats")
	}
	return &st, nil
}

// GetAccount returns the mail account of a user.
func (s *Store) GetAccount(ctx context.Context, userID string) (*MailAccount, error) {
	var a MailAccount
	err := s.db.GetContext(ctx, &a, `SELECT * FROM mail_accounts WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("mail account for user %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get mail account")
	}
	return &a, nil
}

// UpsertAccount stores a user's mail account.
func (s *Store) UpsertAccount(ctx context.Context, a *MailAccount) error {
	if a.UserID == "" || a.Email == "" {
		return errors.NewInvalidRequestError("mail account requires user_id and email")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Provider == "" {
		a.Provider = "gmail"
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO mail_accounts (id, user_id, email, provider, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (:id, :user_id, :email, :provider, :access_token, :refresh_token, :token_expiry, :created_at, :updated_at)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_expiry = excluded.token_expiry,
			updated_at = excluded.updated_at`, a)
	return errors.Wrap(err, "failed to upsert mail account")
}

// UpdateTokens persists refreshed OAuth tokens. An empty refresh token keeps the stored one.
func (s *Store) UpdateTokens(ctx context.Context, userID, accessToken, refreshToken string, expiry time.Time) error {
	var exp interface{}
	if !expiry.IsZero() {
		exp = expiry.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_accounts
		SET access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			token_expiry = ?, updated_at = ?
		WHERE user_id = ?`,
		accessToken, refreshToken, refreshToken, exp, s.now(), userID)
	if err != nil {
		return errors.Wrap(err, "failed to update tokens")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("mail account for user %s", userID)
	}
	return nil
}
