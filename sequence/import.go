package sequence

import (
	"context"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/timing"
)

// Definition is the YAML form of a sequence with its contacts.
//
//	id: welcome
//	user_id: u-1
//	name: Welcome
//	business_hours:
//	  timezone: Europe/Amsterdam
//	  days: [1, 2, 3, 4, 5]
//	  work_hours_start: "09:00"
//	  work_hours_end: "17:00"
//	steps:
//	  - type: AUTOMATED_EMAIL
//	    timing: IMMEDIATE
//	    subject: Hello
//	  - type: WAIT
//	    delay: {amount: 2, unit: days}
//	contacts:
//	  - email: ada@example.com
type Definition struct {
	ID            string                `yaml:"id"`
	UserID        string                `yaml:"user_id"`
	Name          string                `yaml:"name"`
	Status        Status                `yaml:"status"`
	BusinessHours *timing.BusinessHours `yaml:"business_hours"`
	Steps         []StepDefinition      `yaml:"steps"`
	Contacts      []ContactDefinition   `yaml:"contacts"`
}

// StepDefinition is one step in YAML. Order follows list position.
type StepDefinition struct {
	Type          StepType    `yaml:"type"`
	Timing        timing.Mode `yaml:"timing"`
	Delay         *Delay      `yaml:"delay"`
	Subject       string      `yaml:"subject"`
	Body          string      `yaml:"body"`
	ReplyToThread bool        `yaml:"reply_to_thread"`
}

// Delay is an amount of a unit.
type Delay struct {
	Amount int         `yaml:"amount"`
	Unit   timing.Unit `yaml:"unit"`
}

// ContactDefinition is a contact to create and enroll.
type ContactDefinition struct {
	ID        string `yaml:"id"`
	Email     string `yaml:"email"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Company   string `yaml:"company"`
}

// ParseDefinition decodes a YAML definition, rejecting unknown fields.
func ParseDefinition(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, errors.Wrap(errors.Mark(err, errors.ErrInvalidRequest), "failed to parse sequence definition")
	}
	return &def, nil
}

// Sequence converts the definition into a Sequence ready for CreateSequence.
func (d *Definition) Sequence() *Sequence {
	seq := &Sequence{
		ID:            d.ID,
		UserID:        d.UserID,
		Name:          d.Name,
		Status:        d.Status,
		BusinessHours: d.BusinessHours,
	}
	for i, sd := range d.Steps {
		st := Step{
			Order:         i + 1,
			Type:          sd.Type,
			Timing:        sd.Timing,
			Subject:       sd.Subject,
			Body:          sd.Body,
			ReplyToThread: sd.ReplyToThread,
		}
		if sd.Delay != nil {
			st.DelayAmount = sd.Delay.Amount
			st.DelayUnit = sd.Delay.Unit
			if st.Timing == timing.ModeUnspecified && st.IsEmail() {
				st.Timing = timing.ModeDelay
			}
		}
		seq.Steps = append(seq.Steps, st)
	}
	return seq
}

// ImportResult summarises an import.
type ImportResult struct {
	Sequence *Sequence
	Contacts int
	Enrolled int
}

// ImportYAML creates the sequence, upserts its contacts and enrolls them.
func (s *Store) ImportYAML(ctx context.Context, r io.Reader) (*ImportResult, error) {
	def, err := ParseDefinition(r)
	if err != nil {
		return nil, err
	}
	seq := def.Sequence()
	if err := s.CreateSequence(ctx, seq); err != nil {
		return nil, err
	}

	res := &ImportResult{Sequence: seq}
	ids := make([]string, 0, len(def.Contacts))
	for _, cd := range def.Contacts {
		c := &Contact{ID: cd.ID, Email: cd.Email, FirstName: cd.FirstName, LastName: cd.LastName, Company: cd.Company}
		if err := s.UpsertContact(ctx, c); err != nil {
			return res, errors.Wrapf(err, "contact %s", cd.Email)
		}
		ids = append(ids, c.ID)
		res.Contacts++
	}
	if res.Enrolled, err = s.Enroll(ctx, seq.ID, ids...); err != nil {
		return res, err
	}
	return res, nil
}
