package dispatch

import (
	"context"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/sequence"
)

// Handlers returns the queue handlers for the intake, due and
// sequence-process queues. A tick job fails only when its candidate query
// fails, so the orchestrator retries the whole tick.
func (d *Dispatcher) Handlers() []async.JobHandler {
	return []async.JobHandler{
		async.HandlerFunc{Queue: jobs.QueueSequenceIntake, Fn: d.handleIntake},
		async.HandlerFunc{Queue: jobs.QueueSequenceDue, Fn: d.handleDue},
		async.HandlerFunc{Queue: jobs.QueueSequenceProcess, Fn: d.handleProcess},
	}
}

func (d *Dispatcher) handleIntake(ctx context.Context, job *async.Job) error {
	p, err := jobs.Decode[jobs.IntakeTick](job)
	if err != nil {
		return err
	}
	_, err = d.Intake(ctx, sequence.Filter{Limit: p.BatchSize})
	return err
}

func (d *Dispatcher) handleDue(ctx context.Context, job *async.Job) error {
	p, err := jobs.Decode[jobs.DueTick](job)
	if err != nil {
		return err
	}
	_, err = d.ProcessDue(ctx, sequence.Filter{Limit: p.BatchSize})
	return err
}

func (d *Dispatcher) handleProcess(ctx context.Context, job *async.Job) error {
	p, err := jobs.Decode[jobs.ProcessSequence](job)
	if err != nil {
		return err
	}
	res, err := d.ProcessSequence(ctx, p.SequenceID, p.UserID)
	if errors.IsNotFoundError(err) || errors.IsInvalidRequestError(err) {
		return async.Unrecoverable(err)
	}
	if err != nil {
		return err
	}
	d.logger.Debugw("Sequence processed on request",
		logger.FieldJobID, job.ID,
		logger.FieldSequenceID, p.SequenceID,
		"enqueued", res.Enqueued,
		"scheduled", res.Advanced)
	return nil
}
