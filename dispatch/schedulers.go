package dispatch

import (
	"encoding/json"
	"time"

	"github.com/teranos/cadence/am"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/pulse/schedule"
)

// Stable scheduler ids. Every process registers the same ids, so only one
// tick job per interval is enqueued across a deployment.
const (
	IntakeSchedulerID = "sequence-intake"
	DueSchedulerID    = "sequence-due"
)

// Schedulers returns the periodic ticks that drive Intake and ProcessDue.
func Schedulers(cfg am.SchedulersConfig) ([]*schedule.Scheduler, error) {
	intake, err := tickScheduler(IntakeSchedulerID, jobs.IntakeTick{BatchSize: cfg.BatchSize}, cfg.IntakeInterval)
	if err != nil {
		return nil, err
	}
	due, err := tickScheduler(DueSchedulerID, jobs.DueTick{BatchSize: cfg.BatchSize}, cfg.DueInterval)
	if err != nil {
		return nil, err
	}
	return []*schedule.Scheduler{intake, due}, nil
}

func tickScheduler(id string, p jobs.Payload, interval time.Duration) (*schedule.Scheduler, error) {
	if interval < time.Second {
		interval = time.Minute
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "scheduler %s", id)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", id)
	}
	return &schedule.Scheduler{
		ID:       id,
		Queue:    p.Queue(),
		Payload:  raw,
		Interval: interval,
		State:    schedule.StateActive,
	}, nil
}
