package jobs

import (
	"context"
	"encoding/json"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/pulse/async"
)

// Enqueuer validates payloads at the queue boundary.
type Enqueuer struct {
	queue    *async.Queue
	defaults async.EnqueueOptions
}

// NewEnqueuer wraps q. defaults supplies Attempts and Backoff when a call leaves them unset.
func NewEnqueuer(q *async.Queue, defaults async.EnqueueOptions) *Enqueuer {
	return &Enqueuer{queue: q, defaults: defaults}
}

// Queue returns the underlying async queue.
func (e *Enqueuer) Queue() *async.Queue {
	return e.queue
}

// Enqueue validates p and adds it to its queue. Sourced payloads get their
// source unless opts already names one.
func (e *Enqueuer) Enqueue(ctx context.Context, p Payload, opts async.EnqueueOptions) (*async.Job, error) {
	if p == nil {
		return nil, errors.NewInvalidRequestError("nil job payload")
	}
	if err := p.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid %s payload", p.Queue())
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s payload", p.Queue())
	}

	if opts.Attempts <= 0 {
		opts.Attempts = e.defaults.Attempts
	}
	if opts.Backoff == (async.Backoff{}) {
		opts.Backoff = e.defaults.Backoff
	}
	if s, ok := p.(Sourced); ok && opts.Source == "" {
		opts.Source = s.Source()
	}

	return e.queue.Enqueue(ctx, p.Queue(), raw, opts)
}

// Decode unmarshals a claimed job into its payload variant. A job on the
// wrong queue or with an invalid payload is unrecoverable.
func Decode[T Payload](job *async.Job) (T, error) {
	var p T
	if job.Queue != p.Queue() {
		return p, async.Unrecoverable(errors.Newf("job %s on queue %s cannot decode as %s payload", job.ID, job.Queue, p.Queue()))
	}
	if err := job.Decode(&p); err != nil {
		return p, async.Unrecoverable(err)
	}
	if err := p.Validate(); err != nil {
		return p, async.Unrecoverable(errors.Wrapf(err, "job %s", job.ID))
	}
	return p, nil
}
