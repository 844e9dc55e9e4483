package am

import "github.com/teranos/cadence/errors"

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr cannot be empty when redis is enabled")
	}

	if c.Pulse.PollInterval < 0 {
		return errors.Newf("pulse.poll_interval must be >= 0, got %s", c.Pulse.PollInterval)
	}
	if c.Pulse.MaxStalled < 0 {
		return errors.Newf("pulse.max_stalled must be >= 0, got %d", c.Pulse.MaxStalled)
	}
	for name, q := range c.Pulse.Queues {
		if q.Workers < 0 {
			return errors.Newf("pulse.queues.%s.workers must be >= 0, got %d", name, q.Workers)
		}
		if q.StartLimit < 0 {
			return errors.Newf("pulse.queues.%s.start_limit must be >= 0, got %d", name, q.StartLimit)
		}
		if q.StartLimit > 0 && q.StartWindow <= 0 {
			return errors.Newf("pulse.queues.%s.start_window must be > 0 when start_limit is set", name)
		}
	}

	if c.Schedulers.BatchSize < 0 {
		return errors.Newf("schedulers.batch_size must be >= 0, got %d", c.Schedulers.BatchSize)
	}

	// Ceilings: 0 disables the check, negative is invalid
	ceilings := map[string]int{
		"limits.per_minute":   c.Limits.PerMinute,
		"limits.per_hour":     c.Limits.PerHour,
		"limits.per_day":      c.Limits.PerDay,
		"limits.per_contact":  c.Limits.PerContact,
		"limits.per_sequence": c.Limits.PerSequence,
	}
	for key, val := range ceilings {
		if val < 0 {
			return errors.Newf("%s must be >= 0, got %d", key, val)
		}
	}
	if c.Limits.BounceCooldown < 0 || c.Limits.ErrorCooldown < 0 {
		return errors.New("limits cooldowns must be >= 0")
	}

	if c.Retry.Attempts < 0 {
		return errors.Newf("retry.attempts must be >= 0, got %d", c.Retry.Attempts)
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return errors.Newf("retry.base_delay (%s) exceeds retry.max_delay (%s)", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}

	if c.Monitor.MediumAge > 0 && c.Monitor.RecentAge > c.Monitor.MediumAge {
		return errors.New("monitor.recent_age must not exceed monitor.medium_age")
	}

	if c.Gmail.RequestsPerSecond < 0 {
		return errors.Newf("gmail.requests_per_second must be >= 0, got %f", c.Gmail.RequestsPerSecond)
	}

	return nil
}
