package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/teranos/cadence/jobs"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/pulse/async"
	"github.com/teranos/cadence/ratelimit"
	"github.com/teranos/cadence/version"
)

// ProcessRequest asks for one sequence to be processed now.
type ProcessRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Priority int    `json:"priority"`
}

// SendRequest is an ad-hoc send outside any sequence.
type SendRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	Recipient    string `json:"recipient" binding:"required,email"`
	Subject      string `json:"subject" binding:"required"`
	Body         string `json:"body"`
	ThreadID     string `json:"thread_id"`
	DelaySeconds int    `json:"delay_seconds" binding:"gte=0"`
	Priority     int    `json:"priority"`
}

// JobResponse is returned by the enqueueing endpoints.
type JobResponse struct {
	JobID        string          `json:"job_id"`
	Queue        string          `json:"queue"`
	Status       async.JobStatus `json:"status"`
	RunAt        time.Time       `json:"run_at"`
	Deduplicated bool            `json:"deduplicated,omitempty"`
}

func jobResponse(job *async.Job, dedup bool) JobResponse {
	return JobResponse{
		JobID:        job.ID,
		Queue:        job.Queue,
		Status:       job.Status,
		RunAt:        job.RunAt,
		Deduplicated: dedup,
	}
}

// GET /healthz
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Get().Short(),
	})
}

// SystemStatus is the /api/system response.
type SystemStatus struct {
	Version  version.Info        `json:"version"`
	Hostname string              `json:"hostname,omitempty"`
	Uptime   uint64              `json:"uptime_seconds,omitempty"`
	CPUs     int                 `json:"cpus,omitempty"`
	Pulse    async.SystemMetrics `json:"pulse"`
}

// GET /api/system
func (s *Server) handleSystem(c *gin.Context) {
	ctx := c.Request.Context()
	st := SystemStatus{Version: version.Get()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		st.Hostname = info.Hostname
		st.Uptime = info.Uptime
	} else {
		s.logger.Debugw("Host info unavailable", logger.FieldError, err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		st.CPUs = n
	}
	if s.deps.Pools != nil {
		st.Pulse = s.deps.Pools.GetSystemMetrics(ctx)
	}
	c.JSON(http.StatusOK, st)
}

// GET /api/queues
func (s *Server) handleQueues(c *gin.Context) {
	counts, err := s.queue().Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "read queue counts")
		return
	}
	var pools []async.PoolStatus
	if s.deps.Pools != nil {
		pools = s.deps.Pools.Pools()
	}
	c.JSON(http.StatusOK, gin.H{
		"namespace": s.queue().Namespace(),
		"counts":    counts,
		"pools":     pools,
	})
}

// GET /api/jobs?queue=email-send&status=failed&limit=50
func (s *Server) handleListJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		writeError(c, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	var status *async.JobStatus
	if raw := c.Query("status"); raw != "" {
		if !async.IsValidStatus(raw) {
			writeError(c, http.StatusBadRequest, "unknown job status "+strconv.Quote(raw))
			return
		}
		st := async.JobStatus(raw)
		status = &st
	}

	list, err := s.queue().ListJobs(c.Request.Context(), c.Query("queue"), status, limit)
	if err != nil {
		s.respondError(c, err, "list jobs")
		return
	}
	if list == nil {
		list = []*async.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

// GET /api/jobs/:id
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.queue().GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "get job")
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/sequences/:id/process
// Returns the pending process job for the sequence when one is already queued.
func (s *Server) handleProcessSequence(c *gin.Context) {
	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ctx := c.Request.Context()
	seqID := c.Param("id")

	seq, err := s.deps.Sequences.GetSequence(ctx, seqID)
	if err != nil {
		s.respondError(c, err, "get sequence")
		return
	}
	if seq.UserID != req.UserID {
		writeError(c, http.StatusForbidden, "sequence does not belong to user")
		return
	}

	p := jobs.ProcessSequence{SequenceID: seqID, UserID: req.UserID}
	existing, err := s.queue().FindActiveBySource(ctx, p.Source())
	if err != nil {
		s.respondError(c, err, "check pending jobs")
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, jobResponse(existing, true))
		return
	}

	job, err := s.deps.Enqueuer.Enqueue(ctx, p, async.EnqueueOptions{Priority: req.Priority})
	if err != nil {
		s.respondError(c, err, "enqueue sequence processing")
		return
	}
	s.logger.Infow("Sequence processing requested",
		logger.FieldSequenceID, seqID,
		logger.FieldUserID, req.UserID,
		logger.FieldJobID, job.ID)
	c.JSON(http.StatusAccepted, jobResponse(job, false))
}

// POST /api/sends
func (s *Server) handleAdHocSend(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	delay := time.Duration(req.DelaySeconds) * time.Second
	p := jobs.EmailJob{
		UserID:    req.UserID,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		ThreadID:  req.ThreadID,
		AdHoc:     true,
	}
	job, err := s.deps.Enqueuer.Enqueue(c.Request.Context(), p, async.EnqueueOptions{
		Priority: req.Priority,
		Delay:    delay,
	})
	if err != nil {
		s.respondError(c, err, "enqueue send")
		return
	}
	s.logger.Infow("Ad-hoc send enqueued",
		logger.FieldUserID, req.UserID,
		logger.FieldJobID, job.ID,
		logger.FieldDelay, delay)
	c.JSON(http.StatusAccepted, jobResponse(job, false))
}

// GET /api/sequences/:id/stats
func (s *Server) handleSequenceStats(c *gin.Context) {
	ctx := c.Request.Context()
	seqID := c.Param("id")
	if _, err := s.deps.Sequences.GetSequence(ctx, seqID); err != nil {
		s.respondError(c, err, "get sequence")
		return
	}
	stats, err := s.deps.Sequences.GetStats(ctx, seqID)
	if err != nil {
		s.respondError(c, err, "read sequence stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// POST /api/sequences/:id/pause
func (s *Server) handlePause(c *gin.Context) {
	if err := s.deps.Admin.Pause(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err, "pause sequence")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence_id": c.Param("id"), "status": "paused"})
}

// POST /api/sequences/:id/resume
func (s *Server) handleResume(c *gin.Context) {
	if err := s.deps.Admin.Resume(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err, "resume sequence")
		return
	}
	c.JSON(http.StatusOK, gin.H{"sequence_id": c.Param("id"), "status": "active"})
}

// POST /api/sequences/:id/reset
func (s *Server) handleReset(c *gin.Context) {
	res, err := s.deps.Admin.ResetSequence(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "reset sequence")
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /api/sequences/:id/contacts/:contact_id/opt-out
func (s *Server) handleOptOut(c *gin.Context) {
	changed, err := s.deps.Admin.OptOut(c.Request.Context(), c.Param("id"), c.Param("contact_id"))
	if err != nil {
		s.respondError(c, err, "opt out contact")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sequence_id": c.Param("id"),
		"contact_id":  c.Param("contact_id"),
		"opted_out":   changed,
	})
}

// GET /api/users/:id/limits?sequence_id=&contact_id=
func (s *Server) handleUsage(c *gin.Context) {
	u, err := s.deps.Usage.Usage(c.Request.Context(), ratelimit.Scope{
		UserID:     c.Param("id"),
		SequenceID: c.Query("sequence_id"),
		ContactID:  c.Query("contact_id"),
	})
	if err != nil {
		s.respondError(c, err, "read rate limit usage")
		return
	}
	c.JSON(http.StatusOK, u)
}
