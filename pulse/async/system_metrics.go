package async

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for orchestrator monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured workers across pools
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	JobsQueued    int     `json:"jobs_queued"`     // Jobs waiting, including delayed
	JobsRunning   int     `json:"jobs_running"`    // Jobs currently leased
}

// GetSystemMetrics returns current system resource usage
func (o *Orchestrator) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil && v.Total > 0 {
		m.MemoryTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}

	// Database errors degrade to zero counts
	if queued, running, err := o.queue.GetJobCounts(ctx); err == nil {
		m.JobsQueued = queued
		m.JobsRunning = running
	}

	for _, p := range o.Pools() {
		m.WorkersActive += p.Active
		m.WorkersTotal += p.Workers
	}
	return m
}
