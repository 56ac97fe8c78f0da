package xgate

import (
	"time"
)

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the broker.
type Metrics struct {
	Published           uint64
	Buffered            uint64
	PublishFailures     uint64
	Consumed            uint64
	Acked               uint64
	Nacked              uint64
	Errors              uint64
	EventsDropped       uint64
	BufferDepth         int
	AvgProcessingTimeMs float64
}

// HealthStatus indicates broker health for probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
