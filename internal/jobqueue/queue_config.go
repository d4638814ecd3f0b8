/*
Package jobqueue configuration - tunable parameters for the River-based
replay queue.

Worker count trades throughput against model-provider rate limits: each
worker drives one replay at a time, and a replay issues one model call
per user turn. Failed jobs retain error information in the River jobs
table.
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds all configurable parameters for the job queue
type QueueConfig struct {
	// Number of concurrent workers processing replay jobs
	MaxWorkers int

	// Maximum attempts per job before River discards it
	MaxAttempts int

	// Maximum time a single replay may run
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers:  4,
		MaxAttempts: 5,
		JobTimeout:  5 * time.Minute,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	workers := c.MaxWorkers
	if workers <= 0 {
		workers = DefaultQueueConfig().MaxWorkers
	}
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: workers,
		},
	}
}
