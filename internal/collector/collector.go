// Package collector defines the Source interface for background queue-time
// samplers and the implementations that feed the publisher's pre-publish hook.
package collector

import (
	"context"

	"github.com/Guliveer/dynoscale/agent/internal/models"
)

// Source is implemented by every job-queue sampler. Each source produces
// zero or more queue-time records per collection.
type Source interface {
	// Name returns the unique identifier for this source.
	Name() string

	// Collect samples the backing queues and returns one record per queue
	// that has waiting work. A non-nil error may accompany partial results.
	Collect(ctx context.Context) ([]models.Record, error)

	// IsAvailable reports whether the source has anything to sample.
	// Sources that return false will not be registered.
	IsAvailable() bool
}
