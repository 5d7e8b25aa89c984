package collector

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/repository"
)

// Recorder stores the records of every registered source in the repository.
// It is installed as the publisher's pre-publish hook so samples join the
// batch that is about to be uploaded.
type Recorder struct {
	registry *Registry
	repo     *repository.Repository
	logger   *zap.Logger
	onStored func(n int)
}

// NewRecorder creates a Recorder. onStored, if non-nil, is called with the
// number of records written after each run.
func NewRecorder(registry *Registry, repo *repository.Repository, logger *zap.Logger, onStored func(n int)) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		registry: registry,
		repo:     repo,
		logger:   logger,
		onStored: onStored,
	}
}

// PrePublish collects from all sources and stores the results. A record that
// cannot be stored is logged and the rest are still attempted.
func (r *Recorder) PrePublish(ctx context.Context) error {
	records := r.registry.CollectAll(ctx)

	var (
		stored int
		errs   []error
	)
	for _, rec := range records {
		if _, err := r.repo.Add(ctx, rec); err != nil {
			r.logger.Warn("Failed to store sampled record", zap.Stringer("record", rec), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		stored++
	}

	if stored > 0 {
		r.logger.Debug("Stored sampled records", zap.Int("count", stored))
		if r.onStored != nil {
			r.onStored(stored)
		}
	}
	return errors.Join(errs...)
}
