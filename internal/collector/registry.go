package collector

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/models"
)

// Registry manages all registered sources and orchestrates concurrent collection.
type Registry struct {
	sources []Source
	logger  *zap.Logger
}

// NewRegistry creates a new source registry with the given logger.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sources: make([]Source, 0),
		logger:  logger,
	}
}

// Register adds a source if it's available.
// Unavailable sources are logged and skipped.
func (r *Registry) Register(s Source) {
	if s.IsAvailable() {
		r.sources = append(r.sources, s)
		r.logger.Info("Registered source", zap.String("name", s.Name()))
	} else {
		r.logger.Warn("Source not available, skipping", zap.String("name", s.Name()))
	}
}

// Len returns the number of registered sources.
func (r *Registry) Len() int { return len(r.sources) }

// CollectAll runs all registered sources concurrently and returns their
// records in registration order. Failed sources are logged; whatever partial
// results they returned are kept.
func (r *Registry) CollectAll(ctx context.Context) []models.Record {
	results := make([][]models.Record, len(r.sources))
	var wg sync.WaitGroup

	for i, s := range r.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("Source panicked",
						zap.String("source", src.Name()),
						zap.Any("panic", p))
				}
			}()
			records, err := src.Collect(ctx)
			if err != nil {
				r.logger.Error("Collection failed",
					zap.String("source", src.Name()),
					zap.Error(err))
			}
			results[i] = records
		}(i, s)
	}

	wg.Wait()

	var all []models.Record
	for _, records := range results {
		all = append(all, records...)
	}
	return all
}

// Sources returns a copy of all registered sources.
func (r *Registry) Sources() []Source {
	result := make([]Source, len(r.sources))
	copy(result, r.sources)
	return result
}
