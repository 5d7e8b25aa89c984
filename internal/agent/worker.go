package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/collector"
	"github.com/Guliveer/dynoscale/agent/internal/models"
	"github.com/Guliveer/dynoscale/agent/internal/publisher"
	"github.com/Guliveer/dynoscale/agent/internal/repository"
	"github.com/Guliveer/dynoscale/agent/internal/sender"
)

// worker owns the repository and publisher. Only its goroutine touches them.
type worker struct {
	a    *Agent
	log  *zap.Logger
	repo *repository.Repository
	pub  *publisher.Publisher
}

func (a *Agent) start() {
	a.started.Store(true)
	w := &worker{a: a, log: a.logger.Named("worker")}
	go w.run(a.ctx)
	a.logger.Info("Worker started")
}

// run drains the queue until ctx is cancelled. Every record is persisted
// and followed by a publisher tick.
func (w *worker) run(ctx context.Context) {
	defer close(w.a.done)
	defer w.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.a.queue:
			w.handle(ctx, rec)
		}
	}
}

// handle processes one record. It never lets a panic or error escape, so the
// loop keeps running for the lifetime of the process.
func (w *worker) handle(ctx context.Context, rec models.Record) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Recovered from panic in worker",
				zap.Stringer("record", rec),
				zap.Any("panic", r))
		}
	}()

	if w.repo == nil {
		if err := w.open(); err != nil {
			w.log.Error("Failed to open repository, record lost", zap.Error(err))
			return
		}
	}

	if _, err := w.repo.Add(ctx, rec); err != nil {
		w.log.Error("Failed to store record", zap.Stringer("record", rec), zap.Error(err))
	} else {
		w.a.metrics.RecordsPersisted.Inc()
	}

	w.pub.Tick(ctx)
}

// open creates the repository and publisher, and installs the job-queue
// sampler when Redis is configured.
func (w *worker) open() error {
	cfg := w.a.cfg
	repo, err := repository.Open(repository.Config{
		Path:   cfg.StoragePath(),
		Logger: w.a.logger.Named("repository"),
		Now:    w.a.now,
	})
	if err != nil {
		return err
	}

	pub, err := publisher.New(publisher.Options{
		Config:     cfg,
		Repository: repo,
		Uploader:   sender.New(cfg, w.a.logger.Named("sender"), w.a.httpClient),
		Logger:     w.a.logger.Named("publisher"),
		Metrics:    w.a.metrics,
		Now:        w.a.now,
	})
	if err != nil {
		repo.Close()
		return fmt.Errorf("create publisher: %w", err)
	}

	if cfg.IsJobQueueAvailable() {
		registry := collector.NewRegistry(w.a.logger.Named("collector"))
		registry.Register(collector.NewRQSource(cfg.JobQueueURLs, w.a.logger.Named("rq")))
		pub.SetHook(collector.NewRecorder(registry, repo, w.a.logger.Named("recorder"), func(n int) {
			w.a.metrics.RecordsPersisted.Add(float64(n))
		}))
	}

	w.repo = repo
	w.pub = pub
	return nil
}

func (w *worker) shutdown() {
	if w.repo == nil {
		return
	}
	if err := w.repo.Close(); err != nil {
		w.log.Error("Failed to close repository", zap.Error(err))
		w.a.closeErr = err
	}
}
