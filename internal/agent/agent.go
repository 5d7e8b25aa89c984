// Package agent is the entry point used by web adapters. It turns each
// incoming request into a queue-time record and hands it to a single
// background worker over a bounded channel. The request path never performs
// disk or network I/O and never panics into the host application.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/header"
	"github.com/Guliveer/dynoscale/agent/internal/logging"
	"github.com/Guliveer/dynoscale/agent/internal/metrics"
	"github.com/Guliveer/dynoscale/agent/internal/models"
)

// missingHeaderLogEvery bounds the "cannot calculate queue time" log to one
// line per interval.
const missingHeaderLogEvery = time.Minute

// Options configures an Agent.
type Options struct {
	// Config defaults to config.FromEnv(). It is copied; later changes to
	// the caller's value have no effect.
	Config *config.Config
	// Logger defaults to one built from Config.Logging.
	Logger *zap.Logger
	// Registerer receives the agent's self-metrics. Defaults to a private registry.
	Registerer prometheus.Registerer
	// HTTPClient is used for collector uploads. Defaults to a dedicated client.
	HTTPClient *http.Client
	// Now overrides the clock.
	Now func() time.Time
}

// Agent accepts queue-time measurements and delivers them asynchronously.
type Agent struct {
	cfg        *config.Config
	valid      bool
	logger     *zap.Logger
	metrics    *metrics.Metrics
	httpClient *http.Client
	now        func() time.Time

	queue   chan models.Record
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New creates an Agent. No goroutine, file or connection is opened until the
// first measurement arrives.
func New(opts Options) (*Agent, error) {
	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		cfg = *config.FromEnv()
	}
	cfg.JobQueueURLs = append([]string(nil), cfg.JobQueueURLs...)

	if cfg.Agent.QueueSize <= 0 {
		return nil, fmt.Errorf("agent: queue size must be positive, got %d", cfg.Agent.QueueSize)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.Logging)
	}
	logger = logger.Named("dynoscale")

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	m, err := metrics.New(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:        &cfg,
		valid:      cfg.IsValid(),
		logger:     logger,
		metrics:    m,
		httpClient: opts.HTTPClient,
		now:        now,
		queue:      make(chan models.Record, cfg.Agent.QueueSize),
		limiter:    rate.NewLimiter(rate.Every(missingHeaderLogEvery), 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if err := m.RegisterQueueLength(func() int { return len(a.queue) }); err != nil {
		cancel()
		m.Unregister()
		return nil, fmt.Errorf("agent: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Warn("Agent will not record queue times with invalid config",
			zap.Stringer("config", &cfg), zap.Error(err))
	} else {
		logger.Info("Agent configured",
			zap.Stringer("config", &cfg),
			zap.String("mode", cfg.RunModeName()),
			zap.Bool("job_queue", cfg.IsJobQueueAvailable()))
	}
	return a, nil
}

// Config returns the agent's configuration snapshot.
func (a *Agent) Config() *config.Config { return a.cfg }

// Metrics returns the agent's self-metrics.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// LogQueueTime records one queue-time measurement. It blocks for at most the
// configured enqueue timeout; a record that still does not fit is dropped.
func (a *Agent) LogQueueTime(timestamp, queueTimeMs int64) {
	defer a.recoverRequestPath("LogQueueTime")

	if !a.valid {
		a.logger.Debug("Throwing away queue time", zap.String("dyno", a.cfg.Dyno))
		return
	}
	if a.ctx.Err() != nil {
		return
	}
	a.startOnce.Do(a.start)

	rec := models.Record{
		Timestamp: timestamp,
		Metric:    queueTimeMs,
		Source:    models.SourceWeb,
	}

	select {
	case a.queue <- rec:
		a.metrics.RecordsEnqueued.Inc()
		return
	default:
	}

	timer := time.NewTimer(a.cfg.Agent.EnqueueTimeout.Duration)
	defer timer.Stop()
	select {
	case a.queue <- rec:
		a.metrics.RecordsEnqueued.Inc()
	case <-timer.C:
		a.metrics.RecordsDropped.Inc()
		a.logger.Error("Queue is full, record won't be logged", zap.Stringer("record", rec))
	case <-a.ctx.Done():
		a.metrics.RecordsDropped.Inc()
	}
}

// OnRequestReceived extracts the queue time from the request headers and
// records it.
func (a *Agent) OnRequestReceived(h http.Header) {
	defer a.recoverRequestPath("OnRequestReceived")
	a.OnRequestFields(header.FromHTTP(h))
}

// OnRequestFields is OnRequestReceived for adapters that carry headers as
// ordered name/value fields.
func (a *Agent) OnRequestFields(fields []header.Field) {
	defer a.recoverRequestPath("OnRequestFields")

	m, ok := header.QueueTime(fields, a.now(), a.cfg.DevMode)
	if !ok {
		if a.limiter.Allow() {
			a.logger.Info("Cannot calculate queue time, request start header is missing",
				zap.String("header", header.RequestStart))
		}
		return
	}
	if m.Synthetic {
		a.logger.Debug("Using synthetic request start", zap.Int64("queue_time_ms", m.QueueTimeMs))
	}
	a.LogQueueTime(m.Timestamp, m.QueueTimeMs)
}

func (a *Agent) recoverRequestPath(op string) {
	if r := recover(); r != nil {
		a.logger.Error("Recovered from panic on request path",
			zap.String("op", op),
			zap.Any("panic", r))
	}
}

// Close stops the worker, releases the repository and unregisters the
// self-metrics. Records still queued in memory are discarded; stored records
// are published by the next process.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		a.cancel()
		if a.started.Load() {
			<-a.done
		}
		a.metrics.Unregister()
		a.logger.Info("Agent stopped")
		_ = a.logger.Sync()
	})
	return a.closeErr
}
