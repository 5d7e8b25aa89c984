// Package publisher decides when stored queue-time records are uploaded and
// performs the upload cycle: prune, collect, POST, then delete what the
// collector acknowledged.
//
// Cadence state (last attempt, last success, publish frequency) lives in the
// repository's settings so it survives restarts. The last attempt is written
// before the network call, so a failing collector is retried once per
// frequency at most and never hot-looped.
package publisher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/metrics"
	"github.com/Guliveer/dynoscale/agent/internal/repository"
	"github.com/Guliveer/dynoscale/agent/internal/sender"
)

// Uploader posts an encoded payload to the collector.
type Uploader interface {
	Send(ctx context.Context, payload []byte) (*sender.Response, error)
}

// Hook runs right before records are read for upload. The job-queue sampler
// uses it to add fresh records to the batch. Installing a hook stamps the
// publish attempt before it runs, even when the batch ends up empty.
type Hook interface {
	PrePublish(ctx context.Context) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context) error

// PrePublish calls f.
func (f HookFunc) PrePublish(ctx context.Context) error { return f(ctx) }

// Options configures a Publisher.
type Options struct {
	Config     *config.Config
	Repository *repository.Repository
	// Uploader defaults to a sender.Sender built from Config.
	Uploader Uploader
	Logger   *zap.Logger
	// Metrics defaults to a private set.
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now  func() time.Time
	Hook Hook
}

// Publisher runs upload cycles against one repository.
type Publisher struct {
	cfg      *config.Config
	repo     *repository.Repository
	settings *repository.Settings
	uploader Uploader
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	hook     Hook
}

// New creates a Publisher.
func New(opts Options) (*Publisher, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("publisher: Config is required")
	}
	if opts.Repository == nil {
		return nil, fmt.Errorf("publisher: Repository is required")
	}

	p := &Publisher{
		cfg:      opts.Config,
		repo:     opts.Repository,
		settings: opts.Repository.Settings(),
		uploader: opts.Uploader,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		hook:     opts.Hook,
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.metrics == nil {
		m, err := metrics.New(nil)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.uploader == nil {
		p.uploader = sender.New(p.cfg, p.logger.Named("sender"), nil)
	}
	return p, nil
}

// SetHook installs the pre-publish hook, replacing any previous one.
func (p *Publisher) SetHook(h Hook) { p.hook = h }

// Tick publishes if the cadence allows it.
func (p *Publisher) Tick(ctx context.Context) {
	if p.ShouldPublish(ctx) {
		p.Publish(ctx)
	}
}

// ShouldPublish reports whether at least one publish frequency has passed
// since the last attempt. A repository error answers false.
func (p *Publisher) ShouldPublish(ctx context.Context) bool {
	last, found, err := p.settings.Get(ctx, repository.SettingLastPublishAttempt)
	if err != nil {
		p.logger.Error("Failed to read last publish attempt", zap.Error(err))
		return false
	}
	if !found {
		last = 0
	}
	freq := p.PublishFrequency(ctx)
	return toSeconds(p.now()) >= last+freq.Seconds()
}

// Publish runs one upload cycle. Failures are logged and leave the records
// in place for the next cycle.
func (p *Publisher) Publish(ctx context.Context) {
	maxAge := p.cfg.Publisher.MaxRecordAge.Duration
	pruned, err := p.repo.DeleteOlderThan(ctx, maxAge)
	if err != nil {
		p.logger.Error("Failed to prune old records", zap.Error(err))
	} else if pruned > 0 {
		p.metrics.RecordsPruned.Add(float64(pruned))
		p.logger.Debug("Discarded stale records", zap.Int("count", pruned), zap.Duration("max_age", maxAge))
	}

	if err := p.cfg.Validate(); err != nil {
		p.logger.Warn("Can not publish with invalid config", zap.Error(err))
		p.metrics.PublishAttempts.WithLabelValues(metrics.ResultSkipped).Inc()
		return
	}

	// The hook may reach the network, so the attempt is stamped first.
	var attempt time.Time
	if p.hook != nil {
		attempt = p.recordAttempt(ctx)
		p.runHook(ctx)
	}

	records, err := p.repo.GetAll(ctx)
	if err != nil {
		p.logger.Error("Failed to read records", zap.Error(err))
		return
	}
	if len(records) == 0 {
		p.logger.Info("There is nothing to publish")
		return
	}
	if attempt.IsZero() {
		attempt = p.recordAttempt(ctx)
	}

	p.logger.Info("Publishing records", zap.Int("count", len(records)))
	payload := sender.EncodeCSV(records)

	start := time.Now()
	resp, err := p.uploader.Send(ctx, payload)
	p.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		p.logger.Error("Failed to upload records", zap.Error(err))
		p.metrics.PublishAttempts.WithLabelValues(metrics.ResultTransport).Inc()
		return
	}
	if !resp.OK() {
		p.logger.Warn("Error publishing records", zap.Int("status", resp.StatusCode))
		p.metrics.PublishAttempts.WithLabelValues(metrics.ResultRejected).Inc()
		return
	}
	p.metrics.PublishAttempts.WithLabelValues(metrics.ResultSuccess).Inc()

	if err := p.settings.Set(ctx, repository.SettingLastPublishSuccess, toSeconds(attempt)); err != nil {
		p.logger.Error("Failed to store publish success time", zap.Error(err))
	}

	deleted, err := p.repo.Delete(ctx, records)
	if err != nil {
		p.logger.Error("Failed to delete uploaded records", zap.Error(err))
	}
	p.metrics.RecordsUploaded.Add(float64(deleted))

	freq, ok := sender.ParseConfigResponse(resp.Body)
	if !ok {
		return
	}
	if freq != p.PublishFrequency(ctx) {
		if err := p.SetPublishFrequency(ctx, freq); err != nil {
			p.logger.Error("Failed to store publish frequency", zap.Error(err))
			return
		}
		p.logger.Info("Updated publish frequency", zap.Duration("frequency", freq))
	}
}

func (p *Publisher) recordAttempt(ctx context.Context) time.Time {
	attempt := p.now()
	if err := p.settings.Set(ctx, repository.SettingLastPublishAttempt, toSeconds(attempt)); err != nil {
		p.logger.Error("Failed to store publish attempt time", zap.Error(err))
	}
	return attempt
}

func (p *Publisher) runHook(ctx context.Context) {
	if p.hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.metrics.HookFailures.Inc()
			p.logger.Error("Pre-publish hook panicked", zap.Any("panic", r))
		}
	}()
	if err := p.hook.PrePublish(ctx); err != nil {
		p.metrics.HookFailures.Inc()
		p.logger.Error("Pre-publish hook failed", zap.Error(err))
	}
}

// LastPublishAttempt returns when the last upload was attempted.
func (p *Publisher) LastPublishAttempt(ctx context.Context) (time.Time, bool) {
	return p.timeSetting(ctx, repository.SettingLastPublishAttempt)
}

// LastPublishSuccess returns when the last acknowledged upload was attempted.
func (p *Publisher) LastPublishSuccess(ctx context.Context) (time.Time, bool) {
	return p.timeSetting(ctx, repository.SettingLastPublishSuccess)
}

func (p *Publisher) timeSetting(ctx context.Context, name string) (time.Time, bool) {
	v, found, err := p.settings.Get(ctx, name)
	if err != nil {
		p.logger.Error("Failed to read setting", zap.String("name", name), zap.Error(err))
		return time.Time{}, false
	}
	if !found {
		return time.Time{}, false
	}
	return fromSeconds(v), true
}

// PublishFrequency returns the stored frequency. When none is stored, or the
// stored value is negative, the configured default is stored and returned.
func (p *Publisher) PublishFrequency(ctx context.Context) time.Duration {
	def := p.cfg.Publisher.DefaultPublishFrequency.Duration
	v, found, err := p.settings.Get(ctx, repository.SettingPublishFrequency)
	if err != nil {
		p.logger.Error("Failed to read publish frequency", zap.Error(err))
		return def
	}
	if found && v >= 0 {
		if v >= sender.MaxPublishFrequency.Seconds() {
			return sender.MaxPublishFrequency
		}
		return time.Duration(v * float64(time.Second))
	}
	if err := p.SetPublishFrequency(ctx, def); err != nil {
		p.logger.Error("Failed to store default publish frequency", zap.Error(err))
	}
	return def
}

// SetPublishFrequency persists freq. Zero makes every tick publish.
func (p *Publisher) SetPublishFrequency(ctx context.Context, freq time.Duration) error {
	return p.settings.Set(ctx, repository.SettingPublishFrequency, freq.Seconds())
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
