package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/models"
)

// Redis key layout used by RQ.
const (
	rqQueuesKey     = "rq:queues"
	rqQueuePrefix   = "rq:queue:"
	rqJobPrefix     = "rq:job:"
	rqStatusQueued  = "queued"
	rqSampleTimeout = 5 * time.Second
)

// enqueued_at formats written by RQ releases, newest first.
var rqTimeLayouts = []string{
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
}

// RQSource samples RQ job queues. For every queue on every configured Redis
// it reports how long the oldest still-queued job has been waiting.
type RQSource struct {
	urls   []string
	logger *zap.Logger
	now    func() time.Time
}

// NewRQSource creates a sampler for the given Redis URLs.
func NewRQSource(urls []string, logger *zap.Logger) *RQSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RQSource{
		urls:   urls,
		logger: logger,
		now:    time.Now,
	}
}

// Name returns the source identifier.
func (s *RQSource) Name() string { return "rq" }

// IsAvailable returns true when at least one Redis URL is configured.
func (s *RQSource) IsAvailable() bool { return len(s.urls) > 0 }

// Collect samples every configured Redis. A Redis that cannot be reached is
// logged and skipped; its error is returned alongside the other results.
func (s *RQSource) Collect(ctx context.Context) ([]models.Record, error) {
	var (
		records []models.Record
		errs    []error
	)
	for _, url := range s.urls {
		recs, err := s.collectURL(ctx, url)
		if err != nil {
			s.logger.Warn("Failed to sample RQ queues", zap.String("redis", redactRedisURL(url)), zap.Error(err))
			errs = append(errs, err)
		}
		records = append(records, recs...)
	}
	return records, errors.Join(errs...)
}

func (s *RQSource) collectURL(ctx context.Context, url string) ([]models.Record, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, rqSampleTimeout)
	defer cancel()

	s.logger.Debug("Sampling RQ queues", zap.String("redis", redactRedisURL(url)))
	return s.sample(ctx, client)
}

// sample reads every queue registered in rq:queues through client.
func (s *RQSource) sample(ctx context.Context, client redis.UniversalClient) ([]models.Record, error) {
	members, err := client.SMembers(ctx, rqQueuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	sort.Strings(members)

	var (
		records []models.Record
		errs    []error
	)
	for _, member := range members {
		name := strings.TrimPrefix(member, rqQueuePrefix)
		oldest, ok, err := s.oldestQueued(ctx, client, name)
		if err != nil {
			s.logger.Warn("Failed to sample RQ queue", zap.String("queue", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("queue %s: %w", name, err))
			continue
		}
		if !ok {
			continue
		}
		now := s.now()
		records = append(records, models.Record{
			Timestamp: now.Unix(),
			Metric:    now.Sub(oldest).Milliseconds(),
			Source:    models.SourceRQPrefix + name,
		})
	}
	return records, errors.Join(errs...)
}

// oldestQueued returns the enqueue time of the oldest job in the queue whose
// status is still queued.
func (s *RQSource) oldestQueued(ctx context.Context, client redis.UniversalClient, name string) (time.Time, bool, error) {
	ids, err := client.LRange(ctx, rqQueuePrefix+name, 0, -1).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("list jobs: %w", err)
	}
	if len(ids) == 0 {
		return time.Time{}, false, nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, rqJobPrefix+id, "status", "enqueued_at")
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read jobs: %w", err)
	}

	var (
		oldest time.Time
		found  bool
	)
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 {
			continue
		}
		status, _ := vals[0].(string)
		if status != rqStatusQueued {
			continue
		}
		raw, _ := vals[1].(string)
		enqueuedAt, ok := parseRQTime(raw)
		if !ok {
			s.logger.Debug("Skipping job with unreadable enqueued_at",
				zap.String("job", ids[i]), zap.String("enqueued_at", raw))
			continue
		}
		if !found || enqueuedAt.Before(oldest) {
			oldest = enqueuedAt
			found = true
		}
	}
	return oldest, found, nil
}

func parseRQTime(raw string) (time.Time, bool) {
	for _, layout := range rqTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func redactRedisURL(raw string) string {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return "<invalid>"
	}
	return opts.Addr
}
