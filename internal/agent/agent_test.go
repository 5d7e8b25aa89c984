package agent

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/header"
	"github.com/Guliveer/dynoscale/agent/internal/models"
)

var fixedNow = time.UnixMilli(1_700_000_000_500)

func validConfig(t *testing.T, url string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dyno = "web.1"
	cfg.URL = url
	cfg.Storage.Dir = t.TempDir()
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config) (*Agent, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	a, err := New(Options{
		Config: cfg,
		Logger: zap.New(core),
		Now:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a, logs
}

// detachWorker keeps the worker from starting so the queue can be inspected.
func detachWorker(a *Agent) {
	a.startOnce.Do(func() {})
}

func TestNew_RejectsNonPositiveQueueSize(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.QueueSize = 0
	if _, err := New(Options{Config: cfg, Logger: zap.NewNop()}); err == nil {
		t.Error("New() should reject a zero queue size")
	}
}

func TestNew_SnapshotsConfig(t *testing.T) {
	cfg := validConfig(t, "http://127.0.0.1:1")
	a, _ := newTestAgent(t, cfg)
	cfg.Dyno = "web.2"
	if a.Config().Dyno != "web.1" {
		t.Error("agent config must not follow later caller changes")
	}
}

func TestLogQueueTime_InvalidConfigIsNoop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Dyno = "web.2"
	cfg.URL = "https://api.io"
	cfg.Storage.Dir = t.TempDir()

	a, logs := newTestAgent(t, cfg)
	a.LogQueueTime(1, 2)

	if a.started.Load() {
		t.Error("worker must not start with invalid config")
	}
	if len(a.queue) != 0 {
		t.Errorf("queue length = %d, want 0", len(a.queue))
	}
	if logs.FilterMessage("Throwing away queue time").Len() != 1 {
		t.Error("expected a throw-away log entry")
	}
	if _, err := os.Stat(cfg.StoragePath()); !os.IsNotExist(err) {
		t.Errorf("repository file should not exist, stat error = %v", err)
	}
}

func TestLogQueueTime_FullQueueDropsWithoutBlocking(t *testing.T) {
	cfg := validConfig(t, "http://127.0.0.1:1")
	cfg.Agent.QueueSize = 1
	cfg.Agent.EnqueueTimeout = config.Duration{Duration: 20 * time.Millisecond}

	a, logs := newTestAgent(t, cfg)
	detachWorker(a)

	a.LogQueueTime(1, 10)

	start := time.Now()
	a.LogQueueTime(2, 20)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("LogQueueTime() blocked for %v", elapsed)
	}

	if got := testutil.ToFloat64(a.metrics.RecordsDropped); got != 1 {
		t.Errorf("records_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(a.metrics.RecordsEnqueued); got != 1 {
		t.Errorf("records_enqueued_total = %v, want 1", got)
	}
	if logs.FilterMessage("Queue is full, record won't be logged").FilterLevelExact(zapcore.ErrorLevel).Len() != 1 {
		t.Error("expected an error log for the dropped record")
	}
	if rec := <-a.queue; rec.Timestamp != 1 {
		t.Errorf("queued record = %+v, want the first one", rec)
	}
}

func TestOnRequestReceived_EnqueuesQueueTime(t *testing.T) {
	a, _ := newTestAgent(t, validConfig(t, "http://127.0.0.1:1"))
	detachWorker(a)

	h := http.Header{}
	h.Set(header.RequestStart, strconv.FormatInt(fixedNow.UnixMilli()-200, 10))
	a.OnRequestReceived(h)

	select {
	case rec := <-a.queue:
		want := models.Record{Timestamp: 1_700_000_000, Metric: 200, Source: models.SourceWeb}
		if rec != want {
			t.Errorf("record = %+v, want %+v", rec, want)
		}
	default:
		t.Fatal("no record queued")
	}
}

func TestOnRequestFields_CGIHeader(t *testing.T) {
	a, _ := newTestAgent(t, validConfig(t, "http://127.0.0.1:1"))
	detachWorker(a)

	a.OnRequestFields(header.FromPairs([][2]string{
		{header.CGIRequestStart, strconv.FormatInt(fixedNow.UnixMilli()+50, 10)},
	}))

	select {
	case rec := <-a.queue:
		if rec.Metric != -50 {
			t.Errorf("Metric = %d, want -50", rec.Metric)
		}
	default:
		t.Fatal("no record queued")
	}
}

func TestOnRequestReceived_MissingHeaderIsRateLimited(t *testing.T) {
	a, logs := newTestAgent(t, validConfig(t, "http://127.0.0.1:1"))
	detachWorker(a)

	for i := 0; i < 5; i++ {
		a.OnRequestReceived(http.Header{})
	}

	if len(a.queue) != 0 {
		t.Errorf("queue length = %d, want 0", len(a.queue))
	}
	if n := logs.FilterMessage("Cannot calculate queue time, request start header is missing").Len(); n != 1 {
		t.Errorf("missing-header logs = %d, want 1", n)
	}
}

func TestOnRequestReceived_DevModeSynthesizes(t *testing.T) {
	cfg := validConfig(t, "http://127.0.0.1:1")
	cfg.DevMode = true
	a, _ := newTestAgent(t, cfg)
	detachWorker(a)

	a.OnRequestReceived(http.Header{})

	select {
	case rec := <-a.queue:
		if rec.Metric < 0 || rec.Metric > 2000 {
			t.Errorf("Metric = %d, want within [0, 2000]", rec.Metric)
		}
	default:
		t.Fatal("dev mode should queue a synthetic record")
	}
}

func TestOnRequestReceived_ContainsPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	a, err := New(Options{
		Config: validConfig(t, "http://127.0.0.1:1"),
		Logger: zap.New(core),
		Now:    func() time.Time { panic("clock broke") },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	a.OnRequestReceived(http.Header{})

	if logs.FilterMessage("Recovered from panic on request path").Len() == 0 {
		t.Error("expected the panic to be logged")
	}
}

func TestAgent_UploadsToCollector(t *testing.T) {
	bodies := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
		io.WriteString(w, `{"config":{"publish_frequency":30}}`)
	}))
	defer srv.Close()

	cfg := validConfig(t, srv.URL)
	core, _ := observer.New(zapcore.DebugLevel)
	a, err := New(Options{
		Config:     cfg,
		Logger:     zap.New(core),
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Now().Unix()
	a.LogQueueTime(ts, 123)

	select {
	case body := <-bodies:
		want := strconv.FormatInt(ts, 10) + ",123,web,\r\n"
		if body != want {
			t.Errorf("uploaded body = %q, want %q", body, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for upload")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := os.Stat(cfg.StoragePath()); err != nil {
		t.Errorf("repository file missing: %v", err)
	}
	if !strings.HasSuffix(cfg.StoragePath(), config.DefaultDataFileName) {
		t.Errorf("StoragePath() = %q", cfg.StoragePath())
	}
}

func TestClose_Idempotent(t *testing.T) {
	a, _ := newTestAgent(t, validConfig(t, "http://127.0.0.1:1"))
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	// After Close the request path stays safe.
	a.LogQueueTime(1, 1)
}

func TestNew_SharedRegistererAfterClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := validConfig(t, "http://127.0.0.1:1")

	first, err := New(Options{Config: cfg, Logger: zap.NewNop(), Registerer: reg})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Options{Config: cfg, Logger: zap.NewNop(), Registerer: reg}); err == nil {
		t.Fatal("second New() on a shared registerer should fail")
	}

	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	second, err := New(Options{Config: cfg, Logger: zap.NewNop(), Registerer: reg})
	if err != nil {
		t.Fatalf("New() after Close error = %v", err)
	}
	defer second.Close()

	if count, err := testutil.GatherAndCount(reg, "dynoscale_queue_length"); err != nil || count != 1 {
		t.Errorf("queue_length series = (%d, %v), want 1", count, err)
	}
}
