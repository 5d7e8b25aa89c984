// Package dynoscale measures request queue time on a web dyno and reports it
// to the Dynoscale collector, which uses it to drive autoscaling.
//
// Typical use wraps the application's handler:
//
//	agent, err := dynoscale.New()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer agent.Close()
//	http.ListenAndServe(addr, dynoscale.Middleware(agent)(mux))
//
// Configuration comes from the environment (DYNO, DYNOSCALE_URL, ...), an
// optional YAML file for tunables, and the options below. An agent on a dyno
// other than web.1, or without a valid collector URL, silently does nothing.
package dynoscale

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Guliveer/dynoscale/agent/internal/agent"
	"github.com/Guliveer/dynoscale/agent/internal/config"
	"github.com/Guliveer/dynoscale/agent/internal/header"
	"github.com/Guliveer/dynoscale/agent/internal/version"
)

// Version is the agent version reported to the collector.
func Version() string { return version.Version }

type options struct {
	configFile    string
	hasConfigFile bool
	embedded      []byte
	logger        *zap.Logger
	registerer    prometheus.Registerer
	httpClient    *http.Client
}

// Option customizes an Agent.
type Option func(*options)

// WithConfigFile reads tunables from the YAML file at path. An empty path
// disables file lookup. Without this option the standard locations are searched.
func WithConfigFile(path string) Option {
	return func(o *options) {
		o.configFile = path
		o.hasConfigFile = true
	}
}

// WithEmbeddedConfig supplies YAML defaults that a config file and the
// environment may override.
func WithEmbeddedConfig(data []byte) Option {
	return func(o *options) { o.embedded = data }
}

// WithLogger routes agent logs into the host's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the agent's self-metrics with reg. New returns an
// error while another open Agent holds the same names on reg; Close releases
// them.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient uses client for uploads to the collector.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// Agent records queue times for one web process.
type Agent struct {
	inner *agent.Agent
}

// New creates an Agent. It does not start any goroutine or touch the disk
// until the first request is observed.
func New(opts ...Option) (*Agent, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var (
		cfg *config.Config
		err error
	)
	if o.hasConfigFile {
		cfg, err = config.LoadLayered(o.embedded, o.configFile)
	} else {
		cfg, err = config.LoadLayered(o.embedded)
	}
	if err != nil {
		return nil, err
	}

	inner, err := agent.New(agent.Options{
		Config:     cfg,
		Logger:     o.logger,
		Registerer: o.registerer,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return &Agent{inner: inner}, nil
}

// IsValid reports whether this process will record queue times.
func (a *Agent) IsValid() bool { return a.inner.Config().IsValid() }

// OnRequestReceived records the queue time of a request from its headers.
func (a *Agent) OnRequestReceived(h http.Header) { a.inner.OnRequestReceived(h) }

// OnRequestPairs records the queue time from ordered name/value pairs, as
// delivered by CGI-style environments.
func (a *Agent) OnRequestPairs(pairs [][2]string) {
	a.inner.OnRequestFields(header.FromPairs(pairs))
}

// OnRequestBytes records the queue time from raw header bytes. Names and
// values are decoded as ISO-8859-1.
func (a *Agent) OnRequestBytes(pairs [][2][]byte) {
	a.inner.OnRequestFields(header.FromBytes(pairs))
}

// LogQueueTime records a queue time measured by the caller.
func (a *Agent) LogQueueTime(timestamp, queueTimeMs int64) {
	a.inner.LogQueueTime(timestamp, queueTimeMs)
}

// Close stops background delivery. Records already stored on disk are kept
// and published by the next process using the same data directory.
func (a *Agent) Close() error { return a.inner.Close() }
