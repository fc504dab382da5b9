// Package dispatch owns the set of provider queues and the worker loops
// that drain them: rate limiting, job-kind routing, retry with
// exponential backoff, circuit breaking, and stats aggregation.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
	"github.com/vnmchuo/llm-jobqueue/internal/jobstore"
	"github.com/vnmchuo/llm-jobqueue/internal/metrics"
	"github.com/vnmchuo/llm-jobqueue/internal/provider"
	"github.com/vnmchuo/llm-jobqueue/internal/queue"
	"github.com/vnmchuo/llm-jobqueue/pkg/ratelimit"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrUnknownJobType  = errors.New("unknown job type")
)

// RateLimiter is the slice of pkg/ratelimit the dispatcher needs; tests
// substitute stubs.
type RateLimiter interface {
	Allow(ctx context.Context, provider, tenantID string, limit int64, window time.Duration) (ratelimit.Decision, error)
}

// ProviderConfig carries the per-provider knobs; zero values fall back
// to the documented defaults.
type ProviderConfig struct {
	RateLimitMax     int64         // requests per window, default 60
	RateLimitWindow  time.Duration // default 1m
	MaxAttempts      int           // default 3
	BackoffBaseDelay time.Duration // default 2s
	Concurrency      int           // worker goroutines per queue, default 1
	HandlerTimeout   time.Duration // bound on one invocation, default 5m
	RetainCompleted  int           // completed records kept in memory, default 100
	RetainFailed     int           // failed records kept in memory, default 50
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.RateLimitMax <= 0 {
		c.RateLimitMax = 60
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Minute
	}
	return c
}

type Options struct {
	// PollInterval is the idle-loop sleep between empty pops.
	PollInterval time.Duration // default 250ms
	// DenialRetryCap bounds how long a rate-limit denial parks a job, so
	// one tenant's long window cannot stall re-checks.
	DenialRetryCap time.Duration // default 5s
	// InfraRetryMax caps the escalating pause after counter-store outages.
	InfraRetryMax time.Duration // default 30s

	Logger  zerolog.Logger
	Tracer  trace.Tracer   // nil: noop
	Metrics *metrics.Metrics // nil: not recorded
	Archive jobstore.Store // nil: terminal records are not archived
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.DenialRetryCap <= 0 {
		o.DenialRetryCap = 5 * time.Second
	}
	if o.InfraRetryMax <= 0 {
		o.InfraRetryMax = 30 * time.Second
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("dispatch")
	}
	return o
}

type registration struct {
	client  provider.Client
	cfg     ProviderConfig
	queue   *queue.Queue
	breaker *gobreaker.CircuitBreaker
}

type Dispatcher struct {
	limiter   RateLimiter
	opts      Options
	providers map[string]*registration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// archiveWG tracks fire-and-forget archive writes so Shutdown can
	// drain them.
	archiveWG sync.WaitGroup
}

func New(limiter RateLimiter, opts Options) *Dispatcher {
	return &Dispatcher{
		limiter:   limiter,
		opts:      opts.withDefaults(),
		providers: make(map[string]*registration),
	}
}

// Register adds a provider queue. All registrations must happen before
// Start; queues live for the rest of the process.
func (d *Dispatcher) Register(name string, client provider.Client, cfg ProviderConfig) {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	d.providers[name] = &registration{
		client: client,
		cfg:    cfg,
		queue: queue.New(name, queue.Options{
			MaxAttempts:      cfg.MaxAttempts,
			BackoffBaseDelay: cfg.BackoffBaseDelay,
			Concurrency:      cfg.Concurrency,
			RetainCompleted:  cfg.RetainCompleted,
			RetainFailed:     cfg.RetainFailed,
		}),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

type EnqueueRequest struct {
	Provider string
	Kind     job.Kind
	Payload  json.RawMessage
	Priority job.Priority
	Delay    time.Duration // minimum time before the job becomes eligible
}

// tenantPayload is the one field every payload shape shares.
type tenantPayload struct {
	UserID string `json:"userId"`
}

// Enqueue creates a job record and places it in the named provider
// queue. It returns immediately; callers poll GetJob for progress.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*job.Record, error) {
	reg, ok := d.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	priority := req.Priority
	if priority == "" {
		priority = job.PriorityNormal
	}

	var tenant tenantPayload
	_ = json.Unmarshal(req.Payload, &tenant)
	tenantID := tenant.UserID
	if tenantID == "" {
		tenantID = "anonymous"
	}

	rec := &job.Record{
		ID:       job.NewID(req.Provider),
		Provider: req.Provider,
		Kind:     req.Kind,
		TenantID: tenantID,
		Payload:  req.Payload,
		Priority: priority,
	}
	if req.Delay > 0 {
		rec.ReadyAt = time.Now().Add(req.Delay)
	}

	reg.queue.Push(rec)

	if d.opts.Metrics != nil {
		d.opts.Metrics.Enqueued.WithLabelValues(req.Provider, string(priority)).Inc()
	}
	d.opts.Logger.Debug().
		Str("job_id", rec.ID).
		Str("provider", req.Provider).
		Str("kind", string(req.Kind)).
		Str("priority", string(priority)).
		Msg("job enqueued")

	snap, err := reg.queue.Get(rec.ID)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetJob looks up a record in the live queue first, then in the archive
// for records already evicted by retention.
func (d *Dispatcher) GetJob(ctx context.Context, providerName, id string) (*job.Record, error) {
	reg, ok := d.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	rec, err := reg.queue.Get(id)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, job.ErrNotFound) && d.opts.Archive != nil {
		return d.opts.Archive.GetByID(ctx, id)
	}
	return nil, err
}

// Stats aggregates per-queue counts. Payload contents are never
// exposed here.
func (d *Dispatcher) Stats() map[string]queue.Stats {
	out := make(map[string]queue.Stats, len(d.providers))
	for name, reg := range d.providers {
		s := reg.queue.Stats()
		out[name] = s
		if d.opts.Metrics != nil {
			d.opts.Metrics.QueueWaiting.WithLabelValues(name).Set(float64(s.Waiting))
			d.opts.Metrics.QueueActive.WithLabelValues(name).Set(float64(s.Active))
		}
	}
	return out
}

func (d *Dispatcher) Pause(providerName string) error {
	reg, ok := d.providers[providerName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	reg.queue.Pause()
	d.opts.Logger.Info().Str("provider", providerName).Msg("queue paused")
	return nil
}

func (d *Dispatcher) Resume(providerName string) error {
	reg, ok := d.providers[providerName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	reg.queue.Resume()
	d.opts.Logger.Info().Str("provider", providerName).Msg("queue resumed")
	return nil
}

// Start launches the worker loops: cfg.Concurrency goroutines per
// provider queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	for name, reg := range d.providers {
		for i := 0; i < reg.cfg.Concurrency; i++ {
			d.wg.Add(1)
			go d.workerLoop(ctx, name, reg)
		}
	}
	d.opts.Logger.Info().Int("providers", len(d.providers)).Msg("dispatcher started")
}

// Shutdown stops the worker loops and drains in-flight work references.
// Active handler invocations are not forcibly cancelled; Shutdown waits
// for them up to ctx's deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.cancel()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.archiveWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.opts.Logger.Info().Msg("dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}
