package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vnmchuo/llm-jobqueue/internal/job"
	"github.com/vnmchuo/llm-jobqueue/internal/provider"
	"github.com/vnmchuo/llm-jobqueue/pkg/ratelimit"
)

// workerLoop drains one provider queue: pop, rate-limit gate, invoke,
// ack/nack. Job-level errors never escape the loop; they are written
// into the record for polling callers.
func (d *Dispatcher) workerLoop(ctx context.Context, name string, reg *registration) {
	defer d.wg.Done()

	log := d.opts.Logger.With().Str("provider", name).Logger()
	infraDelay := d.opts.PollInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		rec := reg.queue.Pop()
		if rec == nil {
			if !sleep(ctx, d.opts.PollInterval) {
				return
			}
			continue
		}

		infra := d.processJob(ctx, log, reg, rec)
		if infra {
			// Systemic outage: pause this loop with its own escalating
			// delay; the job itself went back to waiting untouched.
			if !sleep(ctx, infraDelay) {
				return
			}
			infraDelay = min(infraDelay*2, d.opts.InfraRetryMax)
		} else {
			infraDelay = d.opts.PollInterval
		}
	}
}

// processJob runs one popped job to an ack, nack, or release. The
// return value reports an infrastructure outage so the caller can slow
// down.
func (d *Dispatcher) processJob(ctx context.Context, log zerolog.Logger, reg *registration, rec *job.Record) bool {
	name := reg.queue.Name()

	_, span := d.opts.Tracer.Start(ctx, "dispatch.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", rec.ID),
		attribute.String("provider", name),
		attribute.String("job_kind", string(rec.Kind)),
		attribute.Int("attempt", rec.Attempts+1),
	)

	decision, err := d.limiter.Allow(ctx, name, rec.TenantID, reg.cfg.RateLimitMax, reg.cfg.RateLimitWindow)
	if err != nil {
		var infra *ratelimit.InfraError
		if errors.As(err, &infra) {
			log.Warn().Err(err).Str("job_id", rec.ID).Msg("rate limit store unreachable, will retry")
			_ = reg.queue.Release(rec.ID, d.opts.PollInterval)
			return true
		}
		// Unknown limiter error: treat like an outage rather than
		// burning an attempt the handler never got.
		log.Error().Err(err).Str("job_id", rec.ID).Msg("rate limit check failed")
		_ = reg.queue.Release(rec.ID, d.opts.PollInterval)
		return true
	}
	if !decision.Allowed {
		if d.opts.Metrics != nil {
			d.opts.Metrics.RateLimitDenied.WithLabelValues(name).Inc()
		}
		log.Debug().
			Str("job_id", rec.ID).
			Str("tenant_id", rec.TenantID).
			Dur("retry_after", decision.RetryAfter).
			Msg("rate limit denied, re-queued")
		_ = reg.queue.Release(rec.ID, min(decision.RetryAfter, d.opts.DenialRetryCap))
		return false
	}

	req, err := buildRequest(rec)
	if err != nil {
		// Programmer error, not a transient fault: fail terminally
		// without consuming the retry budget on something unfixable.
		log.Error().Err(err).Str("job_id", rec.ID).Msg("job rejected as non-retryable")
		failed, ferr := reg.queue.Fail(rec.ID, err)
		if ferr == nil {
			d.recordTerminal(log, name, failed)
		}
		return false
	}

	// The invocation context is detached from the worker context on
	// purpose: shutdown waits for in-flight handlers instead of
	// cancelling them.
	invokeCtx, cancel := context.WithTimeout(context.Background(), reg.cfg.HandlerTimeout)
	defer cancel()

	start := time.Now()
	result, err := reg.breaker.Execute(func() (any, error) {
		return reg.client.Invoke(invokeCtx, req)
	})
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// No invocation happened; this must not count as an attempt.
			log.Warn().Str("job_id", rec.ID).Msg("circuit breaker open, re-queued")
			_ = reg.queue.Release(rec.ID, d.opts.DenialRetryCap)
			return false
		}

		nacked, nerr := reg.queue.Nack(rec.ID, fmt.Errorf("handler error: %w", err))
		if nerr != nil {
			log.Error().Err(nerr).Str("job_id", rec.ID).Msg("nack failed")
			return false
		}
		if nacked.State == job.StateFailed {
			log.Error().Err(err).
				Str("job_id", rec.ID).
				Int("attempts", nacked.Attempts).
				Dur("elapsed", elapsed).
				Msg("job failed terminally")
			d.recordTerminal(log, name, nacked)
		} else {
			if d.opts.Metrics != nil {
				d.opts.Metrics.Retried.WithLabelValues(name).Inc()
			}
			log.Warn().Err(err).
				Str("job_id", rec.ID).
				Int("attempts", nacked.Attempts).
				Time("ready_at", nacked.ReadyAt).
				Msg("job failed, retry scheduled")
		}
		return false
	}

	resp := result.(*provider.Response)
	payload, err := json.Marshal(resp)
	if err != nil {
		payload = []byte(`{}`)
	}

	acked, aerr := reg.queue.Ack(rec.ID, payload)
	if aerr != nil {
		log.Error().Err(aerr).Str("job_id", rec.ID).Msg("ack failed")
		return false
	}
	log.Info().
		Str("job_id", rec.ID).
		Int("attempts", acked.Attempts).
		Dur("elapsed", elapsed).
		Msg("job completed")
	d.recordTerminal(log, name, acked)
	return false
}

// recordTerminal updates terminal-state metrics and archives the record
// asynchronously, mirroring a fire-and-forget usage log: a lost archive
// row never blocks or fails a job.
func (d *Dispatcher) recordTerminal(log zerolog.Logger, name string, rec *job.Record) {
	if d.opts.Metrics != nil {
		switch rec.State {
		case job.StateCompleted:
			d.opts.Metrics.Completed.WithLabelValues(name).Inc()
		case job.StateFailed:
			d.opts.Metrics.Failed.WithLabelValues(name).Inc()
		}
	}

	if d.opts.Archive == nil {
		return
	}
	d.archiveWG.Add(1)
	go func() {
		defer d.archiveWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.opts.Archive.SaveTerminal(ctx, rec); err != nil {
			log.Warn().Err(err).Str("job_id", rec.ID).Msg("failed to archive job record")
		}
	}()
}

type chatPayload struct {
	UserID   string             `json:"userId"`
	Model    string             `json:"model"`
	Message  string             `json:"message"`
	Messages []provider.Message `json:"messages"`
}

type mediaPayload struct {
	UserID string `json:"userId"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// buildRequest decodes the opaque payload into a provider request. The
// kind switch is exhaustive over the closed enum; anything else is a
// defect surfaced as a non-retryable failure.
func buildRequest(rec *job.Record) (*provider.Request, error) {
	req := &provider.Request{
		Kind:     rec.Kind,
		TenantID: rec.TenantID,
		JobID:    rec.ID,
	}

	switch rec.Kind {
	case job.KindChat:
		var p chatPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid chat payload: %w", err)
		}
		req.Model = p.Model
		req.Messages = p.Messages
		if len(req.Messages) == 0 {
			if p.Message == "" {
				return nil, fmt.Errorf("chat payload has no message")
			}
			req.Messages = []provider.Message{{Role: "user", Content: p.Message}}
		}
	case job.KindImage, job.KindVideo:
		var p mediaPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", rec.Kind, err)
		}
		if p.Prompt == "" {
			return nil, fmt.Errorf("%s payload has no prompt", rec.Kind)
		}
		req.Model = p.Model
		req.Prompt = p.Prompt
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, rec.Kind)
	}

	return req, nil
}

// sleep waits for d or until ctx is cancelled; it reports whether the
// caller should keep running.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
