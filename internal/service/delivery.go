// Package service implements the business services of the jobtrackd system.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"golang.org/x/sync/errgroup"

	"github.com/jobtrackd/jobtrackd/config"
	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
	"github.com/jobtrackd/jobtrackd/pkg/backoff"
)

const maxResponseBodyBytes = 4096

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// DeliveryServiceOptions groups dependencies for DeliveryService.
type DeliveryServiceOptions struct {
	Webhooks   core.WebhookRepository // Required: webhook registry
	Deliveries core.DeliveryRepository // Required: delivery record sink
	Config     config.DeliveryConfig
	Logger     *slog.Logger       // Optional: structured logger
	HTTPClient *http.Client       // Optional: custom outbound client
	Evaluator  JMESPathEvaluator  // Optional: body template evaluator
	Now        func() time.Time   // Optional: clock override for tests
}

// DeliveryService fans job events out to subscribed webhooks with retry and
// backoff, recording one delivery record per attempt chain.
//
// Events are handed off through a bounded queue consumed by worker
// goroutines, so lifecycle operations never wait on webhook delivery.
type DeliveryService struct {
	webhooks   core.WebhookRepository
	deliveries core.DeliveryRepository
	cfg        config.DeliveryConfig
	logger     *slog.Logger
	client     *http.Client
	jems       JMESPathEvaluator
	now        func() time.Time

	queue chan model.JobEvent
}

// NewDeliveryService constructs a new DeliveryService.
func NewDeliveryService(opts DeliveryServiceOptions) (*DeliveryService, error) {
	if opts.Webhooks == nil {
		return nil, errors.New("WebhookRepository is required")
	}
	if opts.Deliveries == nil {
		return nil, errors.New("DeliveryRepository is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "delivery_service")
		logger.Debug("DeliveryService initialized",
			"timeout", cfg.Timeout,
			"max_retries", cfg.MaxRetries,
			"batch_size", cfg.BatchSize,
			"workers", cfg.Workers,
		)
	}

	return &DeliveryService{
		webhooks:   opts.Webhooks,
		deliveries: opts.Deliveries,
		cfg:        cfg,
		logger:     logger,
		client:     client,
		jems:       jems,
		now:        now,
		queue:      make(chan model.JobEvent, cfg.QueueSize),
	}, nil
}

// MustNewDeliveryService constructs a new DeliveryService and panics on error.
// Use this when you want fail-fast behavior during application startup.
func MustNewDeliveryService(opts DeliveryServiceOptions) *DeliveryService {
	svc, err := NewDeliveryService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// History returns recorded delivery attempts, newest first.
func (s *DeliveryService) History(ctx context.Context, limit, offset int) ([]*model.DeliveryRecord, error) {
	return s.deliveries.List(ctx, limit, offset)
}

// Enqueue hands an event to the delivery workers without blocking. When the
// queue is full the event is dropped and logged; the caller never waits.
func (s *DeliveryService) Enqueue(ctx context.Context, event model.JobEvent) {
	if event == nil {
		return
	}
	select {
	case s.queue <- event:
	default:
		if s.logger != nil {
			s.logger.WarnContext(ctx, "delivery queue full, dropping event",
				"event", event.Type(),
				"job_id", event.JobID(),
			)
		}
	}
}

// Run consumes the event queue with the configured number of workers until
// the context is cancelled. Returns nil on graceful shutdown.
func (s *DeliveryService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting delivery workers", "workers", s.cfg.Workers)
	}

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx)
		}()
	}
	wg.Wait()

	if s.logger != nil {
		s.logger.InfoContext(ctx, "delivery workers stopped", "reason", ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (s *DeliveryService) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-s.queue:
			if err := s.Dispatch(ctx, event); err != nil && s.logger != nil {
				s.logger.ErrorContext(ctx, "dispatch failed",
					"event", event.Type(),
					"job_id", event.JobID(),
					"error", err,
				)
			}
		}
	}
}

// Dispatch fans one job event out to all matching active webhooks. Webhooks
// are processed in fixed-size batches; deliveries within a batch run
// concurrently, with a pause between batches.
func (s *DeliveryService) Dispatch(ctx context.Context, event model.JobEvent) error {
	hooks, err := s.resolveSubscribers(ctx, event)
	if err != nil {
		return fmt.Errorf("resolve webhooks for %s: %w", event.Type(), err)
	}
	if len(hooks) == 0 {
		return nil
	}

	payload, err := event.WirePayload()
	if err != nil {
		return err
	}

	for start := 0; start < len(hooks); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(hooks) {
			end = len(hooks)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, hook := range hooks[start:end] {
			hook := hook
			g.Go(func() error {
				s.deliverChain(gctx, hook, event, payload)
				return nil
			})
		}
		// deliverChain never returns an error; Wait is only a join point.
		_ = g.Wait()

		if end < len(hooks) && s.cfg.BatchPause > 0 {
			if sleepErr := sleepCtx(ctx, s.cfg.BatchPause); sleepErr != nil {
				return nil
			}
		}
	}

	return nil
}

// resolveSubscribers collects active webhooks for every event type the event
// matches. A status change into completed or failed also matches the
// completion or failure subscription, so a webhook registered for only those
// still receives the transition. Duplicates are collapsed so a webhook
// subscribed to both types is delivered to once.
func (s *DeliveryService) resolveSubscribers(
	ctx context.Context,
	event model.JobEvent,
) ([]*model.Webhook, error) {
	types := []model.EventType{event.Type()}
	if sc, ok := event.(model.StatusChangeEvent); ok {
		switch sc.Job.Status {
		case model.JobStatusCompleted:
			types = append(types, model.EventCompletion)
		case model.JobStatusFailed:
			types = append(types, model.EventFailure)
		}
	}

	var hooks []*model.Webhook
	seen := make(map[string]struct{})
	for _, t := range types {
		matched, err := s.webhooks.ListActiveForEvent(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, hook := range matched {
			if _, dup := seen[hook.ID]; dup {
				continue
			}
			seen[hook.ID] = struct{}{}
			hooks = append(hooks, hook)
		}
	}
	return hooks, nil
}

// attemptOutcome captures the result of a single HTTP POST.
type attemptOutcome struct {
	statusCode *int
	body       *string
	err        error
	retryable  bool
}

// deliverChain runs the retry loop for one webhook and records the final
// outcome. All failures terminate in a delivery record, never an error.
func (s *DeliveryService) deliverChain(
	ctx context.Context,
	hook *model.Webhook,
	event model.JobEvent,
	payload json.RawMessage,
) {
	chainStart := s.now().UTC()

	body, err := s.renderBody(hook.BodyTemplate, payload)
	if err != nil {
		// A broken template is terminal; it was validated at registration
		// so this only happens if the payload shape changed underneath it.
		s.recordOutcome(ctx, hook, event, payload, attemptOutcome{err: err}, 0, nil)
		return
	}

	var outcome attemptOutcome
	retries := 0
	for attempt := 0; ; attempt++ {
		outcome = s.post(ctx, hook, body)
		if outcome.err == nil || !outcome.retryable || attempt >= s.cfg.MaxRetries {
			break
		}
		retries++
		delay := backoff.Exponential(s.cfg.BackoffBase, attempt, 0)
		if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
			break
		}
	}

	var deliveredAt *time.Time
	if outcome.err == nil {
		at := s.now().UTC()
		deliveredAt = &at
	}
	s.recordOutcome(ctx, hook, event, payload, outcome, retries, deliveredAt)

	if err := s.webhooks.MarkTriggered(ctx, core.MarkTriggeredParams{
		WebhookID:   hook.ID,
		TriggeredAt: chainStart,
		Retries:     retries,
	}); err != nil && s.logger != nil {
		s.logger.WarnContext(ctx, "mark webhook triggered failed", "webhook_id", hook.ID, "error", err)
	}
}

// post issues one HTTP POST to the webhook and classifies the outcome.
// Network-level failures and 5xx responses are retryable; everything else
// (4xx, unexpected schemes, request build failures) is terminal.
func (s *DeliveryService) post(ctx context.Context, hook *model.Webhook, body []byte) attemptOutcome {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return attemptOutcome{err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		retryable := errors.As(err, &urlErr)
		return attemptOutcome{err: fmt.Errorf("send request: %w", err), retryable: retryable}
	}

	respBody, readErr := readBoundedBody(resp.Body)
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}

	status := resp.StatusCode
	outcome := attemptOutcome{statusCode: &status}
	if len(respBody) > 0 {
		b := string(respBody)
		outcome.body = &b
	}

	switch {
	case status >= 200 && status < 300:
		if readErr != nil && s.logger != nil {
			s.logger.DebugContext(ctx, "response body read failed after success", "error", readErr)
		}
		return outcome
	case status >= 500:
		outcome.err = fmt.Errorf("server error: status %d", status)
		outcome.retryable = true
		return outcome
	default:
		outcome.err = fmt.Errorf("rejected: status %d", status)
		return outcome
	}
}

// renderBody applies the webhook's optional JMESPath template to the payload.
func (s *DeliveryService) renderBody(template *string, payload json.RawMessage) ([]byte, error) {
	expr := ""
	if template != nil {
		expr = strings.TrimSpace(*template)
	}
	if expr == "" {
		return payload, nil
	}

	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("decode payload for template: %w", err)
	}
	res, err := s.jems.Evaluate(expr, data)
	if err != nil {
		return nil, fmt.Errorf("evaluate body template: %w", err)
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal templated body: %w", err)
	}
	return b, nil
}

// recordOutcome persists the delivery record for the attempt chain. Write
// failures are logged: the audit trail never aborts delivery processing.
func (s *DeliveryService) recordOutcome(
	ctx context.Context,
	hook *model.Webhook,
	event model.JobEvent,
	payload json.RawMessage,
	outcome attemptOutcome,
	retries int,
	deliveredAt *time.Time,
) {
	record := &model.DeliveryRecord{
		WebhookID:   hook.ID,
		JobID:       event.JobID(),
		EventType:   event.Type(),
		Payload:     payload,
		StatusCode:  outcome.statusCode,
		RetryCount:  retries,
		DeliveredAt: deliveredAt,
		CreatedAt:   s.now().UTC(),
	}
	if outcome.body != nil {
		record.ResponseBody = outcome.body
	}
	if outcome.err != nil {
		msg := outcome.err.Error()
		record.ErrorMessage = &msg
	}

	if err := s.deliveries.Insert(ctx, record); err != nil && s.logger != nil {
		s.logger.ErrorContext(ctx, "persist delivery record failed",
			"webhook_id", hook.ID,
			"job_id", event.JobID(),
			"error", err,
		)
	}
}

func readBoundedBody(body io.Reader) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	limited := io.LimitReader(body, maxResponseBodyBytes+1)
	data, err := io.ReadAll(limited)
	if len(data) > maxResponseBodyBytes {
		data = data[:maxResponseBodyBytes]
		// Drain the remainder so the connection can be reused.
		if _, drainErr := io.Copy(io.Discard, body); drainErr != nil && err == nil {
			err = drainErr
		}
	}
	return data, err
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
