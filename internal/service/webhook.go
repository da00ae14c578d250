package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jobtrackd/jobtrackd/internal/core"
	"github.com/jobtrackd/jobtrackd/internal/data"
	"github.com/jobtrackd/jobtrackd/internal/domain/model"
)

// WebhookServiceOptions groups dependencies for WebhookService.
type WebhookServiceOptions struct {
	Webhooks  core.WebhookRepository // Required: webhook store
	Evaluator JMESPathEvaluator      // Optional: body template validator
	Logger    *slog.Logger           // Optional: structured logger
}

// WebhookService manages webhook registrations. Validation happens here, at
// registration time, so the delivery path never has to reject a stored hook.
type WebhookService struct {
	webhooks core.WebhookRepository
	jems     JMESPathEvaluator
	logger   *slog.Logger
}

// NewWebhookService constructs a new WebhookService.
func NewWebhookService(opts WebhookServiceOptions) (*WebhookService, error) {
	if opts.Webhooks == nil {
		return nil, errors.New("WebhookRepository is required")
	}

	jems := opts.Evaluator
	if jems == nil {
		jems = jmespathLibEvaluator{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "webhook_service")
	}

	return &WebhookService{
		webhooks: opts.Webhooks,
		jems:     jems,
		logger:   logger,
	}, nil
}

// MustNewWebhookService constructs a new WebhookService and panics on error.
func MustNewWebhookService(opts WebhookServiceOptions) *WebhookService {
	svc, err := NewWebhookService(opts)
	if err != nil {
		panic(err)
	}
	return svc
}

// Register validates and stores a new webhook. New hooks are active by
// default unless the request says otherwise.
func (s *WebhookService) Register(ctx context.Context, req model.CreateWebhookRequest) (*model.Webhook, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.validateTemplate(req.BodyTemplate); err != nil {
		return nil, err
	}

	hook, err := s.webhooks.Insert(ctx, &req)
	if err != nil {
		return nil, fmt.Errorf("register webhook: %w", err)
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "webhook registered",
			"webhook_id", hook.ID,
			"url", hook.URL,
			"events", hook.Events,
		)
	}
	return hook, nil
}

// Get returns the webhook with the given id.
func (s *WebhookService) Get(ctx context.Context, id string) (*model.Webhook, error) {
	return s.webhooks.GetByID(ctx, id)
}

// List returns registered webhooks, active and inactive, newest first. A
// non-positive limit falls back to the store default.
func (s *WebhookService) List(ctx context.Context, limit, offset int) ([]*model.Webhook, error) {
	hooks, err := s.webhooks.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

// Update applies a partial update to an existing webhook. Replaced fields go
// through the same validation as registration.
func (s *WebhookService) Update(ctx context.Context, id string, req model.UpdateWebhookRequest) (*model.Webhook, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.BodyTemplate != nil {
		if err := s.validateTemplate(req.BodyTemplate); err != nil {
			return nil, err
		}
	}

	hook, err := s.webhooks.Update(ctx, id, &req)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "webhook updated", "webhook_id", hook.ID)
	}
	return hook, nil
}

// Unregister removes a webhook. Already-recorded delivery history for the
// hook is kept; only future dispatch stops.
func (s *WebhookService) Unregister(ctx context.Context, id string) error {
	deleted, err := s.webhooks.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("unregister webhook: %w", err)
	}
	if !deleted {
		return data.ErrWebhookNotFound
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "webhook unregistered", "webhook_id", id)
	}
	return nil
}

func (s *WebhookService) validateTemplate(tmpl *string) error {
	if tmpl == nil || *tmpl == "" {
		return nil
	}
	if err := s.jems.Validate(*tmpl); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidBodyTemplate, err)
	}
	return nil
}
