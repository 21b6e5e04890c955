// Package notify delivers approver notifications and lifecycle events.
// Every implementation is best-effort: callers log failures and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/approvals/internal/breaker"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Payload kinds posted to the webhook.
const (
	KindApprovalRequested = "approval_requested"
	KindEvent             = "event"
)

// ErrUnavailable is returned while the webhook breaker is open.
var ErrUnavailable = errors.New("notify: webhook unavailable")

// WebhookPayload is the JSON body posted for every delivery.
type WebhookPayload struct {
	Kind        string               `json:"kind"`
	ApproverIDs []string             `json:"approver_ids,omitempty"`
	Instance    *InstanceSummary     `json:"instance,omitempty"`
	Event       *model.InstanceEvent `json:"event,omitempty"`
}

// InstanceSummary is the subset of an instance sent to approvers.
type InstanceSummary struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	Module      model.Module         `json:"module"`
	ReferenceID string               `json:"reference_id"`
	RequesterID string               `json:"requester_id"`
	Status      model.InstanceStatus `json:"status"`
	CurrentStep int                  `json:"current_step"`
	StepName    string               `json:"step_name,omitempty"`
	Deadline    *time.Time           `json:"step_deadline,omitempty"`
}

// Summarize builds the approver-facing view of inst.
func Summarize(inst model.WorkflowInstance) InstanceSummary {
	s := InstanceSummary{
		ID:          inst.ID,
		WorkflowID:  inst.WorkflowID,
		Module:      inst.Module,
		ReferenceID: inst.ReferenceID,
		RequesterID: inst.RequesterID,
		Status:      inst.Status,
		CurrentStep: inst.CurrentStep,
		Deadline:    inst.StepDeadline,
	}
	if step, ok := inst.CurrentStepDefinition(); ok {
		s.StepName = step.Name
	}
	return s
}

// Webhook posts notifications and events to a single URL. Outbound calls
// are rate limited and guarded by a circuit breaker.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
}

// NewWebhook builds a webhook client from cfg.
func NewWebhook(cfg config.NotifierConfig, metrics *observability.Metrics, logger *zap.Logger) *Webhook {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Webhook{
		url:     cfg.WebhookURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker.New("notifier", cfg.Breaker, metrics, logger),
		metrics: metrics,
	}
}

// Notify implements model.Notifier.
func (w *Webhook) Notify(ctx context.Context, approverIDs []string, inst model.WorkflowInstance) error {
	summary := Summarize(inst)
	err := w.post(ctx, WebhookPayload{Kind: KindApprovalRequested, ApproverIDs: approverIDs, Instance: &summary})
	w.metrics.RecordNotification("webhook", err)
	return err
}

// Publish implements model.EventPublisher.
func (w *Webhook) Publish(ctx context.Context, evt model.InstanceEvent) error {
	err := w.post(ctx, WebhookPayload{Kind: KindEvent, Event: &evt})
	w.metrics.RecordNotification("webhook", err)
	return err
}

func (w *Webhook) post(ctx context.Context, payload WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: rate limit: %w", err)
	}

	ctx, span := observability.StartSpan(ctx, "notify.webhook")
	_, err = w.breaker.Execute(func() (interface{}, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if reqErr != nil {
			return nil, fmt.Errorf("notify: build request: %w", reqErr)
		}
		req.Header.Set("Content-Type", "application/json")
		observability.InjectTraceHeaders(ctx, req.Header)

		resp, doErr := w.client.Do(req)
		if doErr != nil {
			return nil, fmt.Errorf("notify: POST webhook: %w", doErr)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	observability.EndSpanWithError(span, err)
	return err
}
