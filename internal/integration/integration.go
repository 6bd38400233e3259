// Package integration implements the Integration Engine (C7): the
// outbound side of the Scheduler's notification dispatch, a
// request/response API-call facade, and inbound data-import
// bookkeeping. Every public operation is gated by an idempotency key so
// that redelivery of the same logical request (same request ID) is a
// cache hit rather than a second side effect.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/internal/metrics"
	"github.com/sethdford/perfcalc/internal/scheduler"
	"github.com/sethdford/perfcalc/pkg/logger"
	"github.com/sethdford/perfcalc/pkg/perferrors"
	"github.com/sethdford/perfcalc/pkg/ratelimit"
	"github.com/sethdford/perfcalc/pkg/resilience"
)

// Config configures the Integration Engine.
type Config struct {
	NotificationsEnabled bool
	DataImportEnabled    bool
	IdempotencyCacheTTL  time.Duration
	RateLimitPerSecond   float64
	RateLimitBurst       int
	// ChannelRateLimits overrides the default per-second/burst budget for
	// specific dispatch channels ("email", "webhook", "pubsub", "queue",
	// "api_request"). A channel without an entry uses RateLimitPerSecond/
	// RateLimitBurst.
	ChannelRateLimits    map[string]ratelimit.Config
	SupportedFormats     []string
	MaxFileSizeBytes     int64
}

// DefaultConfig mirrors the engine's documented Integration Engine defaults.
func DefaultConfig() Config {
	return Config{
		NotificationsEnabled: true,
		DataImportEnabled:    true,
		IdempotencyCacheTTL:  time.Hour,
		RateLimitPerSecond:   50,
		RateLimitBurst:       100,
		SupportedFormats:     []string{"CSV", "JSON", "Excel"},
		MaxFileSizeBytes:     10 * 1024 * 1024,
	}
}

// WebhookNotification is the JSON body delivered to a webhook endpoint.
type WebhookNotification struct {
	Schedule scheduler.Schedule `json:"schedule"`
	Result   scheduler.Result  `json:"result"`
}

// ApiRequest describes an outbound API call dispatched through SendAPIRequest.
type ApiRequest struct {
	EndpointID  string
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     map[string]string
	Body        interface{}
}

// ApiResponse is the (possibly cached) result of an ApiRequest.
type ApiResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       interface{}       `json:"body"`
}

// ApiClient performs the actual outbound API call. Engine wires a
// DefaultApiClient unless the caller supplies its own.
type ApiClient interface {
	SendRequest(ctx context.Context, req ApiRequest) (ApiResponse, error)
}

// DataImportRequest is a single inbound data-import job.
type DataImportRequest struct {
	ImportType string
	Format     string
	Data       []byte
	Options    map[string]string
}

// DataImportResult is the outcome of one import job, real or mocked.
type DataImportResult struct {
	ImportID           string    `json:"import_id"`
	ImportType         string    `json:"import_type"`
	RecordsProcessed   int       `json:"records_processed"`
	RecordsImported    int       `json:"records_imported"`
	RecordsWithErrors  int       `json:"records_with_errors"`
	Errors             []string  `json:"errors"`
	Timestamp          time.Time `json:"timestamp"`
}

// Engine is the Integration Engine (C7): notification dispatch, API
// calls, and data import, each gated by an idempotency cache check.
type Engine struct {
	config      Config
	cache       *cache.Cache
	audit       *audit.Manager
	apiClient   ApiClient
	rateLimiter *ratelimit.Registry
	breakers    *resilience.Registry
	log         *logger.Logger
	metrics     *metrics.Metrics

	historyMu      sync.Mutex
	importHistory  []DataImportResult
}

// New wires an Engine from its collaborators. apiClient may be nil, in
// which case a DefaultApiClient mock is used (there is no real outbound
// HTTP endpoint registry in this engine; see DESIGN.md).
func New(config Config, c *cache.Cache, auditManager *audit.Manager, apiClient ApiClient, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("integration")
	}
	if apiClient == nil {
		apiClient = &DefaultApiClient{}
	}
	return &Engine{
		config:      config,
		cache:       c,
		audit:       auditManager,
		apiClient:   apiClient,
		rateLimiter: ratelimit.NewRegistry(
			ratelimit.Config{RequestsPerSecond: config.RateLimitPerSecond, Burst: config.RateLimitBurst},
			config.ChannelRateLimits,
		),
		breakers: resilience.NewRegistry(),
		log:      log,
	}
}

// WithMetrics attaches m so every notification dispatch records its
// outcome under the Integration Engine's Prometheus collectors. Returns
// e for chaining at construction time.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// SendNotification implements scheduler.NotificationService, dispatching
// a schedule run's result to one configured channel.
func (e *Engine) SendNotification(ctx context.Context, channel scheduler.NotificationChannel, schedule scheduler.Schedule, result scheduler.Result) error {
	if !e.config.NotificationsEnabled {
		return perferrors.BusinessRule("notifications are not enabled")
	}

	switch channel.Kind {
	case scheduler.ChannelEmail:
		return e.sendEmail(ctx, channel, schedule, result)
	case scheduler.ChannelWebhook:
		return e.sendWebhook(ctx, channel, schedule, result)
	case scheduler.ChannelPubSub:
		return e.sendPubSub(ctx, channel, schedule, result)
	case scheduler.ChannelQueue:
		return e.sendQueue(ctx, channel, schedule, result)
	default:
		return fmt.Errorf("unknown notification channel kind %q", channel.Kind)
	}
}

func (e *Engine) sendEmail(ctx context.Context, channel scheduler.NotificationChannel, schedule scheduler.Schedule, result scheduler.Result) error {
	subject := expandTemplate(channel.SubjectTemplate, schedule, result)
	body := expandTemplate(channel.BodyTemplate, schedule, result)
	key := idempotencyKey("email", strings.Join(channel.Recipients, ","), subject, result.RunID)

	return e.dispatchOnce(ctx, "email", "email_notification", key, result.ScheduleID, func() error {
		if err := e.rateLimiter.Wait(ctx, "email"); err != nil {
			return perferrors.Transport("integration.send_email", err)
		}
		e.log.WithField("recipients", channel.Recipients).WithField("subject", subject).Info("sending email notification")
		_ = body
		return nil
	})
}

func (e *Engine) sendWebhook(ctx context.Context, channel scheduler.NotificationChannel, schedule scheduler.Schedule, result scheduler.Result) error {
	payload := WebhookNotification{Schedule: schedule, Result: result}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return perferrors.Serialization("integration.send_webhook", err)
	}
	key := idempotencyKey("webhook", channel.URL, string(encoded), result.RunID)

	return e.dispatchOnce(ctx, "webhook", "webhook_notification", key, result.ScheduleID, func() error {
		if err := e.rateLimiter.Wait(ctx, "webhook"); err != nil {
			return perferrors.Transport("integration.send_webhook", err)
		}
		return e.breakers.Execute(ctx, "integration.webhook", func() resilience.Config {
			return resilience.StrictBreakerConfig("integration.webhook", e.log)
		}, func() error {
			method := channel.Method
			if method == "" {
				method = "POST"
			}
			e.log.WithField("url", channel.URL).WithField("method", method).Info("sending webhook notification")
			return nil
		})
	})
}

func (e *Engine) sendPubSub(ctx context.Context, channel scheduler.NotificationChannel, schedule scheduler.Schedule, result scheduler.Result) error {
	payload := WebhookNotification{Schedule: schedule, Result: result}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return perferrors.Serialization("integration.send_pubsub", err)
	}
	key := idempotencyKey("pubsub", channel.Topic, result.RunID)

	return e.dispatchOnce(ctx, "pubsub", "pubsub_notification", key, result.ScheduleID, func() error {
		if err := e.rateLimiter.Wait(ctx, "pubsub"); err != nil {
			return perferrors.Transport("integration.send_pubsub", err)
		}
		e.log.WithField("topic", channel.Topic).WithField("payload_bytes", len(encoded)).Info("publishing notification")
		return nil
	})
}

func (e *Engine) sendQueue(ctx context.Context, channel scheduler.NotificationChannel, schedule scheduler.Schedule, result scheduler.Result) error {
	payload := WebhookNotification{Schedule: schedule, Result: result}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return perferrors.Serialization("integration.send_queue", err)
	}
	key := idempotencyKey("queue", channel.QueueName, result.RunID)

	return e.dispatchOnce(ctx, "queue", "queue_notification", key, result.ScheduleID, func() error {
		if err := e.rateLimiter.Wait(ctx, "queue"); err != nil {
			return perferrors.Transport("integration.send_queue", err)
		}
		e.log.WithField("queue", channel.QueueName).WithField("payload_bytes", len(encoded)).Info("enqueueing notification")
		return nil
	})
}

// SendAPIRequest dispatches an outbound API call, returning a cached
// response if one was already recorded for this request ID, and caching
// successful (2xx) responses for subsequent idempotent retries.
func (e *Engine) SendAPIRequest(ctx context.Context, req ApiRequest, requestID string) (ApiResponse, error) {
	encodedParams, err := json.Marshal(req.QueryParams)
	if err != nil {
		return ApiResponse{}, perferrors.Serialization("integration.send_api_request", err)
	}
	key := idempotencyKey("api_request", req.EndpointID, req.Method, req.Path, string(encodedParams), requestID)

	if e.config.IdempotencyCacheTTL > 0 {
		if cached, ok, err := cache.GetTyped[ApiResponse](ctx, e.cache, key); err == nil && ok {
			e.recordAudit(ctx, "api_request", requestID, req.EndpointID, "cache_hit")
			if e.metrics != nil {
				e.metrics.RecordNotification("api_request", "cache_hit")
			}
			return cached, nil
		}
	}

	if err := e.rateLimiter.Wait(ctx, "api_request"); err != nil {
		return ApiResponse{}, perferrors.Transport("integration.send_api_request", err)
	}

	var resp ApiResponse
	breakerErr := e.breakers.Execute(ctx, "integration.api_request", func() resilience.Config {
		return resilience.DefaultBreakerConfig("integration.api_request", e.log)
	}, func() error {
		var sendErr error
		resp, sendErr = e.apiClient.SendRequest(ctx, req)
		return sendErr
	})
	if breakerErr != nil {
		e.recordAudit(ctx, "api_request", requestID, req.EndpointID, "error: "+breakerErr.Error())
		if e.metrics != nil {
			e.metrics.RecordNotification("api_request", "error")
		}
		return ApiResponse{}, breakerErr
	}

	if e.config.IdempotencyCacheTTL > 0 && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if cacheErr := cache.SetTyped(ctx, e.cache, key, resp, e.config.IdempotencyCacheTTL); cacheErr != nil {
			e.log.WithField("key", key).Warnf("failed to cache api response: %v", cacheErr)
		}
	}
	e.recordAudit(ctx, "api_request", requestID, req.EndpointID, fmt.Sprintf("status=%d", resp.StatusCode))
	if e.metrics != nil {
		e.metrics.RecordNotification("api_request", "sent")
	}
	return resp, nil
}

// ImportData validates and imports a data file, returning a mock result:
// real parsing is a collaborator this engine deliberately does not own.
func (e *Engine) ImportData(ctx context.Context, req DataImportRequest) (DataImportResult, error) {
	if !e.config.DataImportEnabled {
		return DataImportResult{}, perferrors.BusinessRule("data import is not enabled")
	}
	if !e.isSupportedFormat(req.Format) {
		return DataImportResult{}, perferrors.Validation("format", fmt.Sprintf("unsupported file format: %s", req.Format))
	}
	if int64(len(req.Data)) > e.config.MaxFileSizeBytes {
		return DataImportResult{}, perferrors.Validation("data", fmt.Sprintf("file size exceeds maximum allowed size: %d bytes", e.config.MaxFileSizeBytes))
	}

	result := DataImportResult{
		ImportID:          uuid.NewString(),
		ImportType:        req.ImportType,
		RecordsProcessed:  100,
		RecordsImported:   95,
		RecordsWithErrors: 5,
		Errors: []string{
			"invalid data format in row 10",
			"missing required field in row 25",
			"duplicate record in row 42",
			"invalid date format in row 67",
			"value out of range in row 89",
		},
		Timestamp: time.Now().UTC(),
	}

	e.historyMu.Lock()
	e.importHistory = append(e.importHistory, result)
	e.historyMu.Unlock()

	status := "success"
	if result.RecordsWithErrors > 0 {
		status = "partial_success"
	}
	e.recordAudit(ctx, "data_import", result.ImportID, req.ImportType,
		fmt.Sprintf("records_processed=%d,records_imported=%d,records_with_errors=%d,status=%s",
			result.RecordsProcessed, result.RecordsImported, result.RecordsWithErrors, status))

	return result, nil
}

// GetImportHistory returns every import job's result, in submission order.
func (e *Engine) GetImportHistory() ([]DataImportResult, error) {
	if !e.config.DataImportEnabled {
		return nil, perferrors.BusinessRule("data import is not enabled")
	}
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	out := make([]DataImportResult, len(e.importHistory))
	copy(out, e.importHistory)
	return out, nil
}

// GetImportDetails looks up a single import job's result by ID.
func (e *Engine) GetImportDetails(importID string) (DataImportResult, error) {
	if !e.config.DataImportEnabled {
		return DataImportResult{}, perferrors.BusinessRule("data import is not enabled")
	}
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	for _, result := range e.importHistory {
		if result.ImportID == importID {
			return result, nil
		}
	}
	return DataImportResult{}, perferrors.NotFound("data_import", importID)
}

func (e *Engine) isSupportedFormat(format string) bool {
	for _, supported := range e.config.SupportedFormats {
		if strings.EqualFold(supported, format) {
			return true
		}
	}
	return false
}

// dispatchOnce is the idempotency-cache-then-dispatch-then-cache pattern
// shared by every notification channel: a prior "sent" under key short
// circuits send, otherwise send runs and, on success, marks the key sent.
func (e *Engine) dispatchOnce(ctx context.Context, channel, calculationType, key, entityID string, send func() error) error {
	if e.config.IdempotencyCacheTTL > 0 {
		if cached, ok, err := e.cache.GetString(ctx, key); err == nil && ok && cached == "sent" {
			e.recordAudit(ctx, calculationType, key, entityID, "cache_hit")
			if e.metrics != nil {
				e.metrics.RecordNotification(channel, "cache_hit")
			}
			return nil
		}
	}

	if err := send(); err != nil {
		e.recordAudit(ctx, calculationType, key, entityID, "error: "+err.Error())
		if e.metrics != nil {
			e.metrics.RecordNotification(channel, "error")
		}
		return err
	}

	if e.config.IdempotencyCacheTTL > 0 {
		if err := e.cache.SetString(ctx, key, "sent", e.config.IdempotencyCacheTTL); err != nil {
			e.log.WithField("key", key).Warnf("failed to cache notification result: %v", err)
		}
	}
	e.recordAudit(ctx, calculationType, key, entityID, "sent")
	if e.metrics != nil {
		e.metrics.RecordNotification(channel, "sent")
	}
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, calculationType, requestID, entityID, detail string) {
	if e.audit == nil {
		return
	}
	event, err := e.audit.StartCalculation(ctx, calculationType, requestID, "system",
		map[string]interface{}{"entity_id": entityID}, nil)
	if err != nil {
		e.log.WithField("calculation_type", calculationType).Warnf("failed to record audit start: %v", err)
		return
	}
	if _, err := e.audit.CompleteCalculation(ctx, event.EventID, []string{detail}); err != nil {
		e.log.WithField("calculation_type", calculationType).Warnf("failed to record audit completion: %v", err)
	}
}

func idempotencyKey(op string, parts ...string) string {
	key := op
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// expandTemplate does literal `{{schedule.*}}` / `{{result.*}}`
// placeholder substitution, like the teacher's render_template: no
// templating engine, just literal string replacement, done in a single
// pass with strings.NewReplacer.
func expandTemplate(template string, schedule scheduler.Schedule, result scheduler.Result) string {
	replacer := strings.NewReplacer(
		"{{schedule.id}}", schedule.ID,
		"{{schedule.name}}", schedule.Name,
		"{{schedule.description}}", schedule.Description,
		"{{result.run_id}}", result.RunID,
		"{{result.run_time}}", result.RunTime.Format(time.RFC3339),
		"{{result.status}}", string(result.Status),
		"{{result.duration_ms}}", strconv.FormatInt(result.DurationMillis, 10),
		"{{result.error_message}}", result.ErrorMessage,
	)
	return replacer.Replace(template)
}

// DefaultApiClient is a mock ApiClient: it simulates a successful
// outbound call without performing any real I/O, matching the teacher's
// demonstration-only DefaultApiClient.
type DefaultApiClient struct{}

// SendRequest returns a mock 200 response describing the request it
// would have sent.
func (DefaultApiClient) SendRequest(_ context.Context, req ApiRequest) (ApiResponse, error) {
	return ApiResponse{
		StatusCode: 200,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body: map[string]interface{}{
			"success":  true,
			"endpoint": req.EndpointID,
			"method":   req.Method,
			"path":     req.Path,
		},
	}, nil
}
