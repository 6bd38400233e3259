package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sethdford/perfcalc/internal/audit"
	"github.com/sethdford/perfcalc/internal/cache"
	"github.com/sethdford/perfcalc/internal/scheduler"
	"github.com/sethdford/perfcalc/pkg/perferrors"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	auditManager := audit.NewManager(audit.NewMemoryStorage())
	return New(DefaultConfig(), c, auditManager, nil, nil)
}

func testSchedule() scheduler.Schedule {
	return scheduler.Schedule{ID: "sched-1", Name: "daily performance"}
}

func testResult() scheduler.Result {
	return scheduler.Result{
		ScheduleID: "sched-1",
		RunID:      "run-1",
		RunTime:    time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC),
		Status:     scheduler.StatusCompleted,
	}
}

type countingApiClient struct {
	calls int
}

func (c *countingApiClient) SendRequest(_ context.Context, req ApiRequest) (ApiResponse, error) {
	c.calls++
	return ApiResponse{StatusCode: 200, Body: map[string]interface{}{"endpoint": req.EndpointID}}, nil
}

func TestSendNotificationWebhookIsIdempotentAcrossSameRequestID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	channel := scheduler.NotificationChannel{Kind: scheduler.ChannelWebhook, URL: "https://example.test/hook", Method: "POST"}
	schedule := testSchedule()
	result := testResult()

	if err := e.SendNotification(ctx, channel, schedule, result); err != nil {
		t.Fatalf("first SendNotification: %v", err)
	}
	encoded, err := json.Marshal(WebhookNotification{Schedule: schedule, Result: result})
	if err != nil {
		t.Fatalf("marshal webhook payload: %v", err)
	}
	key := idempotencyKey("webhook", channel.URL, string(encoded), result.RunID)
	if marker, ok, err := e.cache.GetString(ctx, key); err != nil || !ok || marker != "sent" {
		t.Fatalf("idempotency marker = %q (found=%v, err=%v), want \"sent\" so a repeat is a cache hit", marker, ok, err)
	}
	if err := e.SendNotification(ctx, channel, schedule, result); err != nil {
		t.Fatalf("second (idempotent) SendNotification: %v", err)
	}
}

func TestSendNotificationRejectsUnknownChannelKind(t *testing.T) {
	e := newTestEngine(t)
	channel := scheduler.NotificationChannel{Kind: "carrier_pigeon"}
	if err := e.SendNotification(context.Background(), channel, testSchedule(), testResult()); err == nil {
		t.Fatal("expected an error for an unknown notification channel kind")
	}
}

func TestSendNotificationDisabledReturnsBusinessRuleError(t *testing.T) {
	c := cache.New(cache.NewMemoryBackend(), time.Hour)
	auditManager := audit.NewManager(audit.NewMemoryStorage())
	cfg := DefaultConfig()
	cfg.NotificationsEnabled = false
	e := New(cfg, c, auditManager, nil, nil)

	channel := scheduler.NotificationChannel{Kind: scheduler.ChannelWebhook, URL: "https://example.test/hook"}
	err := e.SendNotification(context.Background(), channel, testSchedule(), testResult())
	if err == nil {
		t.Fatal("expected an error when notifications are disabled")
	}
	if !perferrors.Is(err, perferrors.CodeBusinessRule) {
		t.Errorf("error code = %v, want %v", perferrors.CodeOf(err), perferrors.CodeBusinessRule)
	}
}

func TestSendAPIRequestCachesSuccessfulResponse(t *testing.T) {
	e := newTestEngine(t)
	client := &countingApiClient{}
	e.apiClient = client

	req := ApiRequest{EndpointID: "ep1", Method: "GET", Path: "/status"}

	resp1, err := e.SendAPIRequest(context.Background(), req, "req-1")
	if err != nil {
		t.Fatalf("first SendAPIRequest: %v", err)
	}
	resp2, err := e.SendAPIRequest(context.Background(), req, "req-1")
	if err != nil {
		t.Fatalf("second SendAPIRequest: %v", err)
	}
	if resp1.StatusCode != resp2.StatusCode {
		t.Fatalf("expected matching cached response, got %+v vs %+v", resp1, resp2)
	}
	if client.calls != 1 {
		t.Fatalf("client.calls = %d, want 1 (second call should have been served from cache)", client.calls)
	}
}

func TestSendAPIRequestDifferentRequestIDsBypassCache(t *testing.T) {
	e := newTestEngine(t)
	client := &countingApiClient{}
	e.apiClient = client

	req := ApiRequest{EndpointID: "ep1", Method: "GET", Path: "/status"}
	if _, err := e.SendAPIRequest(context.Background(), req, "req-1"); err != nil {
		t.Fatalf("SendAPIRequest req-1: %v", err)
	}
	if _, err := e.SendAPIRequest(context.Background(), req, "req-2"); err != nil {
		t.Fatalf("SendAPIRequest req-2: %v", err)
	}
	if client.calls != 2 {
		t.Fatalf("client.calls = %d, want 2 (different request IDs must not share a cache entry)", client.calls)
	}
}

func TestImportDataRejectsUnsupportedFormat(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.ImportData(context.Background(), DataImportRequest{ImportType: "transactions", Format: "XML", Data: []byte("x")})
	if err == nil {
		t.Fatal("expected an error for an unsupported format")
	}
}

func TestImportDataRejectsOversizedFile(t *testing.T) {
	e := newTestEngine(t)
	cfg := e.config
	cfg.MaxFileSizeBytes = 4
	e.config = cfg

	_, err := e.ImportData(context.Background(), DataImportRequest{ImportType: "transactions", Format: "CSV", Data: []byte("too big")})
	if err == nil {
		t.Fatal("expected an error for a file exceeding the configured size cap")
	}
}

func TestImportDataSucceedsAndRecordsHistory(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.ImportData(context.Background(), DataImportRequest{ImportType: "transactions", Format: "CSV", Data: []byte("a,b,c")})
	if err != nil {
		t.Fatalf("ImportData: %v", err)
	}
	if result.ImportID == "" {
		t.Fatal("expected a non-empty import id")
	}

	history, err := e.GetImportHistory()
	if err != nil {
		t.Fatalf("GetImportHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("len(history) = %d, want 1", len(history))
	}

	details, err := e.GetImportDetails(result.ImportID)
	if err != nil {
		t.Fatalf("GetImportDetails: %v", err)
	}
	if details.ImportID != result.ImportID {
		t.Errorf("details.ImportID = %q, want %q", details.ImportID, result.ImportID)
	}
}

func TestGetImportDetailsUnknownIDFails(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.GetImportDetails("does-not-exist"); err == nil {
		t.Fatal("expected an error looking up an unknown import id")
	}
}

func TestExpandTemplateSubstitutesPlaceholders(t *testing.T) {
	schedule := testSchedule()
	result := testResult()
	rendered := expandTemplate("Schedule {{schedule.name}} ({{schedule.id}}) finished as {{result.status}}", schedule, result)
	want := "Schedule daily performance (sched-1) finished as completed"
	if rendered != want {
		t.Errorf("rendered = %q, want %q", rendered, want)
	}
}
