package audit

import (
	"context"
	"testing"
)

func TestBuilderBuildsInProgressEvent(t *testing.T) {
	event := NewBuilder("performance", "req-123", "scheduler").
		WithVersion("2.0").
		WithInputParameter("portfolio_id", "P1").
		WithInputDataReference("holdings:P1").
		WithMetadata("source", "unit_test").
		Build()

	if event.CalculationType != "performance" {
		t.Errorf("CalculationType = %v, want performance", event.CalculationType)
	}
	if event.RequestID != "req-123" {
		t.Errorf("RequestID = %v, want req-123", event.RequestID)
	}
	if event.CalculationVersion != "2.0" {
		t.Errorf("CalculationVersion = %v, want 2.0", event.CalculationVersion)
	}
	if event.InputParameters["portfolio_id"] != "P1" {
		t.Errorf("InputParameters[portfolio_id] = %v, want P1", event.InputParameters["portfolio_id"])
	}
	if event.Status != StatusInProgress {
		t.Errorf("Status = %v, want %v", event.Status, StatusInProgress)
	}
	if event.EventID == "" {
		t.Error("expected a non-empty EventID")
	}
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStorage())

	event, err := manager.StartCalculation(ctx, "performance", "req-1", "scheduler",
		map[string]interface{}{"portfolio_id": "P1"}, []string{"holdings:P1"})
	if err != nil {
		t.Fatalf("StartCalculation: %v", err)
	}
	if event.Status != StatusInProgress {
		t.Fatalf("Status = %v, want in_progress", event.Status)
	}

	completed, err := manager.CompleteCalculation(ctx, event.EventID, []string{"result:R1"})
	if err != nil {
		t.Fatalf("CompleteCalculation: %v", err)
	}
	if completed.Status != StatusSuccess {
		t.Errorf("Status = %v, want success", completed.Status)
	}
	if len(completed.OutputReferences) != 1 || completed.OutputReferences[0] != "result:R1" {
		t.Errorf("OutputReferences = %v, want [result:R1]", completed.OutputReferences)
	}
}

func TestManagerFailCalculation(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStorage())

	event, err := manager.StartCalculation(ctx, "risk", "req-2", "api", nil, nil)
	if err != nil {
		t.Fatalf("StartCalculation: %v", err)
	}

	failed, err := manager.FailCalculation(ctx, event.EventID, "data provider timeout")
	if err != nil {
		t.Fatalf("FailCalculation: %v", err)
	}
	if failed.Status != StatusFailure {
		t.Errorf("Status = %v, want failure", failed.Status)
	}
	if failed.ErrorMessage != "data provider timeout" {
		t.Errorf("ErrorMessage = %v", failed.ErrorMessage)
	}
}

func TestManagerCompleteUnknownEventReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(NewMemoryStorage())

	if _, err := manager.CompleteCalculation(ctx, "missing", nil); err == nil {
		t.Fatal("expected an error for an unknown event ID")
	}
}

func TestCalculationLineage(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	manager := NewManager(storage)

	parent, err := manager.StartCalculation(ctx, "performance", "req-3", "api", nil, nil)
	if err != nil {
		t.Fatalf("StartCalculation(parent): %v", err)
	}
	child1, err := manager.StartCalculation(ctx, "attribution", "req-3", "api", nil, nil)
	if err != nil {
		t.Fatalf("StartCalculation(child1): %v", err)
	}
	child2, err := manager.StartCalculation(ctx, "risk", "req-3", "api", nil, nil)
	if err != nil {
		t.Fatalf("StartCalculation(child2): %v", err)
	}

	if err := manager.AddChildCalculation(ctx, parent.EventID, child1.EventID); err != nil {
		t.Fatalf("AddChildCalculation(child1): %v", err)
	}
	if err := manager.AddChildCalculation(ctx, parent.EventID, child2.EventID); err != nil {
		t.Fatalf("AddChildCalculation(child2): %v", err)
	}

	lineage, err := manager.GetCalculationLineage(ctx, parent.EventID)
	if err != nil {
		t.Fatalf("GetCalculationLineage: %v", err)
	}

	if len(lineage) != 3 {
		t.Fatalf("lineage length = %d, want 3", len(lineage))
	}

	ids := make(map[string]bool)
	for _, e := range lineage {
		ids[e.EventID] = true
	}
	for _, id := range []string{parent.EventID, child1.EventID, child2.EventID} {
		if !ids[id] {
			t.Errorf("lineage missing event %s", id)
		}
	}
}

func TestGetEventsByRequestIDAndCalculationType(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	manager := NewManager(storage)

	if _, err := manager.StartCalculation(ctx, "performance", "req-x", "api", nil, nil); err != nil {
		t.Fatalf("StartCalculation: %v", err)
	}
	if _, err := manager.StartCalculation(ctx, "risk", "req-x", "api", nil, nil); err != nil {
		t.Fatalf("StartCalculation: %v", err)
	}
	if _, err := manager.StartCalculation(ctx, "performance", "req-y", "api", nil, nil); err != nil {
		t.Fatalf("StartCalculation: %v", err)
	}

	byRequest, err := storage.GetEventsByRequestID(ctx, "req-x")
	if err != nil {
		t.Fatalf("GetEventsByRequestID: %v", err)
	}
	if len(byRequest) != 2 {
		t.Errorf("len(byRequest) = %d, want 2", len(byRequest))
	}

	byType, err := storage.GetEventsByCalculationType(ctx, "performance")
	if err != nil {
		t.Fatalf("GetEventsByCalculationType: %v", err)
	}
	if len(byType) != 2 {
		t.Errorf("len(byType) = %d, want 2", len(byType))
	}
}
