// Package audit implements the engine's Audit Trail component (C2): every
// calculation the engine performs is recorded as a CalculationEvent,
// tracked from start through completion or failure, and linkable into a
// parent/child lineage for calculations that spawn sub-calculations.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sethdford/perfcalc/pkg/perferrors"
)

// Status is the lifecycle state of a calculation event.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailure    Status = "failure"
	StatusCancelled  Status = "cancelled"
)

// CalculationEvent is a single recorded calculation, from start to
// completion, with enough context to reconstruct what ran, with what
// inputs, and what it produced.
type CalculationEvent struct {
	EventID             string
	RequestID           string
	CalculationType     string
	StartTime           time.Time
	EndTime             time.Time
	DurationMillis      int64
	InitiatedBy         string
	CalculationVersion  string
	InputParameters     map[string]interface{}
	InputDataReferences []string
	OutputReferences    []string
	Status              Status
	ErrorMessage        string
	ParentEventID       string
	ChildEventIDs       []string
	Metadata            map[string]string
}

// Builder constructs a CalculationEvent field by field.
type Builder struct {
	event CalculationEvent
}

// NewBuilder starts a Builder for a calculation of the given type,
// request, and initiator. The new event begins in StatusInProgress with
// both start and end time set to now.
func NewBuilder(calculationType, requestID, initiatedBy string) *Builder {
	now := time.Now().UTC()
	return &Builder{
		event: CalculationEvent{
			EventID:            uuid.NewString(),
			RequestID:          requestID,
			CalculationType:    calculationType,
			StartTime:          now,
			EndTime:            now,
			InitiatedBy:        initiatedBy,
			CalculationVersion: "1.0",
			InputParameters:    make(map[string]interface{}),
			Metadata:           make(map[string]string),
			Status:             StatusInProgress,
		},
	}
}

func (b *Builder) WithVersion(version string) *Builder {
	b.event.CalculationVersion = version
	return b
}

func (b *Builder) WithInputParameter(key string, value interface{}) *Builder {
	b.event.InputParameters[key] = value
	return b
}

func (b *Builder) WithInputParameters(params map[string]interface{}) *Builder {
	for k, v := range params {
		b.event.InputParameters[k] = v
	}
	return b
}

func (b *Builder) WithInputDataReference(ref string) *Builder {
	b.event.InputDataReferences = append(b.event.InputDataReferences, ref)
	return b
}

func (b *Builder) WithInputDataReferences(refs []string) *Builder {
	b.event.InputDataReferences = append(b.event.InputDataReferences, refs...)
	return b
}

func (b *Builder) WithParentEventID(parentID string) *Builder {
	b.event.ParentEventID = parentID
	return b
}

func (b *Builder) WithMetadata(key, value string) *Builder {
	b.event.Metadata[key] = value
	return b
}

// Build returns the constructed event.
func (b *Builder) Build() CalculationEvent {
	return b.event
}

// Storage is the persistence contract for calculation events.
type Storage interface {
	StoreEvent(ctx context.Context, event CalculationEvent) error
	GetEvent(ctx context.Context, eventID string) (CalculationEvent, bool, error)
	GetEventsByRequestID(ctx context.Context, requestID string) ([]CalculationEvent, error)
	GetEventsByCalculationType(ctx context.Context, calculationType string) ([]CalculationEvent, error)
	GetChildEvents(ctx context.Context, parentEventID string) ([]CalculationEvent, error)
}

// Manager coordinates the calculation lifecycle against a Storage backend.
type Manager struct {
	storage Storage
}

// NewManager wraps storage in a Manager.
func NewManager(storage Storage) *Manager {
	return &Manager{storage: storage}
}

// StartCalculation records a new in-progress calculation event.
func (m *Manager) StartCalculation(
	ctx context.Context,
	calculationType, requestID, initiatedBy string,
	inputParameters map[string]interface{},
	inputDataReferences []string,
) (CalculationEvent, error) {
	event := NewBuilder(calculationType, requestID, initiatedBy).
		WithInputParameters(inputParameters).
		WithInputDataReferences(inputDataReferences).
		Build()

	if err := m.storage.StoreEvent(ctx, event); err != nil {
		return CalculationEvent{}, err
	}
	return event, nil
}

// CompleteCalculation marks event as successful and records its outputs.
func (m *Manager) CompleteCalculation(ctx context.Context, eventID string, outputReferences []string) (CalculationEvent, error) {
	event, ok, err := m.storage.GetEvent(ctx, eventID)
	if err != nil {
		return CalculationEvent{}, err
	}
	if !ok {
		return CalculationEvent{}, perferrors.NotFound("calculation_event", eventID)
	}

	event.EndTime = time.Now().UTC()
	event.DurationMillis = event.EndTime.Sub(event.StartTime).Milliseconds()
	event.Status = StatusSuccess
	event.OutputReferences = outputReferences

	if err := m.storage.StoreEvent(ctx, event); err != nil {
		return CalculationEvent{}, err
	}
	return event, nil
}

// FailCalculation marks event as failed with the given error message.
func (m *Manager) FailCalculation(ctx context.Context, eventID, errorMessage string) (CalculationEvent, error) {
	event, ok, err := m.storage.GetEvent(ctx, eventID)
	if err != nil {
		return CalculationEvent{}, err
	}
	if !ok {
		return CalculationEvent{}, perferrors.NotFound("calculation_event", eventID)
	}

	event.EndTime = time.Now().UTC()
	event.DurationMillis = event.EndTime.Sub(event.StartTime).Milliseconds()
	event.Status = StatusFailure
	event.ErrorMessage = errorMessage

	if err := m.storage.StoreEvent(ctx, event); err != nil {
		return CalculationEvent{}, err
	}
	return event, nil
}

// AddChildCalculation links childEventID as a child of parentEventID,
// updating both records.
func (m *Manager) AddChildCalculation(ctx context.Context, parentEventID, childEventID string) error {
	parent, ok, err := m.storage.GetEvent(ctx, parentEventID)
	if err != nil {
		return err
	}
	if !ok {
		return perferrors.NotFound("calculation_event", parentEventID)
	}

	child, ok, err := m.storage.GetEvent(ctx, childEventID)
	if err != nil {
		return err
	}
	if !ok {
		return perferrors.NotFound("calculation_event", childEventID)
	}

	if !containsString(parent.ChildEventIDs, childEventID) {
		parent.ChildEventIDs = append(parent.ChildEventIDs, childEventID)
		if err := m.storage.StoreEvent(ctx, parent); err != nil {
			return err
		}
	}

	child.ParentEventID = parentEventID
	return m.storage.StoreEvent(ctx, child)
}

// GetCalculationLineage returns eventID and every descendant reachable
// through ChildEventIDs, in traversal order.
func (m *Manager) GetCalculationLineage(ctx context.Context, eventID string) ([]CalculationEvent, error) {
	var lineage []CalculationEvent
	toProcess := []string{eventID}

	for len(toProcess) > 0 {
		currentID := toProcess[len(toProcess)-1]
		toProcess = toProcess[:len(toProcess)-1]

		event, ok, err := m.storage.GetEvent(ctx, currentID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		lineage = append(lineage, event)
		toProcess = append(toProcess, event.ChildEventIDs...)
	}

	return lineage, nil
}

func containsString(s []string, v string) bool {
	for _, item := range s {
		if item == v {
			return true
		}
	}
	return false
}
