package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/sethdford/perfcalc/pkg/perferrors"
)

// PostgresStorage persists calculation events to PostgreSQL. Schema:
//
//	CREATE TABLE calculation_events (
//	    event_id             TEXT PRIMARY KEY,
//	    request_id           TEXT NOT NULL,
//	    calculation_type     TEXT NOT NULL,
//	    start_time           TIMESTAMPTZ NOT NULL,
//	    end_time             TIMESTAMPTZ NOT NULL,
//	    duration_ms          BIGINT NOT NULL,
//	    initiated_by         TEXT NOT NULL,
//	    calculation_version  TEXT NOT NULL,
//	    input_parameters     JSONB NOT NULL,
//	    input_data_references TEXT[] NOT NULL,
//	    output_references    TEXT[] NOT NULL,
//	    status               TEXT NOT NULL,
//	    error_message        TEXT,
//	    parent_event_id      TEXT,
//	    child_event_ids      TEXT[] NOT NULL,
//	    metadata             JSONB NOT NULL
//	);
//	CREATE INDEX ON calculation_events (request_id);
//	CREATE INDEX ON calculation_events (calculation_type);
//	CREATE INDEX ON calculation_events (parent_event_id);
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage opens a connection pool against dsn.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, perferrors.Transport("audit.postgres.open", err)
	}
	return &PostgresStorage{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

func (s *PostgresStorage) StoreEvent(ctx context.Context, event CalculationEvent) error {
	inputParams, err := json.Marshal(event.InputParameters)
	if err != nil {
		return perferrors.Serialization("audit.encode_input_parameters", err)
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return perferrors.Serialization("audit.encode_metadata", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calculation_events (
			event_id, request_id, calculation_type, start_time, end_time,
			duration_ms, initiated_by, calculation_version, input_parameters,
			input_data_references, output_references, status, error_message,
			parent_event_id, child_event_ids, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (event_id) DO UPDATE SET
			end_time = EXCLUDED.end_time,
			duration_ms = EXCLUDED.duration_ms,
			output_references = EXCLUDED.output_references,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			parent_event_id = EXCLUDED.parent_event_id,
			child_event_ids = EXCLUDED.child_event_ids
	`,
		event.EventID, event.RequestID, event.CalculationType, event.StartTime, event.EndTime,
		event.DurationMillis, event.InitiatedBy, event.CalculationVersion, inputParams,
		pq.Array(event.InputDataReferences), pq.Array(event.OutputReferences), string(event.Status),
		nullString(event.ErrorMessage), nullString(event.ParentEventID), pq.Array(event.ChildEventIDs), metadata,
	)
	if err != nil {
		return perferrors.Transport("audit.postgres.store_event", err)
	}
	return nil
}

func (s *PostgresStorage) GetEvent(ctx context.Context, eventID string) (CalculationEvent, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, request_id, calculation_type, start_time, end_time, duration_ms,
		       initiated_by, calculation_version, input_parameters, input_data_references,
		       output_references, status, error_message, parent_event_id, child_event_ids, metadata
		FROM calculation_events WHERE event_id = $1
	`, eventID)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return CalculationEvent{}, false, nil
	}
	if err != nil {
		return CalculationEvent{}, false, perferrors.Transport("audit.postgres.get_event", err)
	}
	return event, true, nil
}

func (s *PostgresStorage) GetEventsByRequestID(ctx context.Context, requestID string) ([]CalculationEvent, error) {
	return s.queryEvents(ctx, "WHERE request_id = $1", requestID)
}

func (s *PostgresStorage) GetEventsByCalculationType(ctx context.Context, calculationType string) ([]CalculationEvent, error) {
	return s.queryEvents(ctx, "WHERE calculation_type = $1", calculationType)
}

func (s *PostgresStorage) GetChildEvents(ctx context.Context, parentEventID string) ([]CalculationEvent, error) {
	return s.queryEvents(ctx, "WHERE parent_event_id = $1", parentEventID)
}

func (s *PostgresStorage) queryEvents(ctx context.Context, where string, arg string) ([]CalculationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, request_id, calculation_type, start_time, end_time, duration_ms,
		       initiated_by, calculation_version, input_parameters, input_data_references,
		       output_references, status, error_message, parent_event_id, child_event_ids, metadata
		FROM calculation_events `+where+`
		ORDER BY start_time
	`, arg)
	if err != nil {
		return nil, perferrors.Transport("audit.postgres.query", err)
	}
	defer rows.Close()

	var result []CalculationEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, perferrors.Transport("audit.postgres.scan", err)
		}
		result = append(result, event)
	}
	return result, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (CalculationEvent, error) {
	var (
		event           CalculationEvent
		status          string
		errorMessage    sql.NullString
		parentEventID   sql.NullString
		inputParamsJSON []byte
		metadataJSON    []byte
		inputDataRefs   []string
		outputRefs      []string
		childEventIDs   []string
	)

	if err := row.Scan(
		&event.EventID, &event.RequestID, &event.CalculationType, &event.StartTime, &event.EndTime,
		&event.DurationMillis, &event.InitiatedBy, &event.CalculationVersion, &inputParamsJSON,
		pq.Array(&inputDataRefs), pq.Array(&outputRefs), &status, &errorMessage, &parentEventID,
		pq.Array(&childEventIDs), &metadataJSON,
	); err != nil {
		return CalculationEvent{}, err
	}

	event.Status = Status(status)
	if errorMessage.Valid {
		event.ErrorMessage = errorMessage.String
	}
	if parentEventID.Valid {
		event.ParentEventID = parentEventID.String
	}
	event.InputDataReferences = inputDataRefs
	event.OutputReferences = outputRefs
	event.ChildEventIDs = childEventIDs

	event.InputParameters = make(map[string]interface{})
	if len(inputParamsJSON) > 0 {
		if err := json.Unmarshal(inputParamsJSON, &event.InputParameters); err != nil {
			return CalculationEvent{}, err
		}
	}
	event.Metadata = make(map[string]string)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
			return CalculationEvent{}, err
		}
	}

	return event, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
