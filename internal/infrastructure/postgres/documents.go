package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cqleditor"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// ErrNotFound is returned when a resource does not exist.
var ErrNotFound = errors.New("resource not found")

// TopicSubmitted receives every submitted MedicationRequest through the outbox.
const TopicSubmitted = "prescribing.medication-requests.submitted"

const searchLimit = 50

// Schema creates the tables used by DocumentStore and Outbox.
const Schema = `
CREATE TABLE IF NOT EXISTS fhir_resources (
	resource_type TEXT        NOT NULL,
	id            TEXT        NOT NULL,
	version       INTEGER     NOT NULL DEFAULT 1,
	body          JSONB       NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (resource_type, id)
);
CREATE INDEX IF NOT EXISTS fhir_resources_name_idx ON fhir_resources (resource_type, (lower(body->>'name')));

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	kafka_topic    TEXT        NOT NULL,
	kafka_key      TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER     NOT NULL DEFAULT 0,
	last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;
`

// Migrate applies Schema followed by extra statements.
func Migrate(ctx context.Context, pool *pgxpool.Pool, extra ...string) error {
	for _, stmt := range append([]string{Schema}, extra...) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// DocumentStore keeps FHIR resources as JSONB documents.
type DocumentStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

var _ cqleditor.Documents = (*DocumentStore)(nil)

// NewDocumentStore creates a document store
func NewDocumentStore(pool *pgxpool.Pool, logger *zap.Logger) *DocumentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("postgres"),
		now:    time.Now,
	}
}

// upsert writes body under (resourceType, id) and returns the new version.
func upsert(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, resourceType, id string, body []byte) (int, error) {
	const query = `
		INSERT INTO fhir_resources (resource_type, id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (resource_type, id) DO UPDATE
		SET body = EXCLUDED.body, version = fhir_resources.version + 1, updated_at = NOW()
		RETURNING version
	`
	var version int
	if err := q.QueryRow(ctx, query, resourceType, id, body).Scan(&version); err != nil {
		return 0, fmt.Errorf("upsert %s/%s: %w", resourceType, id, err)
	}
	return version, nil
}

// stamp assigns an id when missing and sets meta for the version about to be written.
// The version is confirmed by the database; a concurrent writer may bump it first.
func stamp(id *string, meta **r4.Meta, now time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if *meta == nil {
		*meta = &r4.Meta{}
	}
	(*meta).LastUpdated = now.UTC().Format(time.RFC3339)
}

// SaveLibrary creates or updates a Library.
func (s *DocumentStore) SaveLibrary(ctx context.Context, lib *r4.Library) (*r4.Library, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.SaveLibrary")
	defer span.End()

	out := lib.Clone()
	out.ResourceType = "Library"
	stamp(&out.ID, &out.Meta, s.now())
	meta := *out.Meta
	out.Meta = &meta

	body, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode library: %w", err)
	}
	version, err := upsert(ctx, s.pool, "Library", out.ID, body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.Meta.VersionID = strconv.Itoa(version)
	span.SetAttributes(attribute.String("library.id", out.ID), attribute.Int("library.version", version))
	s.logger.Info("library saved", zap.String("id", out.ID), zap.String("name", out.Name), zap.Int("version", version))
	return out, nil
}

// SearchPattern turns a name prefix into an ILIKE pattern.
func SearchPattern(name string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.TrimSpace(name)) + "%"
}

// SearchLibraries returns the libraries whose name starts with name, most recent first.
func (s *DocumentStore) SearchLibraries(ctx context.Context, name string) ([]r4.Library, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.SearchLibraries")
	defer span.End()

	const query = `
		SELECT body, version FROM fhir_resources
		WHERE resource_type = 'Library' AND body->>'name' ILIKE $1
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, SearchPattern(name), searchLimit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search libraries: %w", err)
	}
	defer rows.Close()

	var out []r4.Library
	for rows.Next() {
		var (
			body    []byte
			version int
		)
		if err := rows.Scan(&body, &version); err != nil {
			return nil, fmt.Errorf("scan library: %w", err)
		}
		var lib r4.Library
		if err := json.Unmarshal(body, &lib); err != nil {
			return nil, fmt.Errorf("decode library: %w", err)
		}
		if lib.Meta == nil {
			lib.Meta = &r4.Meta{}
		}
		lib.Meta.VersionID = strconv.Itoa(version)
		out = append(out, lib)
	}
	return out, rows.Err()
}

// SubmitMedicationRequest stores the authored request as active and queues it for
// publication in the same transaction.
func (s *DocumentStore) SubmitMedicationRequest(ctx context.Context, sessionID string, mr *r4.MedicationRequest) (*r4.MedicationRequest, error) {
	ctx, span := s.tracer.Start(ctx, "postgres.SubmitMedicationRequest",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	if mr == nil || len(mr.Contained) == 0 {
		return nil, fmt.Errorf("submit: medication request has no medication")
	}
	out := mr.Clone()
	out.Status = r4.StatusActive
	stamp(&out.ID, &out.Meta, s.now())
	meta := *out.Meta
	out.Meta = &meta

	body, err := out.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode medication request: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	version, err := upsert(ctx, tx, "MedicationRequest", out.ID, body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out.Meta.VersionID = strconv.Itoa(version)

	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   out.ID,
		AggregateType: "MedicationRequest",
		EventType:     "MedicationRequestSubmitted",
		Payload:       body,
		KafkaTopic:    TopicSubmitted,
		KafkaKey:      out.ID,
	}); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("medication request submitted",
		zap.String("session_id", sessionID),
		zap.String("id", out.ID),
		zap.Int("version", version))
	return out, nil
}

// GetMedicationRequest loads a stored request.
func (s *DocumentStore) GetMedicationRequest(ctx context.Context, id string) (*r4.MedicationRequest, error) {
	var (
		body    []byte
		version int
	)
	err := s.pool.QueryRow(ctx,
		`SELECT body, version FROM fhir_resources WHERE resource_type = 'MedicationRequest' AND id = $1`, id,
	).Scan(&body, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("MedicationRequest/%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get medication request: %w", err)
	}
	mr := &r4.MedicationRequest{}
	if err := mr.FromJSON(body); err != nil {
		return nil, fmt.Errorf("decode medication request: %w", err)
	}
	if mr.Meta == nil {
		mr.Meta = &r4.Meta{}
	}
	mr.Meta.VersionID = strconv.Itoa(version)
	return mr, nil
}
