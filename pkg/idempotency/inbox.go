// Package idempotency makes a handler run at most once per idempotency key,
// replaying the stored result to later callers with the same key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Schema creates the inbox table.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	payload         JSONB,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ
);
`

var (
	// ErrDuplicate is returned when another caller finished or claimed the key concurrently.
	ErrDuplicate = errors.New("duplicate request: already processed")
	// ErrInProgress is returned while another caller holds the key.
	ErrInProgress = errors.New("request in progress")
	// ErrPreviouslyFailed is returned for keys whose handler failed permanently.
	ErrPreviouslyFailed = errors.New("request previously failed")
)

// Entry is one inbox row.
type Entry struct {
	Key         string
	HandlerName string
	Status      Status
	Result      json.RawMessage
	UpdatedAt   time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// RecoveryTimeout after which a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultInboxConfig returns the defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             24 * time.Hour,
		RecoveryTimeout: 2 * time.Minute,
	}
}

// Inbox stores idempotency keys in PostgreSQL.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewInbox creates an inbox
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
	}
}

// Result of Process.
type Result struct {
	// Replayed is true when Result comes from an earlier call.
	Replayed bool
	Result   json.RawMessage
}

// ProcessFunc is the handler guarded by Process.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Decision is what Process does with an existing entry.
type Decision int

const (
	DecisionRun Decision = iota
	DecisionReplay
	DecisionBusy
	DecisionFailed
)

// Decide maps an existing entry (nil when the key is new) to a Decision.
func Decide(entry *Entry, now time.Time, recoveryTimeout time.Duration) Decision {
	if entry == nil {
		return DecisionRun
	}
	switch entry.Status {
	case StatusFinished:
		return DecisionReplay
	case StatusFailed:
		return DecisionFailed
	case StatusStarted:
		if now.Sub(entry.UpdatedAt) > recoveryTimeout {
			return DecisionRun
		}
		return DecisionBusy
	default:
		return DecisionRun
	}
}

// Process runs fn unless key was already processed by handlerName.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.Process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	entry, err := i.getEntry(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	switch Decide(entry, i.now(), i.config.RecoveryTimeout) {
	case DecisionReplay:
		span.SetAttributes(attribute.Bool("replayed", true))
		return &Result{Replayed: true, Result: entry.Result}, nil
	case DecisionFailed:
		return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
	case DecisionBusy:
		return nil, ErrInProgress
	}
	if entry != nil && entry.Status == StatusStarted {
		i.logger.Warn("recovering abandoned request", zap.String("idempotency_key", key))
		if err := i.markStatus(ctx, key, StatusRecoverable, nil); err != nil {
			return nil, fmt.Errorf("mark recoverable: %w", err)
		}
	}

	if err := i.start(ctx, key, handlerName, payload); err != nil {
		return nil, err
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		errResult, _ := json.Marshal(map[string]string{"error": handlerErr.Error()})
		if err := i.markStatus(ctx, key, status, errResult); err != nil {
			i.logger.Error("failed to record handler error", zap.String("idempotency_key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.markStatus(ctx, key, StatusFinished, result); err != nil {
		// The handler succeeded; a retry with this key would run it again.
		i.logger.Error("failed to mark finished", zap.String("idempotency_key", key), zap.Error(err))
	}
	return &Result{Result: result}, nil
}

// SubmissionKey derives a key from the parts identifying one submission when
// the client sends none. The time is truncated to the minute.
func SubmissionKey(practitioner, patient string, body []byte, at time.Time) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{practitioner, patient, at.UTC().Truncate(time.Minute).Format(time.RFC3339)}, "|")))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func (i *Inbox) getEntry(ctx context.Context, key string) (*Entry, error) {
	const query = `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM inbox
		WHERE idempotency_key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`
	entry := &Entry{}
	err := i.pool.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.HandlerName, &entry.Status, &entry.Result, &entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// start claims key. An expired row is replaced; a row claimed concurrently is not.
func (i *Inbox) start(ctx context.Context, key, handlerName string, payload json.RawMessage) error {
	const query = `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, payload = $4, expires_at = $5, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE' OR inbox.expires_at < NOW()
		RETURNING idempotency_key
	`
	var returned string
	err := i.pool.QueryRow(ctx, query, key, handlerName, StatusStarted, payload, i.now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("claim %s: %w", key, err)
	}
	return nil
}

func (i *Inbox) markStatus(ctx context.Context, key string, status Status, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE inbox SET status = $1, result = $2, updated_at = NOW() WHERE idempotency_key = $3`,
		status, result, key)
	return err
}

// Cleanup deletes expired entries.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}

// TerminalError marks a handler error that must not be retried with the same key.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err as a TerminalError.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// IsTerminal reports whether err is, or wraps, a TerminalError.
func IsTerminal(err error) bool {
	var te *TerminalError
	return errors.As(err, &te)
}
