// Package clients holds the HTTP collaborators of the form: the knowledge lookup service,
// the terminology server, the CDS Hooks service and the CQL engine.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/circuitbreaker"
)

const contentTypeFHIR = "application/fhir+json"

// StatusError is a non-2xx answer.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	// Diagnostics is taken from an OperationOutcome body when there is one
	Diagnostics string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

// ClientError reports whether err is a 4xx answer. Those are caused by the request and
// do not count against the breaker.
func ClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// BreakerSuccess classifies errors for circuitbreaker.Config.IsSuccessful.
func BreakerSuccess(err error) bool {
	return err == nil || ClientError(err)
}

// Config holds the settings of one remote service.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// BearerToken is sent as Authorization when set
	BearerToken string
}

// base is the transport shared by every client.
type base struct {
	name    string
	baseURL *url.URL
	token   string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *zap.Logger
}

func newBase(name string, cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*base, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", name)
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid base url: %w", name, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &base{
		name:    name,
		baseURL: u,
		token:   cfg.BearerToken,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		tracer:  otel.Tracer("clients"),
		logger:  logger.With(zap.String("client", name)),
	}, nil
}

// endpoint joins path segments to the base URL and adds the query.
func (b *base) endpoint(path string, query url.Values) string {
	u := *b.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends a JSON request through the breaker and decodes a JSON answer into out.
func (b *base) do(ctx context.Context, method, endpoint string, body, out any) error {
	ctx, span := b.tracer.Start(ctx, b.name+" "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.full", endpoint),
		))
	defer span.End()

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("%s: encode request: %w", b.name, err)
		}
	}

	start := time.Now()
	_, err := circuitbreaker.Do(ctx, b.breaker, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, b.roundTrip(ctx, method, endpoint, payload, out, span)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Debug("request failed",
			zap.String("method", method),
			zap.String("url", endpoint),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}
	return nil
}

func (b *base) roundTrip(ctx context.Context, method, endpoint string, payload []byte, out any, span trace.Span) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", b.name, err)
	}
	req.Header.Set("Accept", contentTypeFHIR+", application/json")
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeFHIR)
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", b.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, URL: endpoint, StatusCode: resp.StatusCode}
		var outcome r4.OperationOutcome
		if json.Unmarshal(data, &outcome) == nil && outcome.ResourceType == "OperationOutcome" && len(outcome.Issue) > 0 {
			se.Diagnostics = outcome.Issue[0].Diagnostics
		}
		return se
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", b.name, err)
	}
	return nil
}
