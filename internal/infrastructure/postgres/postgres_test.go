package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

func TestSearchPatternEscapesWildcards(t *testing.T) {
	assert.Equal(t, "Interactions%", SearchPattern(" Interactions "))
	assert.Equal(t, `50\%\_off%`, SearchPattern("50%_off"))
	assert.Equal(t, "%", SearchPattern(""))
}

func TestStampAssignsIDAndLastUpdated(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.FixedZone("CET", 3600))

	var (
		id   string
		meta *r4.Meta
	)
	stamp(&id, &meta, now)
	assert.Len(t, id, 36)
	require.NotNil(t, meta)
	assert.Equal(t, "2024-03-01T09:00:00Z", meta.LastUpdated)

	id = "lib-1"
	stamp(&id, &meta, now)
	assert.Equal(t, "lib-1", id)
}

func TestAdvisoryLockIDIsStableAndPositive(t *testing.T) {
	a := AdvisoryLockID("prescribing-outbox")
	assert.Equal(t, a, AdvisoryLockID("prescribing-outbox"))
	assert.NotEqual(t, a, AdvisoryLockID("other"))
	assert.GreaterOrEqual(t, a, int64(0))
}

func TestRouteSendsExhaustedEntriesToDeadLetter(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{MaxRetries: 2}, nil)
	msg := "broker down"
	entry := &OutboxEntry{
		AggregateID:   "mr-1",
		AggregateType: "MedicationRequest",
		EventType:     "MedicationRequestSubmitted",
		Payload:       json.RawMessage(`{"resourceType":"MedicationRequest"}`),
		KafkaTopic:    TopicSubmitted,
		KafkaKey:      "mr-1",
		RetryCount:    1,
	}

	topic, payload := o.route(entry)
	assert.Equal(t, TopicSubmitted, topic)
	assert.JSONEq(t, `{"resourceType":"MedicationRequest"}`, string(payload))

	entry.RetryCount = 2
	entry.LastError = &msg
	topic, payload = o.route(entry)
	assert.Equal(t, TopicDeadLetter, topic)

	var dl map[string]any
	require.NoError(t, json.Unmarshal(payload, &dl))
	assert.Equal(t, TopicSubmitted, dl["original_topic"])
	assert.Equal(t, "broker down", dl["last_error"])
	assert.Equal(t, map[string]any{"resourceType": "MedicationRequest"}, dl["payload"])
}

func TestNewOutboxAppliesDefaults(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{}, nil)
	assert.Equal(t, DefaultOutboxConfig(), o.config)
	o.Stop()
}
