package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
)

type capturedRecord struct {
	topic, key string
	value      []byte
}

type captureProducer struct {
	records []capturedRecord
}

func (p *captureProducer) ProduceAsync(_ context.Context, topic, key string, value []byte, callback func(error)) {
	p.records = append(p.records, capturedRecord{topic, key, value})
	if callback != nil {
		callback(nil)
	}
}

func TestJournalKeysBySession(t *testing.T) {
	p := &captureProducer{}
	var acks int
	j := newJournal(p, "", nil)
	j.onResult = func(err error) {
		assert.NoError(t, err)
		acks++
	}
	j.now = func() time.Time { return time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC) }

	s := medform.NewState()
	s.Type = medform.TypeAddMedication
	s.IsLoadingCIOList = true
	require.NoError(t, j.Record(context.Background(), "sess-1", s))

	require.Len(t, p.records, 1)
	assert.Equal(t, 1, acks)
	rec := p.records[0]
	assert.Equal(t, TopicFormTransitions, rec.topic)
	assert.Equal(t, "sess-1", rec.key)

	var got Transition
	require.NoError(t, json.Unmarshal(rec.value, &got))
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, medform.TypeAddMedication, got.Type)
	assert.True(t, got.IsLoadingCIOList)
	assert.Equal(t, "2024-05-02T08:30:00Z", got.RecordedAt.Format(time.RFC3339))
	assert.NotNil(t, got.MedicationRequest)
}

func TestTransitionHandlerFiltersSession(t *testing.T) {
	var seen []string
	h := TransitionHandler("sess-2", func(tr Transition) error {
		seen = append(seen, string(tr.Type))
		return nil
	})

	encode := func(session string, typ medform.Type) *ConsumedMessage {
		b, err := json.Marshal(Transition{SessionID: session, Type: typ})
		require.NoError(t, err)
		return &ConsumedMessage{Key: []byte(session), Value: b}
	}
	ctx := context.Background()
	require.NoError(t, h(ctx, encode("sess-1", medform.TypeAddMedication)))
	require.NoError(t, h(ctx, encode("sess-2", medform.TypeAddDosageInstruction)))
	assert.Equal(t, []string{string(medform.TypeAddDosageInstruction)}, seen)

	err := h(ctx, &ConsumedMessage{Key: []byte("sess-2"), Value: []byte("{")})
	assert.Error(t, err)

	boom := errors.New("boom")
	h = TransitionHandler("", func(Transition) error { return boom })
	assert.ErrorIs(t, h(ctx, encode("any", medform.TypeInit)), boom)
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("form-api")}}}
	InjectTraceHeaders(ctx, record)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headerCarrier{record}.Get("traceparent"))
	assert.ElementsMatch(t, []string{"source", "traceparent"}, headerCarrier{record}.Keys())

	got := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, got.TraceID())
	assert.True(t, got.IsRemote())
}

func TestProducerOptionsFollowConfig(t *testing.T) {
	cfg := DefaultProducerConfig()
	base := len(cfg.Options())
	cfg.Compression = ""
	assert.Equal(t, base-1, len(cfg.Options()))
	cfg.RequiredAcks = 1
	assert.Equal(t, base, len(cfg.Options()))
}

func TestDefaultTopicsCoverEveryProducedTopic(t *testing.T) {
	names := map[string]bool{}
	for _, c := range DefaultTopicConfigs() {
		names[c.Name] = true
		assert.Positive(t, c.Partitions)
	}
	for _, topic := range []string{TopicFormTransitions, TopicSubmitted, TopicDeadLetter} {
		assert.True(t, names[topic], topic)
	}
}

func TestGroupLagSumsReadablePartitions(t *testing.T) {
	described := kadm.DescribedGroupLags{
		"form-audit": {
			Group: "form-audit",
			Lag: kadm.GroupLag{
				TopicFormTransitions: {
					0: {Topic: TopicFormTransitions, Partition: 0, Lag: 4},
					1: {Topic: TopicFormTransitions, Partition: 1, Lag: -1},
				},
				TopicSubmitted: {
					2: {Topic: TopicSubmitted, Partition: 2, Lag: 6},
				},
			},
		},
	}

	lag := groupLag("form-audit", described)
	assert.Equal(t, "form-audit", lag.Group)
	assert.Equal(t, int64(10), lag.Total)
	assert.Equal(t, int64(-1), lag.Partitions[TopicFormTransitions][1])
	assert.Equal(t, int64(6), lag.Partitions[TopicSubmitted][2])
}
