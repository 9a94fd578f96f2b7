package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 502")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("knowledge")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, to State) {
		assert.Equal(t, "knowledge", name)
		transitions = append(transitions, to)
	}
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	fail := func(context.Context) (int, error) { return 0, errUpstream }
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), cb, fail)
		assert.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	_, err = Do(context.Background(), cb, func(context.Context) (int, error) {
		called = true
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestIsSuccessfulKeepsBreakerClosed(t *testing.T) {
	errBadRequest := errors.New("400 bad request")
	cfg := DefaultConfig("terminology")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errBadRequest) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "", errBadRequest })
		assert.ErrorIs(t, err, errBadRequest)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	v, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestDoWithoutBreaker(t *testing.T) {
	v, err := Do(context.Background(), nil, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestManagerHealthStatus(t *testing.T) {
	base := DefaultConfig("")
	base.FailureThreshold = 1
	m := NewManager(base, nil)

	lookup, err := m.GetOrCreate("lookup")
	require.NoError(t, err)
	again, err := m.GetOrCreate("lookup")
	require.NoError(t, err)
	assert.Same(t, lookup, again)

	_, err = m.GetOrCreate("cds")
	require.NoError(t, err)
	_, _ = Do(context.Background(), lookup, func(context.Context) (int, error) { return 0, errUpstream })

	statuses := m.GetHealthStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, "cds", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "lookup", statuses[1].Name)
	assert.Equal(t, StateOpen, statuses[1].State)
	assert.False(t, statuses[1].Healthy)
}
