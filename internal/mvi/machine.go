package mvi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrMachineClosed is returned when dispatching to a machine that has been closed.
var ErrMachineClosed = errors.New("mvi: machine closed")

// Action is the executable unit derived from an intent.
type Action[P any] interface {
	Execute(ctx context.Context) (P, error)
}

// ActionFunc adapts a function to Action.
type ActionFunc[P any] func(ctx context.Context) (P, error)

func (f ActionFunc[P]) Execute(ctx context.Context) (P, error) { return f(ctx) }

// Config wires a Machine.
type Config[S, I, P any] struct {
	// Name labels logs and spans
	Name string
	// Initial is the value published before any intent is processed
	Initial S
	// Translate maps an intent to its action; false means the intent is not recognised.
	// It runs on the machine goroutine and may read the current state.
	Translate func(current S, intent I) (Action[P], bool)
	// Reduce folds a partial state into the current state
	Reduce func(current S, ps P) S
	// OnError turns a failed action into a partial state. When nil the failure is
	// logged and the state is left unchanged.
	OnError func(intent I, err error) P
	// OnUnmatched is told about intents Translate rejected
	OnUnmatched func(intent I)
	// OnTransition observes every published state
	OnTransition func(ctx context.Context, ps P, next S)
	// Describe names an intent or partial state in logs and spans
	Describe func(v any) string
	// QueueSize bounds the number of pending events
	QueueSize int
	Logger    *zap.Logger
}

type event[I, P any] struct {
	ctx      context.Context
	intent   I
	partial  P
	internal bool
	done     chan struct{}
}

// Machine processes intents and internal partial states strictly in arrival order on a
// single goroutine, so the reducer never runs concurrently with itself.
type Machine[S, I, P any] struct {
	cfg    Config[S, I, P]
	store  *Store[S]
	logger *zap.Logger
	tracer trace.Tracer

	queue chan event[I, P]

	startOnce sync.Once
	closeOnce sync.Once
	closing   chan struct{}
	stopped   chan struct{}
	cancel    context.CancelFunc
}

// NewMachine creates a machine. Call Start before dispatching.
func NewMachine[S, I, P any](cfg Config[S, I, P]) (*Machine[S, I, P], error) {
	if cfg.Translate == nil {
		return nil, fmt.Errorf("translate function is required")
	}
	if cfg.Reduce == nil {
		return nil, fmt.Errorf("reduce function is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Name == "" {
		cfg.Name = "mvi"
	}
	if cfg.Describe == nil {
		cfg.Describe = func(v any) string { return fmt.Sprintf("%T", v) }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Machine[S, I, P]{
		cfg:     cfg,
		store:   NewStore(cfg.Initial),
		logger:  logger.With(zap.String("machine", cfg.Name)),
		tracer:  otel.Tracer(cfg.Name),
		queue:   make(chan event[I, P], cfg.QueueSize),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Store exposes the machine's state broadcast.
func (m *Machine[S, I, P]) Store() *Store[S] {
	return m.store
}

// State returns the current state.
func (m *Machine[S, I, P]) State() S {
	return m.store.Value()
}

// Start launches the processing goroutine. The machine stops when ctx ends or Close is
// called.
func (m *Machine[S, I, P]) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		select {
		case <-m.closing:
			return
		default:
		}
		ctx, m.cancel = context.WithCancel(ctx)
		go m.run(ctx)
	})
}

// Dispatch enqueues an intent. It blocks while the queue is full.
func (m *Machine[S, I, P]) Dispatch(ctx context.Context, intent I) error {
	return m.enqueue(ctx, event[I, P]{ctx: context.WithoutCancel(ctx), intent: intent})
}

// DispatchWait enqueues an intent and waits until it has been processed.
func (m *Machine[S, I, P]) DispatchWait(ctx context.Context, intent I) (S, error) {
	done := make(chan struct{})
	if err := m.enqueue(ctx, event[I, P]{ctx: context.WithoutCancel(ctx), intent: intent, done: done}); err != nil {
		return m.State(), err
	}
	select {
	case <-done:
		return m.State(), nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	case <-m.stopped:
		return m.State(), ErrMachineClosed
	}
}

// Apply enqueues an internal partial state, for results of background work.
func (m *Machine[S, I, P]) Apply(ctx context.Context, ps P) error {
	return m.enqueue(ctx, event[I, P]{ctx: context.WithoutCancel(ctx), partial: ps, internal: true})
}

func (m *Machine[S, I, P]) enqueue(ctx context.Context, ev event[I, P]) error {
	select {
	case <-m.closing:
		return ErrMachineClosed
	default:
	}
	select {
	case m.queue <- ev:
		return nil
	case <-m.closing:
		return ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the machine, waits for the goroutine to exit and closes the store.
func (m *Machine[S, I, P]) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
		if m.cancel != nil {
			m.cancel()
			<-m.stopped
		} else {
			close(m.stopped)
		}
		m.store.Close()
	})
	return nil
}

// Done is closed once the processing goroutine has exited.
func (m *Machine[S, I, P]) Done() <-chan struct{} {
	return m.stopped
}

func (m *Machine[S, I, P]) run(ctx context.Context) {
	defer close(m.stopped)
	m.logger.Debug("state machine started")

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("state machine stopped")
			return
		case ev := <-m.queue:
			m.process(ev)
			if ev.done != nil {
				close(ev.done)
			}
		}
	}
}

func (m *Machine[S, I, P]) process(ev event[I, P]) {
	var (
		ps   P
		kind string
	)
	if ev.internal {
		ps = ev.partial
		kind = m.cfg.Describe(ps)
	} else {
		kind = m.cfg.Describe(ev.intent)
	}

	ctx, span := m.tracer.Start(ev.ctx, m.cfg.Name+".process",
		trace.WithAttributes(
			attribute.String("mvi.event", kind),
			attribute.Bool("mvi.internal", ev.internal),
		))
	defer span.End()

	if !ev.internal {
		action, ok := m.cfg.Translate(m.store.Value(), ev.intent)
		if !ok {
			m.logger.Warn("unmatched intent", zap.String("intent", kind))
			span.SetStatus(codes.Error, "unmatched intent")
			if m.cfg.OnUnmatched != nil {
				m.cfg.OnUnmatched(ev.intent)
			}
			return
		}

		var err error
		ps, err = action.Execute(ctx)
		if err != nil {
			span.RecordError(err)
			m.logger.Error("action failed", zap.String("intent", kind), zap.Error(err))
			if m.cfg.OnError == nil {
				span.SetStatus(codes.Error, err.Error())
				return
			}
			ps = m.cfg.OnError(ev.intent, err)
		}
	}

	next := m.cfg.Reduce(m.store.Value(), ps)
	m.store.Publish(next)
	if m.cfg.OnTransition != nil {
		m.cfg.OnTransition(ctx, ps, next)
	}
}
