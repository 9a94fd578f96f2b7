// Package session keeps the authoring sessions of form-api: one form view model,
// CQL editor and CDS help panel per SMART launch.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cdshelp"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/cqleditor"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/medform"
	"github.com/phast-fr/cds-access-smart-app-sub000/pkg/workerpool"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("too many open sessions")
	ErrRegistryClosed  = errors.New("session registry closed")
	ErrInvalidLaunch   = errors.New("invalid launch context")
)

// Config holds registry configuration
type Config struct {
	// MaxSessions bounds open sessions; 0 means unbounded
	MaxSessions int
	// IdleTimeout closes sessions not used for this long; 0 disables expiry
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Form          medform.Config
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:   1000,
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
		Form:          medform.DefaultConfig(),
	}
}

// Recorder receives session lifecycle events.
type Recorder interface {
	SessionOpened()
	SessionClosed()
}

// Deps are shared by every session. Documents and Engine enable the CQL editor,
// CDS enables the help panel.
type Deps struct {
	Lookup       medform.KnowledgeLookup
	Terminology  medform.Terminology
	Pool         *workerpool.Pool
	FormRecorder medform.Recorder
	Journal      medform.Journal

	Documents cqleditor.Documents
	Engine    cqleditor.Engine
	CDS       cdshelp.Service

	Requests RequestStore
	Inbox    Deduplicator

	Recorder Recorder
	Logger   *zap.Logger
}

// Launch is the SMART launch context a session is opened with.
type Launch struct {
	PatientID      string `json:"patientId"`
	PractitionerID string `json:"practitionerId,omitempty"`
	EncounterID    string `json:"encounterId,omitempty"`
}

// Validate checks the launch context.
func (l Launch) Validate() error {
	if l.PatientID == "" {
		return fmt.Errorf("%w: patientId is required", ErrInvalidLaunch)
	}
	return nil
}

// StaticIdentity resolves the patient and practitioner from a Launch.
type StaticIdentity struct {
	Launch Launch
}

var _ medform.Identity = StaticIdentity{}

func (i StaticIdentity) Patient(context.Context) (*r4.Reference, error) {
	if i.Launch.PatientID == "" {
		return nil, nil
	}
	return &r4.Reference{Reference: "Patient/" + i.Launch.PatientID}, nil
}

func (i StaticIdentity) Practitioner(context.Context) (*r4.Reference, error) {
	if i.Launch.PractitionerID == "" {
		return nil, nil
	}
	return &r4.Reference{Reference: "Practitioner/" + i.Launch.PractitionerID}, nil
}

// Session is one open authoring session.
type Session struct {
	ID        string
	Launch    Launch
	CreatedAt time.Time

	Form   *medform.ViewModel
	Editor *cqleditor.Editor
	Help   *cdshelp.Helper

	lastSeen atomic.Int64
	closed   atomic.Bool
}

// LastSeen returns the time of the last Get.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Session) close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if s.Help != nil {
		errs = append(errs, s.Help.Close())
	}
	if s.Editor != nil {
		errs = append(errs, s.Editor.Close())
	}
	if s.Form != nil {
		errs = append(errs, s.Form.Close())
	}
	return errors.Join(errs...)
}

// Info summarises a session.
type Info struct {
	ID        string    `json:"id"`
	Launch    Launch    `json:"launch"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
	Editor    bool      `json:"editor"`
	Help      bool      `json:"help"`
}

func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		Launch:    s.Launch,
		CreatedAt: s.CreatedAt,
		LastSeen:  s.LastSeen(),
		Editor:    s.Editor != nil,
		Help:      s.Help != nil,
	}
}

// Registry owns the open sessions.
type Registry struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time

	// base outlives requests; sessions are children of it
	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	janitor sync.WaitGroup
}

// NewRegistry creates a registry. Sessions stop when ctx is done or on Shutdown.
func NewRegistry(ctx context.Context, cfg Config, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	r := &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	r.base, r.cancel = context.WithCancel(ctx)
	return r
}

// Create opens a session for launch.
func (r *Registry) Create(launch Launch) (*Session, error) {
	if err := launch.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	closed, n := r.closed, len(r.sessions)
	r.mu.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if r.cfg.MaxSessions > 0 && n >= r.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	logger := r.logger.With(zap.String("session_id", id))
	s := &Session{ID: id, Launch: launch, CreatedAt: r.now()}
	s.touch(s.CreatedAt)

	form, err := medform.NewViewModel(r.base, id, r.cfg.Form, medform.Deps{
		Lookup:      r.deps.Lookup,
		Terminology: r.deps.Terminology,
		Identity:    StaticIdentity{Launch: launch},
		Pool:        r.deps.Pool,
		Recorder:    r.deps.FormRecorder,
		Journal:     r.deps.Journal,
		Logger:      r.deps.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create form: %w", err)
	}
	s.Form = form

	if r.deps.Documents != nil && r.deps.Engine != nil {
		if s.Editor, err = cqleditor.NewEditor(r.base, cqleditor.Deps{
			Documents: r.deps.Documents,
			Engine:    r.deps.Engine,
			Logger:    logger,
		}); err != nil {
			_ = s.close()
			return nil, fmt.Errorf("create editor: %w", err)
		}
	}
	if r.deps.CDS != nil {
		if s.Help, err = cdshelp.NewHelper(r.base, r.deps.CDS, logger); err != nil {
			_ = s.close()
			return nil, fmt.Errorf("create help: %w", err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.close()
		return nil, ErrRegistryClosed
	}
	// Concurrent creates may have filled the registry while the form was built.
	if r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		_ = s.close()
		return nil, ErrTooManySessions
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if r.deps.Recorder != nil {
		r.deps.Recorder.SessionOpened()
	}
	logger.Info("session opened",
		zap.String("patient_id", launch.PatientID),
		zap.Bool("editor", s.Editor != nil),
		zap.Bool("help", s.Help != nil))
	return s, nil
}

// Get returns session id and marks it as used.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	s.touch(r.now())
	return s, nil
}

// List returns every open session ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close tears session id down.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrSessionNotFound)
	}
	return r.teardown(s, "closed")
}

func (r *Registry) teardown(s *Session, reason string) error {
	err := s.close()
	if r.deps.Recorder != nil {
		r.deps.Recorder.SessionClosed()
	}
	r.logger.Info("session "+reason, zap.String("session_id", s.ID), zap.Duration("age", r.now().Sub(s.CreatedAt)))
	return err
}

// Sweep closes sessions idle for longer than IdleTimeout and returns how many.
func (r *Registry) Sweep() int {
	if r.cfg.IdleTimeout <= 0 {
		return 0
	}
	deadline := r.now().Add(-r.cfg.IdleTimeout)

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.LastSeen().Before(deadline) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		if err := r.teardown(s, "expired"); err != nil {
			r.logger.Warn("session teardown failed", zap.String("session_id", s.ID), zap.Error(err))
		}
	}
	return len(idle)
}

// StartJanitor sweeps idle sessions every SweepInterval until Shutdown.
func (r *Registry) StartJanitor() {
	if r.cfg.IdleTimeout <= 0 || r.cfg.SweepInterval <= 0 {
		return
	}
	r.janitor.Add(1)
	go func() {
		defer r.janitor.Done()
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.base.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("idle sessions closed", zap.Int("count", n))
				}
			}
		}
	}()
}

// Shutdown closes every session and rejects new ones.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = map[string]*Session{}
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		errs = append(errs, r.teardown(s, "closed"))
	}
	r.cancel()
	r.janitor.Wait()
	return errors.Join(errs...)
}
