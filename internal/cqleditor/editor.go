package cqleditor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
	"github.com/phast-fr/cds-access-smart-app-sub000/internal/mvi"
)

// Documents persists and searches CQL libraries.
type Documents interface {
	SaveLibrary(ctx context.Context, lib *r4.Library) (*r4.Library, error)
	SearchLibraries(ctx context.Context, name string) ([]r4.Library, error)
}

// Engine evaluates a CQL library in the context of a patient.
type Engine interface {
	Evaluate(ctx context.Context, lib *r4.Library, patientID string) (*r4.Parameters, error)
}

// Deps are the collaborators of an editor.
type Deps struct {
	Documents Documents
	Engine    Engine
	Logger    *zap.Logger
}

// ErrNoLibrary is returned when running or saving without any source text.
var ErrNoLibrary = errors.New("no library source")

// Editor owns the state of one CQL editing session.
type Editor struct {
	deps    Deps
	logger  *zap.Logger
	machine *mvi.Machine[*State, Intent, PartialState]
	cancel  context.CancelFunc
}

// NewEditor creates and starts an editor
func NewEditor(ctx context.Context, deps Deps) (*Editor, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := &Editor{deps: deps, logger: deps.Logger}

	machine, err := mvi.NewMachine(mvi.Config[*State, Intent, PartialState]{
		Name:      "cqleditor",
		Initial:   NewState(),
		Translate: e.translate,
		Reduce:    reduce,
		OnError: func(_ Intent, err error) PartialState {
			return errorPartial{err: err.Error()}
		},
		Describe: func(v any) string {
			if ps, ok := v.(PartialState); ok {
				return string(ps.Type())
			}
			return fmt.Sprintf("%T", v)
		},
		Logger: e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state machine: %w", err)
	}
	e.machine = machine

	ctx, e.cancel = context.WithCancel(ctx)
	machine.Start(ctx)
	return e, nil
}

// State returns the current state.
func (e *Editor) State() *State { return e.machine.State() }

// Store exposes the state broadcast.
func (e *Editor) Store() *mvi.Store[*State] { return e.machine.Store() }

// DispatchIntent enqueues an intent.
func (e *Editor) DispatchIntent(ctx context.Context, in Intent) error {
	return e.machine.Dispatch(ctx, in)
}

// DispatchIntentWait enqueues an intent and returns the state once it has been processed.
func (e *Editor) DispatchIntentWait(ctx context.Context, in Intent) (*State, error) {
	return e.machine.DispatchWait(ctx, in)
}

// Close stops the editor.
func (e *Editor) Close() error {
	e.cancel()
	return e.machine.Close()
}

func (e *Editor) translate(s *State, in Intent) (mvi.Action[PartialState], bool) {
	switch in := in.(type) {
	case OnChangeLibrary:
		return changeLibraryAction(s, in), true
	case OnSaveLibrary:
		return e.saveLibraryAction(s), true
	case OnRunLibrary:
		return e.runLibraryAction(s, in), true
	case OnSearchLibrary:
		return e.searchLibraryAction(in), true
	default:
		return nil, false
	}
}

type actionFunc = mvi.ActionFunc[PartialState]

func changeLibraryAction(s *State, in OnChangeLibrary) mvi.Action[PartialState] {
	return actionFunc(func(context.Context) (PartialState, error) {
		lib := s.Library
		text := in.Text
		if in.Library != nil {
			lib = in.Library.Clone()
			if text == "" {
				text = lib.CQL()
			}
		}
		return changeLibraryPartial{library: lib, text: text}, nil
	})
}

func (e *Editor) saveLibraryAction(s *State) mvi.Action[PartialState] {
	return actionFunc(func(ctx context.Context) (PartialState, error) {
		if e.deps.Documents == nil {
			return nil, errors.New("save library: no document store configured")
		}
		lib, err := libraryWithText(s)
		if err != nil {
			return nil, fmt.Errorf("save library: %w", err)
		}
		saved, err := e.deps.Documents.SaveLibrary(ctx, lib)
		if err != nil {
			return nil, fmt.Errorf("save library: %w", err)
		}
		return saveLibraryPartial{library: saved}, nil
	})
}

func (e *Editor) runLibraryAction(s *State, in OnRunLibrary) mvi.Action[PartialState] {
	return actionFunc(func(ctx context.Context) (PartialState, error) {
		if e.deps.Engine == nil {
			return nil, errors.New("run library: no CQL engine configured")
		}
		lib, err := libraryWithText(s)
		if err != nil {
			return nil, fmt.Errorf("run library: %w", err)
		}
		params, err := e.deps.Engine.Evaluate(ctx, lib, in.PatientID)
		if err != nil {
			return nil, fmt.Errorf("run library: %w", err)
		}
		return runLibraryPartial{lines: formatResults(params)}, nil
	})
}

func (e *Editor) searchLibraryAction(in OnSearchLibrary) mvi.Action[PartialState] {
	return actionFunc(func(ctx context.Context) (PartialState, error) {
		if e.deps.Documents == nil {
			return nil, errors.New("search library: no document store configured")
		}
		libs, err := e.deps.Documents.SearchLibraries(ctx, in.Name)
		if err != nil {
			return nil, fmt.Errorf("search library: %w", err)
		}
		return searchLibraryPartial{libraries: libs}, nil
	})
}

var libraryHeader = regexp.MustCompile(`(?m)^\s*library\s+"?([A-Za-z0-9_.\-]+)"?(?:\s+version\s+'([^']*)')?`)

// libraryWithText returns a copy of the current library carrying the edited text. A
// library is created from the source header when none is loaded.
func libraryWithText(s *State) (*r4.Library, error) {
	if strings.TrimSpace(s.Text) == "" {
		return nil, ErrNoLibrary
	}
	lib := s.Library.Clone()
	if lib == nil {
		lib = &r4.Library{
			ResourceType: "Library",
			Status:       r4.StatusDraft,
			Type: &r4.CodeableConcept{Coding: []r4.Coding{{
				System: "http://terminology.hl7.org/CodeSystem/library-type",
				Code:   "logic-library",
			}}},
		}
	}
	if m := libraryHeader.FindStringSubmatch(s.Text); m != nil {
		lib.Name = m[1]
		if m[2] != "" {
			lib.Version = m[2]
		}
	}
	lib.SetCQL(s.Text)
	return lib, nil
}

// formatResults renders the engine output one expression per line.
func formatResults(params *r4.Parameters) []string {
	if params == nil || len(params.Parameter) == 0 {
		return []string{"(no results)"}
	}
	lines := make([]string, 0, len(params.Parameter))
	for _, p := range params.Parameter {
		lines = append(lines, formatParameter(p))
	}
	return lines
}

func formatParameter(p r4.Parameter) string {
	// $cql style results: name/value parts under a single parameter
	if len(p.Part) > 0 {
		name := p.Name
		var values []string
		for _, part := range p.Part {
			if part.Name == "name" && part.ValueString != "" {
				name = part.ValueString
				continue
			}
			values = append(values, formatValue(part))
		}
		return name + " = " + strings.Join(values, ", ")
	}
	return p.Name + " = " + formatValue(p)
}

func formatValue(p r4.Parameter) string {
	switch {
	case p.ValueString != "":
		return p.ValueString
	case p.ValueCode != "":
		return p.ValueCode
	case p.ValueCoding != nil:
		return p.ValueCoding.System + "|" + p.ValueCoding.Code
	case p.ValueCodeableConcept != nil:
		return p.ValueCodeableConcept.Display()
	case p.ValueQuantity != nil:
		return strings.TrimSpace(fmt.Sprintf("%g %s", p.ValueQuantity.Value, p.ValueQuantity.Unit))
	case p.ValueReference != nil:
		return p.ValueReference.Reference
	case len(p.Resource) > 0:
		var compact bytes.Buffer
		if err := json.Compact(&compact, p.Resource); err != nil {
			return string(p.Resource)
		}
		return compact.String()
	default:
		return "null"
	}
}

func reduce(prev *State, ps PartialState) *State {
	if ps == nil {
		return prev
	}
	if prev == nil {
		prev = NewState()
	}
	next := prev.clone()
	next.Type = ps.Type()

	switch p := ps.(type) {
	case changeLibraryPartial:
		next.Library = p.library
		next.Text = p.text
		next.Dirty = p.text != p.library.CQL()
		next.Err = ""
	case saveLibraryPartial:
		next.Library = p.library
		next.Text = p.library.CQL()
		next.Dirty = false
		next.Output = appendOutput(prev.Output, fmt.Sprintf("Saved Library/%s", p.library.ID))
		next.Err = ""
	case runLibraryPartial:
		next.Output = appendOutput(prev.Output, p.lines...)
		next.Err = ""
	case searchLibraryPartial:
		next.Libraries = p.libraries
		next.Err = ""
	case errorPartial:
		next.Output = appendOutput(prev.Output, "Error: "+p.err)
		next.Err = p.err
	default:
		return prev
	}
	return next
}

// appendOutput never writes into the backing array of a published state.
func appendOutput(out []string, lines ...string) []string {
	next := make([]string, 0, len(out)+len(lines))
	next = append(next, out...)
	return append(next, lines...)
}
