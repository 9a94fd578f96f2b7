// Package cqleditor is the state machine behind the CQL library editor: edit the source
// of a Library, save it, search saved libraries and run the current source against a
// patient.
package cqleditor

import "github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"

// Type names the last transition applied to a State.
type Type string

const (
	TypeInit            Type = "init"
	TypeOnChangeLibrary Type = "OnChangeLibrary"
	TypeOnSaveLibrary   Type = "OnSaveLibrary"
	TypeOnRunLibrary    Type = "OnRunLibrary"
	TypeOnSearchLibrary Type = "OnSearchLibrary"
	TypeError           Type = "Error"
)

// State is one snapshot of the editor.
type State struct {
	Type    Type        `json:"type"`
	Library *r4.Library `json:"library,omitempty"`
	// Text is the source being edited; it may differ from the saved library content
	Text      string       `json:"text"`
	Output    []string     `json:"output,omitempty"`
	Libraries []r4.Library `json:"libraries,omitempty"`
	Dirty     bool         `json:"dirty"`
	Err       string       `json:"error,omitempty"`
}

// NewState returns the initial editor state.
func NewState() *State {
	return &State{Type: TypeInit}
}

func (s *State) clone() *State {
	c := *s
	return &c
}

// Intent is a user request to the editor.
type Intent interface {
	intent()
}

// OnChangeLibrary replaces the source text. A non-nil Library switches the editor to it;
// its CQL content is loaded when Text is empty.
type OnChangeLibrary struct {
	Library *r4.Library `json:"library,omitempty"`
	Text    string      `json:"text"`
}

// OnSaveLibrary stores the current text in the library and persists it.
type OnSaveLibrary struct{}

// OnRunLibrary evaluates the current text for a patient.
type OnRunLibrary struct {
	PatientID string `json:"patientId"`
}

// OnSearchLibrary searches saved libraries by name.
type OnSearchLibrary struct {
	Name string `json:"name"`
}

func (OnChangeLibrary) intent() {}
func (OnSaveLibrary) intent()   {}
func (OnRunLibrary) intent()    {}
func (OnSearchLibrary) intent() {}

// PartialState is the delta an action hands to the reducer.
type PartialState interface {
	Type() Type
}

type changeLibraryPartial struct {
	library *r4.Library
	text    string
}

type saveLibraryPartial struct {
	library *r4.Library
}

type runLibraryPartial struct {
	lines []string
}

type searchLibraryPartial struct {
	libraries []r4.Library
}

type errorPartial struct {
	err string
}

func (changeLibraryPartial) Type() Type { return TypeOnChangeLibrary }
func (saveLibraryPartial) Type() Type   { return TypeOnSaveLibrary }
func (runLibraryPartial) Type() Type    { return TypeOnRunLibrary }
func (searchLibraryPartial) Type() Type { return TypeOnSearchLibrary }
func (errorPartial) Type() Type         { return TypeError }
