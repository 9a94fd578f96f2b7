package cdshelp

import (
	"encoding/json"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// Hook names supported by the help panel
const (
	HookOrderSelect = "order-select"
	HookOrderSign   = "order-sign"
)

// Request is a CDS Hooks service invocation.
type Request struct {
	Hook         string                     `json:"hook"`
	HookInstance string                     `json:"hookInstance"`
	FHIRServer   string                     `json:"fhirServer,omitempty"`
	Context      HookContext                `json:"context"`
	Prefetch     map[string]json.RawMessage `json:"prefetch,omitempty"`
}

// HookContext is the context of the order hooks.
type HookContext struct {
	UserID      string     `json:"userId,omitempty"`
	PatientID   string     `json:"patientId"`
	EncounterID string     `json:"encounterId,omitempty"`
	Selections  []string   `json:"selections,omitempty"`
	DraftOrders *r4.Bundle `json:"draftOrders,omitempty"`
}

// Response carries the cards returned by a service.
type Response struct {
	Cards []Card `json:"cards"`
}

// Indicator values, most urgent first
const (
	IndicatorCritical = "critical"
	IndicatorWarning  = "warning"
	IndicatorInfo     = "info"
)

// Card is one piece of advice.
type Card struct {
	UUID        string       `json:"uuid,omitempty"`
	Summary     string       `json:"summary"`
	Detail      string       `json:"detail,omitempty"`
	Indicator   string       `json:"indicator"`
	Source      Source       `json:"source"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	Links       []Link       `json:"links,omitempty"`
}

type Source struct {
	Label string     `json:"label"`
	URL   string     `json:"url,omitempty"`
	Topic *r4.Coding `json:"topic,omitempty"`
}

type Suggestion struct {
	Label   string   `json:"label"`
	UUID    string   `json:"uuid,omitempty"`
	Actions []Action `json:"actions,omitempty"`
}

// Action is a suggested change; Resource is kept raw.
type Action struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Resource    json.RawMessage `json:"resource,omitempty"`
}

type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

func severity(indicator string) int {
	switch indicator {
	case IndicatorCritical:
		return 0
	case IndicatorWarning:
		return 1
	case IndicatorInfo:
		return 2
	default:
		return 3
	}
}
