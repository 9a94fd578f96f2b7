package r4

import "encoding/json"

// MedicationKnowledge represents a FHIR R4 MedicationKnowledge resource: the reference
// data backing a medication selected in the form.
type MedicationKnowledge struct {
	ResourceType  string                          `json:"resourceType"`
	ID            string                          `json:"id,omitempty"`
	Code          *CodeableConcept                `json:"code,omitempty"`
	Status        string                          `json:"status,omitempty"`
	DoseForm      *CodeableConcept                `json:"doseForm,omitempty"`
	Amount        *Quantity                       `json:"amount,omitempty"`
	Synonym       []string                        `json:"synonym,omitempty"`
	Ingredient    []MedicationKnowledgeIngredient `json:"ingredient,omitempty"`
	IntendedRoute []CodeableConcept               `json:"intendedRoute,omitempty"`
}

// MedicationKnowledgeIngredient is an ingredient of a MedicationKnowledge.
type MedicationKnowledgeIngredient struct {
	ItemCodeableConcept *CodeableConcept `json:"itemCodeableConcept,omitempty"`
	ItemReference       *Reference       `json:"itemReference,omitempty"`
	IsActive            *bool            `json:"isActive,omitempty"`
	Strength            *Ratio           `json:"strength,omitempty"`
}

// Parameters represents a FHIR Parameters resource, the payload of operations.
type Parameters struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Parameter    []Parameter `json:"parameter,omitempty"`
}

// Parameter is a single named value of a Parameters resource.
type Parameter struct {
	Name                 string           `json:"name"`
	ValueString          string           `json:"valueString,omitempty"`
	ValueCode            string           `json:"valueCode,omitempty"`
	ValueCoding          *Coding          `json:"valueCoding,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueRatio           *Ratio           `json:"valueRatio,omitempty"`
	ValueReference       *Reference       `json:"valueReference,omitempty"`
	Resource             json.RawMessage  `json:"resource,omitempty"`
	Part                 []Parameter      `json:"part,omitempty"`
}

// PartsNamed returns the nested parts with the given name.
func (p *Parameter) PartsNamed(name string) []Parameter {
	var parts []Parameter
	for _, part := range p.Part {
		if part.Name == name {
			parts = append(parts, part)
		}
	}
	return parts
}

// ValueSet represents a FHIR ValueSet resource; only the expansion is consumed.
type ValueSet struct {
	ResourceType string             `json:"resourceType"`
	ID           string             `json:"id,omitempty"`
	URL          string             `json:"url,omitempty"`
	Name         string             `json:"name,omitempty"`
	Title        string             `json:"title,omitempty"`
	Status       string             `json:"status,omitempty"`
	Expansion    *ValueSetExpansion `json:"expansion,omitempty"`
}

// ValueSetExpansion holds the concepts of an expanded ValueSet.
type ValueSetExpansion struct {
	Timestamp string             `json:"timestamp,omitempty"`
	Total     int                `json:"total,omitempty"`
	Contains  []ValueSetContains `json:"contains,omitempty"`
}

// ValueSetContains is one concept within an expansion.
type ValueSetContains struct {
	System   string             `json:"system,omitempty"`
	Version  string             `json:"version,omitempty"`
	Code     string             `json:"code,omitempty"`
	Display  string             `json:"display,omitempty"`
	Contains []ValueSetContains `json:"contains,omitempty"`
}

// Codings flattens the expansion into codings, depth first.
func (v *ValueSet) Codings() []Coding {
	if v == nil || v.Expansion == nil {
		return nil
	}
	var out []Coding
	var walk func([]ValueSetContains)
	walk = func(items []ValueSetContains) {
		for _, c := range items {
			if c.Code != "" {
				out = append(out, Coding{System: c.System, Version: c.Version, Code: c.Code, Display: c.Display})
			}
			walk(c.Contains)
		}
	}
	walk(v.Expansion.Contains)
	return out
}

// Library represents a FHIR Library resource carrying CQL source.
type Library struct {
	ResourceType string           `json:"resourceType"`
	ID           string           `json:"id,omitempty"`
	Meta         *Meta            `json:"meta,omitempty"`
	URL          string           `json:"url,omitempty"`
	Version      string           `json:"version,omitempty"`
	Name         string           `json:"name,omitempty"`
	Title        string           `json:"title,omitempty"`
	Status       string           `json:"status"`
	Type         *CodeableConcept `json:"type,omitempty"`
	Content      []Attachment     `json:"content,omitempty"`
}

// Attachment carries inline or referenced content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"` // base64 in JSON
	URL         string `json:"url,omitempty"`
	Title       string `json:"title,omitempty"`
}

// ContentTypeCQL is the media type of CQL source text.
const ContentTypeCQL = "text/cql"

// CQL returns the CQL source carried by the library, if any.
func (l *Library) CQL() string {
	if l == nil {
		return ""
	}
	for _, c := range l.Content {
		if c.ContentType == ContentTypeCQL {
			return string(c.Data)
		}
	}
	return ""
}

// SetCQL replaces the CQL content of the library.
func (l *Library) SetCQL(text string) {
	for i := range l.Content {
		if l.Content[i].ContentType == ContentTypeCQL {
			l.Content[i].Data = []byte(text)
			return
		}
	}
	l.Content = append(l.Content, Attachment{ContentType: ContentTypeCQL, Data: []byte(text)})
}

// Bundle is a collection of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        int           `json:"total,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry holds one resource of a bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollection wraps resources in a collection bundle.
func NewCollection(resources ...any) (*Bundle, error) {
	b := &Bundle{ResourceType: "Bundle", Type: "collection"}
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		b.Entry = append(b.Entry, BundleEntry{Resource: raw})
	}
	return b, nil
}
