package lookupcache

import "github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"

// Snapshot is a point-in-time copy of the whole cache, shaped for JSON rendering.
type Snapshot struct {
	Forms     map[string]map[string]List[r4.CodeableConcept] `json:"forms"`
	Strengths map[string]map[string]List[r4.Ratio]           `json:"strengths"`
	Units     map[string]map[string]List[r4.Coding]          `json:"units"`
	Amounts   map[string]map[string]List[r4.Quantity]        `json:"amounts"`
	Routes    map[string]List[r4.CodeableConcept]            `json:"routes"`
}

// Snapshot copies every list under a single read lock.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Forms:     snapshotNested(c.forms),
		Strengths: snapshotNested(c.strengths),
		Units:     snapshotNested(c.units),
		Amounts:   snapshotNested(c.amounts),
		Routes:    make(map[string]List[r4.CodeableConcept], len(c.routes)),
	}
	for k, l := range c.routes {
		s.Routes[k] = l.snapshot()
	}
	return s
}

func snapshotNested[T any](m map[string]map[string]*list[T]) map[string]map[string]List[T] {
	out := make(map[string]map[string]List[T], len(m))
	for outer, byDosage := range m {
		inner := make(map[string]List[T], len(byDosage))
		for k, l := range byDosage {
			inner[k] = l.snapshot()
		}
		out[outer] = inner
	}
	return out
}
