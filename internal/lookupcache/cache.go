// Package lookupcache holds the candidate values (routes, dose forms, strengths, dose units
// and package amounts) offered while a MedicationRequest is being authored.
//
// Lists are scoped by medication id and dosage key; strengths are scoped by ingredient
// display text instead, and routes by dosage key alone. Every list is deduplicated by a
// structural hash of its values.
package lookupcache

import (
	"errors"
	"slices"
	"sync"

	"github.com/phast-fr/cds-access-smart-app-sub000/internal/fhir/r4"
)

// ErrStaleTicket is returned by BuildList when the bucket was cleared, re-added or
// removed after the ticket was issued.
var ErrStaleTicket = errors.New("lookupcache: stale ticket")

// Parameter names recognised in a lookup response.
const (
	ParamIntendedRoute = "intendedRoute"
	ParamDoseForm      = "doseForm"
	ParamComposition   = "composition"
	ParamUnit          = "unite"
	ParamAmount        = "amount"

	partItem     = "item"
	partStrength = "strength"
)

// Target identifies a medication whose lists are being maintained.
type Target struct {
	MedicationID string
	Ingredients  []string // ingredient display texts
}

// Ticket authorises one lookup response to land in the (medication, dosage) bucket it was
// issued for. A ticket is invalidated by any later clear, add or remove of that bucket.
type Ticket struct {
	MedicationID string   `json:"medicationId"`
	DosageKey    string   `json:"dosageKey"`
	Ingredients  []string `json:"ingredients,omitempty"`
	Generation   uint64   `json:"generation"`
}

type bucketKey struct {
	med    string
	dosage string
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	version uint64

	forms       map[string]map[string]*list[r4.CodeableConcept]
	units       map[string]map[string]*list[r4.Coding]
	amounts     map[string]map[string]*list[r4.Quantity]
	strengths   map[string]map[string]*list[r4.Ratio]
	routes      map[string]*list[r4.CodeableConcept]
	generations map[bucketKey]uint64
}

// New creates an empty cache.
func New() *Cache {
	c := &Cache{}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.forms = make(map[string]map[string]*list[r4.CodeableConcept])
	c.units = make(map[string]map[string]*list[r4.Coding])
	c.amounts = make(map[string]map[string]*list[r4.Quantity])
	c.strengths = make(map[string]map[string]*list[r4.Ratio])
	c.routes = make(map[string]*list[r4.CodeableConcept])
	c.generations = make(map[bucketKey]uint64)
}

// next returns a fresh value of the cache-wide monotonic counter shared by list versions
// and bucket generations.
func (c *Cache) next() uint64 {
	c.version++
	return c.version
}

func bucket[T any](m map[string]map[string]*list[T], outer, inner string) *list[T] {
	byDosage, ok := m[outer]
	if !ok {
		byDosage = make(map[string]*list[T])
		m[outer] = byDosage
	}
	l, ok := byDosage[inner]
	if !ok {
		l = &list[T]{}
		byDosage[inner] = l
	}
	return l
}

func lookup[T any](m map[string]map[string]*list[T], outer, inner string) *list[T] {
	if byDosage, ok := m[outer]; ok {
		return byDosage[inner]
	}
	return nil
}

func (c *Cache) routeBucket(dosageKey string) *list[r4.CodeableConcept] {
	l, ok := c.routes[dosageKey]
	if !ok {
		l = &list[r4.CodeableConcept]{}
		c.routes[dosageKey] = l
	}
	return l
}

// truncateBucket empties every list of the (target, dosage) bucket, creating any that are
// missing, and returns the new generation.
func (c *Cache) truncateBucket(t Target, dosageKey string) uint64 {
	v := c.next()
	bucket(c.forms, t.MedicationID, dosageKey).truncate(v)
	bucket(c.units, t.MedicationID, dosageKey).truncate(v)
	bucket(c.amounts, t.MedicationID, dosageKey).truncate(v)
	for _, ing := range t.Ingredients {
		bucket(c.strengths, ing, dosageKey).truncate(v)
	}
	c.routeBucket(dosageKey).truncate(v)
	c.generations[bucketKey{t.MedicationID, dosageKey}] = v
	return v
}

// AddList makes sure every target has an empty bucket for the dosage. Existing buckets
// are truncated, not replaced.
func (c *Cache) AddList(targets []Target, dosageKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.routeBucket(dosageKey)
	for _, t := range targets {
		c.truncateBucket(t, dosageKey)
	}
}

// RemoveList deletes every list keyed by the dosage. Unknown keys are ignored.
func (c *Cache) RemoveList(dosageKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, byDosage := range c.forms {
		delete(byDosage, dosageKey)
	}
	for _, byDosage := range c.units {
		delete(byDosage, dosageKey)
	}
	for _, byDosage := range c.amounts {
		delete(byDosage, dosageKey)
	}
	for _, byDosage := range c.strengths {
		delete(byDosage, dosageKey)
	}
	delete(c.routes, dosageKey)
	for k := range c.generations {
		if k.dosage == dosageKey {
			delete(c.generations, k)
		}
	}
}

// RemoveMedication deletes every list of the medication, including the strength lists of
// its ingredients. Unknown medications are ignored.
func (c *Cache) RemoveMedication(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.forms, t.MedicationID)
	delete(c.units, t.MedicationID)
	delete(c.amounts, t.MedicationID)
	for _, ing := range t.Ingredients {
		delete(c.strengths, ing)
	}
	for k := range c.generations {
		if k.med == t.MedicationID {
			delete(c.generations, k)
		}
	}
}

// ClearList truncates the lists of every target for the given dosages, or for every
// dosage the target already has lists for when none are given. It returns one ticket per
// (target, dosage) bucket; responses carrying an older ticket are rejected by BuildList.
func (c *Cache) ClearList(targets []Target, dosageKeys ...string) []Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tickets []Ticket
	for _, t := range targets {
		keys := dosageKeys
		if len(keys) == 0 {
			keys = nil
			for k := range c.forms[t.MedicationID] {
				keys = append(keys, k)
			}
			slices.Sort(keys)
		}
		for _, k := range keys {
			gen := c.truncateBucket(t, k)
			tickets = append(tickets, Ticket{
				MedicationID: t.MedicationID,
				DosageKey:    k,
				Ingredients:  append([]string(nil), t.Ingredients...),
				Generation:   gen,
			})
		}
	}
	return tickets
}

func (c *Cache) current(t Ticket) bool {
	gen, ok := c.generations[bucketKey{t.MedicationID, t.DosageKey}]
	return ok && gen == t.Generation
}

// BuildList folds a lookup response into the bucket named by the ticket. Parameters with
// unrecognised names are ignored. It returns the number of candidates added.
func (c *Cache) BuildList(t Ticket, params *r4.Parameters) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.current(t) {
		return 0, ErrStaleTicket
	}
	if params == nil {
		return 0, nil
	}

	added := 0
	count := func(ok bool) {
		if ok {
			added++
		}
	}
	for _, p := range params.Parameter {
		switch p.Name {
		case ParamIntendedRoute:
			if cc := conceptOf(p); cc != nil {
				count(c.routeBucket(t.DosageKey).add(*cc, c.next()))
			}
		case ParamDoseForm:
			if cc := conceptOf(p); cc != nil {
				count(bucket(c.forms, t.MedicationID, t.DosageKey).add(*cc, c.next()))
			}
		case ParamComposition, "Composition":
			added += c.addComposition(t, p)
		case ParamUnit:
			if coding := codingOf(p); coding != nil {
				count(bucket(c.units, t.MedicationID, t.DosageKey).add(*coding, c.next()))
			}
		case ParamAmount:
			if p.ValueQuantity != nil {
				count(bucket(c.amounts, t.MedicationID, t.DosageKey).add(*p.ValueQuantity, c.next()))
			}
		}
	}
	return added, nil
}

func (c *Cache) addComposition(t Ticket, p r4.Parameter) int {
	items := p.PartsNamed(partItem)
	if len(items) == 0 {
		return 0
	}
	text := conceptOf(items[0]).Display()
	// Only the ticketed medication's ingredients have strength lists under this generation.
	if text == "" || !slices.Contains(t.Ingredients, text) {
		return 0
	}
	added := 0
	for _, s := range p.PartsNamed(partStrength) {
		if s.ValueRatio != nil && bucket(c.strengths, text, t.DosageKey).add(*s.ValueRatio, c.next()) {
			added++
		}
	}
	return added
}

func conceptOf(p r4.Parameter) *r4.CodeableConcept {
	if p.ValueCodeableConcept != nil {
		return p.ValueCodeableConcept
	}
	if p.ValueCoding != nil {
		return &r4.CodeableConcept{Coding: []r4.Coding{*p.ValueCoding}, Text: p.ValueCoding.Display}
	}
	return nil
}

func codingOf(p r4.Parameter) *r4.Coding {
	if p.ValueCoding != nil {
		return p.ValueCoding
	}
	if p.ValueCodeableConcept != nil && len(p.ValueCodeableConcept.Coding) > 0 {
		return &p.ValueCodeableConcept.Coding[0]
	}
	return nil
}

// Reset drops every list. Outstanding tickets become stale.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Forms returns the dose form candidates of a medication for a dosage.
func (c *Cache) Forms(medID, dosageKey string) List[r4.CodeableConcept] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.forms, medID, dosageKey).snapshot()
}

// Units returns the dose unit candidates of a medication for a dosage.
func (c *Cache) Units(medID, dosageKey string) List[r4.Coding] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.units, medID, dosageKey).snapshot()
}

// Amounts returns the package amount candidates of a medication for a dosage.
func (c *Cache) Amounts(medID, dosageKey string) List[r4.Quantity] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.amounts, medID, dosageKey).snapshot()
}

// Strengths returns the strength candidates of an ingredient for a dosage.
func (c *Cache) Strengths(ingredient, dosageKey string) List[r4.Ratio] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.strengths, ingredient, dosageKey).snapshot()
}

// Routes returns the route candidates of a dosage.
func (c *Cache) Routes(dosageKey string) List[r4.CodeableConcept] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routes[dosageKey].snapshot()
}
