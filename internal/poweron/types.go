// Package poweron holds the address domain types and the client for the
// poweron.toe.com.ua data API. The API is an autocomplete source: each
// resolution level (settlement, street, building) is a filtered listing
// keyed by the already-resolved parent identifiers.
package poweron

import (
	"fmt"
	"strings"
)

// Step identifies a level of the address resolution wizard.
type Step int

const (
	StepSettlement Step = iota
	StepStreet
	StepBuilding
	StepDone
)

// String returns the step name used in logs and prompts.
func (s Step) String() string {
	switch s {
	case StepSettlement:
		return "settlement"
	case StepStreet:
		return "street"
	case StepBuilding:
		return "building"
	case StepDone:
		return "done"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Next returns the step that follows s in the wizard order.
func (s Step) Next() Step {
	if s >= StepDone {
		return StepDone
	}
	return s + 1
}

// Queues carries the outage queue assignments the building endpoint reports
// alongside each account. Values are display strings ("3.1", "—", ...).
type Queues struct {
	GPV  string `json:"gpv"`
	GAV  string `json:"gav"`
	ACHR string `json:"achr"`
	GVSP string `json:"gvsp"`
	SGAV string `json:"sgav"`
}

// Candidate is a single match returned by the resolver for one step.
// Label is what the user sees; RawName is what the schedule site's own
// search inputs accept (settlement captions append the hromada, the site
// wants the bare name). ID is the upstream key used to scope the next step.
type Candidate struct {
	ID      int64  `json:"id"`
	Label   string `json:"label"`
	RawName string `json:"raw_name,omitempty"`
	Queues  Queues `json:"queues,omitempty"`
}

// SiteName returns the text to type into the schedule site for this
// candidate.
func (c Candidate) SiteName() string {
	if c.RawName != "" {
		return c.RawName
	}
	return c.Label
}

// Address is a fully resolved settlement+street+building triple. It is the
// key for rendering, history and pins.
type Address struct {
	Settlement Candidate `json:"settlement"`
	Street     Candidate `json:"street"`
	Building   Candidate `json:"building"`
}

// Key returns the stable identity of the address, built from the three
// upstream IDs. Two addresses with the same Key are the same address.
func (a Address) Key() string {
	return fmt.Sprintf("%d:%d:%d", a.Settlement.ID, a.Street.ID, a.Building.ID)
}

// Caption returns the human-readable one-line form of the address.
func (a Address) Caption() string {
	return strings.Join([]string{a.Settlement.Label, a.Street.Label, a.Building.Label}, ", ")
}
