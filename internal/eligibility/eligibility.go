// Package eligibility decides which candidate workers may receive an
// emergency dispatch. Every predicate is pure and evaluated independently
// so callers can report exactly which one excluded a candidate.
package eligibility

import (
	"slices"

	"github.com/albapepper/gig-dispatch/internal/geo"
)

// DefaultRadiusKm applies when a candidate has not set a service radius.
const DefaultRadiusKm = 20.0

// Query is the part of a dispatch request the filter looks at.
type Query struct {
	Point   geo.Point
	SkillID string // empty matches any candidate
}

// Candidate is the read projection of a worker profile.
type Candidate struct {
	ID       string
	Online   bool
	Location *geo.Point
	RadiusKm *float64
	Skills   []string
	Entitled bool // current plan includes emergency dispatch
}

// Radius returns the candidate's service radius, defaulting when unset.
func (c Candidate) Radius() float64 {
	if c.RadiusKm == nil {
		return DefaultRadiusKm
	}
	return *c.RadiusKm
}

// Predicates holds the outcome of each individual check.
type Predicates struct {
	Entitlement bool `json:"entitlement"`
	SkillMatch  bool `json:"skillMatch"`
	Presence    bool `json:"online"`
	Proximity   bool `json:"inRange"`
}

// All reports whether every predicate passed.
func (p Predicates) All() bool {
	return p.Entitlement && p.SkillMatch && p.Presence && p.Proximity
}

// Result is the full evaluation of one candidate.
type Result struct {
	Predicates
	DistanceKm *float64 // nil when the candidate has no location
	RadiusKm   float64
	Eligible   bool
}

// Evaluate runs all four predicates against c.
func Evaluate(q Query, c Candidate) Result {
	r := Result{
		Predicates: Predicates{
			Entitlement: Entitlement(c),
			SkillMatch:  SkillMatch(q.SkillID, c),
			Presence:    Presence(c),
		},
		RadiusKm: c.Radius(),
	}
	if c.Location != nil {
		d := geo.DistanceKm(q.Point, *c.Location)
		r.DistanceKm = &d
		r.Proximity = d <= r.RadiusKm
	}
	r.Eligible = r.All()
	return r
}

// IsEligible reports whether c passes every predicate for q.
func IsEligible(q Query, c Candidate) bool {
	return Evaluate(q, c).Eligible
}

// Entitlement passes when the candidate's plan grants emergency dispatch.
func Entitlement(c Candidate) bool {
	return c.Entitled
}

// SkillMatch passes when no skill was requested or the candidate lists it.
func SkillMatch(skillID string, c Candidate) bool {
	if skillID == "" {
		return true
	}
	return slices.Contains(c.Skills, skillID)
}

// Presence passes when the candidate is online.
func Presence(c Candidate) bool {
	return c.Online
}

// Proximity passes when the candidate is located within its radius of p.
func Proximity(p geo.Point, c Candidate) bool {
	if c.Location == nil {
		return false
	}
	return geo.DistanceKm(p, *c.Location) <= c.Radius()
}
