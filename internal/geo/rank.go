package geo

import "sort"

// Candidate is a provider shown on the map. Position is nil when the provider
// has not published one.
type Candidate struct {
	ID       string    `json:"id"`
	Position *Position `json:"position,omitempty"`
}

// Ranked is a Candidate annotated with its distance from the origin.
// HasDistance is false for candidates without a usable position.
type Ranked struct {
	Candidate
	DistanceKM  float64 `json:"distance_km"`
	HasDistance bool    `json:"has_distance"`
}

// Rank orders candidates by ascending distance from origin. Candidates with a
// missing or invalid position sort last in their original order. An invalid or
// nil origin leaves every candidate without a distance.
func Rank(origin *Position, candidates []Candidate) []Ranked {
	out := make([]Ranked, len(candidates))
	originOK := origin != nil && origin.Valid()
	for i, c := range candidates {
		out[i] = Ranked{Candidate: c}
		if !originOK || c.Position == nil || !c.Position.Valid() {
			continue
		}
		out[i].DistanceKM = Haversine(*origin, *c.Position)
		out[i].HasDistance = true
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.HasDistance && b.HasDistance:
			return a.DistanceKM < b.DistanceKM
		case a.HasDistance:
			return true
		default:
			return false
		}
	})
	return out
}
