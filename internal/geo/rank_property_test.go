package geo_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"matchlock/internal/geo"
)

// TestRankProperties checks ordering and stability over random candidate sets.
func TestRankProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	origin := geo.Position{Lat: 35.5559, Lng: 6.1743}

	properties.Property("distances are non-decreasing and missing positions trail", prop.ForAll(
		func(lats []float64, lngs []float64, mask []bool) bool {
			cands := buildCandidates(lats, lngs, mask)
			ranked := geo.Rank(&origin, cands)
			if len(ranked) != len(cands) {
				return false
			}
			seenMissing := false
			prev := -1.0
			for _, r := range ranked {
				if !r.HasDistance {
					seenMissing = true
					continue
				}
				if seenMissing || r.DistanceKM < prev {
					return false
				}
				prev = r.DistanceKM
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-90, 90)),
		gen.SliceOf(gen.Float64Range(-180, 180)),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("missing positions keep their original relative order", prop.ForAll(
		func(lats []float64, lngs []float64, mask []bool) bool {
			cands := buildCandidates(lats, lngs, mask)
			var want []string
			for _, c := range cands {
				if c.Position == nil {
					want = append(want, c.ID)
				}
			}
			var got []string
			for _, r := range geo.Rank(&origin, cands) {
				if !r.HasDistance {
					got = append(got, r.ID)
				}
			}
			if len(got) != len(want) {
				return false
			}
			for i := range got {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-90, 90)),
		gen.SliceOf(gen.Float64Range(-180, 180)),
		gen.SliceOf(gen.Bool()),
	))

	properties.Property("haversine is symmetric", prop.ForAll(
		func(lat1, lng1, lat2, lng2 float64) bool {
			a := geo.Position{Lat: lat1, Lng: lng1}
			b := geo.Position{Lat: lat2, Lng: lng2}
			d1, d2 := geo.Haversine(a, b), geo.Haversine(b, a)
			diff := d1 - d2
			return diff < 1e-9 && diff > -1e-9
		},
		gen.Float64Range(-90, 90),
		gen.Float64Range(-180, 180),
		gen.Float64Range(-90, 90),
		gen.Float64Range(-180, 180),
	))

	properties.TestingRun(t)
}

func buildCandidates(lats, lngs []float64, mask []bool) []geo.Candidate {
	n := len(lats)
	if len(lngs) < n {
		n = len(lngs)
	}
	out := make([]geo.Candidate, 0, n)
	for i := 0; i < n; i++ {
		c := geo.Candidate{ID: string(rune('a'+i%26)) + string(rune('0'+i/26%10))}
		if i >= len(mask) || mask[i] {
			c.Position = &geo.Position{Lat: lats[i], Lng: lngs[i]}
		}
		out = append(out, c)
	}
	return out
}
