// Package locate obtains a requester position from a high-accuracy primary
// source with time-bounded, cross-validated network fallbacks.
package locate

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"matchlock/internal/geo"
	"matchlock/internal/obs"
)

// SentinelAccuracyM marks a default position that came from no real fix.
const SentinelAccuracyM = 1e7

const (
	DefaultHighAccuracyTimeout   = 5 * time.Second
	DefaultNetworkLocatorTimeout = 2 * time.Second
	DefaultOutlierKM             = 50.0
)

var ErrNoFix = errors.New("locate: no position available")

// Source produces one position fix.
type Source interface {
	Name() string
	Locate(ctx context.Context) (geo.Position, error)
}

// Fix is the selected position and where it came from.
type Fix struct {
	Position geo.Position `json:"position"`
	Source   string       `json:"source"`
	Fallback bool         `json:"fallback"`
}

// Acquirer implements the primary-then-fallback policy. The zero value uses
// the default timeouts and a (0,0) default position.
type Acquirer struct {
	Primary               Source
	Fallbacks             []Source
	HighAccuracyTimeout   time.Duration
	NetworkLocatorTimeout time.Duration
	OutlierKM             float64
	Default               geo.Position
	Logger                pslog.Logger

	group singleflight.Group
}

// Acquire runs the policy with the configured primary.
func (a *Acquirer) Acquire(ctx context.Context) (Fix, error) {
	return a.AcquireFor(ctx, "", a.Primary)
}

// AcquireFor runs the policy with primary in place of the configured one.
// Concurrent calls with the same key share one fallback resolution.
func (a *Acquirer) AcquireFor(ctx context.Context, key string, primary Source) (Fix, error) {
	logger := obs.EnsureLogger(a.Logger)
	if primary != nil {
		pctx, cancel := context.WithTimeout(ctx, orDefault(a.HighAccuracyTimeout, DefaultHighAccuracyTimeout))
		pos, err := primary.Locate(pctx)
		cancel()
		if err == nil && pos.Valid() {
			return Fix{Position: pos, Source: primary.Name()}, nil
		}
		if err == nil {
			err = errors.New("invalid coordinates")
		}
		logger.Debug("locate.primary.failed", "source", primary.Name(), "error", err)
	}
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}

	ch := a.group.DoChan("fallback:"+key, func() (any, error) {
		return a.fallback(context.WithoutCancel(ctx)), nil
	})
	select {
	case res := <-ch:
		return res.Val.(Fix), nil
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}
}

type sourceFix struct {
	idx int
	pos geo.Position
}

// fallback queries every fallback concurrently under one deadline.
func (a *Acquirer) fallback(ctx context.Context) Fix {
	logger := obs.EnsureLogger(a.Logger)
	if len(a.Fallbacks) == 0 {
		return a.defaultFix()
	}
	ctx, cancel := context.WithTimeout(ctx, orDefault(a.NetworkLocatorTimeout, DefaultNetworkLocatorTimeout))
	defer cancel()

	results := make(chan sourceFix, len(a.Fallbacks))
	for i, src := range a.Fallbacks {
		go func(i int, src Source) {
			pos, err := src.Locate(ctx)
			if err != nil || !pos.Valid() {
				if err != nil {
					logger.Debug("locate.fallback.failed", "source", src.Name(), "error", err)
				}
				results <- sourceFix{idx: -1}
				return
			}
			results <- sourceFix{idx: i, pos: pos}
		}(i, src)
	}

	var fixes []sourceFix
collect:
	for range a.Fallbacks {
		select {
		case r := <-results:
			if r.idx >= 0 {
				fixes = append(fixes, r)
			}
		case <-ctx.Done():
			break collect
		}
	}
	if len(fixes) == 0 {
		logger.Info("locate.fallback.default", "sources", len(a.Fallbacks))
		return a.defaultFix()
	}

	fixes = dropOutliers(fixes, orDefaultF(a.OutlierKM, DefaultOutlierKM))
	sort.SliceStable(fixes, func(i, j int) bool {
		if fixes[i].pos.AccuracyM != fixes[j].pos.AccuracyM {
			return fixes[i].pos.AccuracyM < fixes[j].pos.AccuracyM
		}
		return fixes[i].idx < fixes[j].idx
	})
	best := fixes[0]
	return Fix{Position: best.pos, Source: a.Fallbacks[best.idx].Name(), Fallback: true}
}

// dropOutliers removes fixes farther than maxKM from the coordinate-wise
// median. Fewer than three fixes carry no majority and are kept as is.
func dropOutliers(fixes []sourceFix, maxKM float64) []sourceFix {
	if len(fixes) < 3 {
		return fixes
	}
	lats := make([]float64, len(fixes))
	lngs := make([]float64, len(fixes))
	for i, f := range fixes {
		lats[i], lngs[i] = f.pos.Lat, f.pos.Lng
	}
	center := geo.Position{Lat: median(lats), Lng: median(lngs)}

	kept := fixes[:0:0]
	for _, f := range fixes {
		if geo.Haversine(center, f.pos) <= maxKM {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return fixes
	}
	return kept
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func (a *Acquirer) defaultFix() Fix {
	pos := a.Default
	pos.AccuracyM = SentinelAccuracyM
	return Fix{Position: pos, Source: "default", Fallback: true}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func orDefaultF(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
