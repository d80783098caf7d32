// Package conesearch finds catalog rows within an angular radius of a set
// of positions. The SQL searcher prunes in two phases: a declination zone /
// RA window prefilter evaluated by the database, then the exact haversine
// separation.
package conesearch

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/soniakeys/meeus/v3/angle"
	"github.com/soniakeys/unit"

	"github.com/marshallengine/marshall/internal/astro"
	"github.com/marshallengine/marshall/internal/bucket"
	mErrors "github.com/marshallengine/marshall/internal/errors"
	"github.com/marshallengine/marshall/pkg/types"
)

// regionPad widens the prefilter region so rounding in the database never
// drops a row the exact test would keep.
const regionPad = 1e-6

// Point is a search position in degrees.
type Point struct {
	RADeg  float64
	DecDeg float64
}

// Candidate is a catalog row returned by a search.
type Candidate struct {
	PrimaryKeyID int64
	SharedID     types.SharedID
	Name         string
	RADeg        float64
	DecDeg       float64
}

// Match pairs the index of a query point with a row found near it.
type Match struct {
	Index      int
	Row        Candidate
	Separation unit.Angle
}

// Query is a batch cone search.
type Query struct {
	Points []Point
	Radius unit.Angle

	// Where restricts the rows searched, e.g. master_id_flag = 1
	Where []bucket.Predicate

	// Closest keeps only the nearest row per point
	Closest bool

	// Distinct keeps one row per shared id per point
	Distinct bool
}

// Searcher answers cone searches. Matches are grouped by point index in
// ascending order and, within a point, ordered by separation; points
// without a match are omitted.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Match, error)
}

// RegionFinder returns rows inside a prefilter region.
type RegionFinder interface {
	FindInRegion(ctx context.Context, r bucket.Region, preds []bucket.Predicate) ([]bucket.PositionedRow, error)
}

// SQLSearcher searches zone-indexed catalog rows.
type SQLSearcher struct {
	finder     RegionFinder
	zoneHeight float64
}

// NewSQLSearcher creates a searcher over rows indexed with zones of the
// given height in degrees.
func NewSQLSearcher(finder RegionFinder, zoneHeightDeg float64) *SQLSearcher {
	return &SQLSearcher{finder: finder, zoneHeight: zoneHeightDeg}
}

// Search runs q point by point.
func (s *SQLSearcher) Search(ctx context.Context, q Query) ([]Match, error) {
	if q.Radius <= 0 {
		return nil, fmt.Errorf("conesearch: radius must be positive, got %v", q.Radius.Deg())
	}
	radiusDeg := q.Radius.Deg()

	var out []Match
	for i, p := range q.Points {
		if err := ctx.Err(); err != nil {
			return nil, mErrors.NewTransientError(mErrors.CodeSearchFailed, "cone search interrupted", err)
		}
		if err := types.ValidateCoordinates(p.RADeg, p.DecDeg); err != nil {
			return nil, fmt.Errorf("conesearch: point %d: %w", i, err)
		}

		rows, err := s.finder.FindInRegion(ctx, Region(p, radiusDeg, s.zoneHeight), q.Where)
		if err != nil {
			return nil, mErrors.NewTransientError(mErrors.CodeSearchFailed,
				fmt.Sprintf("cone search around (%.6f, %.6f) failed", p.RADeg, p.DecDeg), err)
		}

		out = append(out, selectMatches(i, p, rows, q)...)
	}
	return out, nil
}

// selectMatches applies the exact separation test and the closest and
// distinct reductions to the prefiltered rows of one point.
func selectMatches(index int, p Point, rows []bucket.PositionedRow, q Query) []Match {
	ra := unit.AngleFromDeg(p.RADeg)
	dec := unit.AngleFromDeg(p.DecDeg)

	var matches []Match
	for _, r := range rows {
		sep := Separation(ra, dec, unit.AngleFromDeg(r.RADeg), unit.AngleFromDeg(r.DecDeg))
		if !withinRadius(sep, q.Radius) {
			continue
		}
		matches = append(matches, Match{
			Index: index,
			Row: Candidate{
				PrimaryKeyID: r.PrimaryKeyID,
				SharedID:     r.SharedID,
				Name:         r.Name,
				RADeg:        r.RADeg,
				DecDeg:       r.DecDeg,
			},
			Separation: sep,
		})
	}

	// nearest first; equal separations go to the oldest object, then row
	sort.SliceStable(matches, func(a, b int) bool {
		ma, mb := matches[a], matches[b]
		if ma.Separation != mb.Separation {
			return ma.Separation < mb.Separation
		}
		if ma.Row.SharedID != mb.Row.SharedID {
			return ma.Row.SharedID < mb.Row.SharedID
		}
		return ma.Row.PrimaryKeyID < mb.Row.PrimaryKeyID
	})

	if q.Distinct {
		seen := make(map[types.SharedID]bool, len(matches))
		kept := matches[:0]
		for _, m := range matches {
			if seen[m.Row.SharedID] {
				continue
			}
			seen[m.Row.SharedID] = true
			kept = append(kept, m)
		}
		matches = kept
	}
	if q.Closest && len(matches) > 1 {
		matches = matches[:1]
	}
	return matches
}

// withinRadius is an inclusive comparison tolerant of the last bits of
// floating point error.
func withinRadius(sep, radius unit.Angle) bool {
	return sep.Rad() <= radius.Rad()+1e-12
}

// Separation returns the great-circle distance between two positions.
func Separation(ra1, dec1, ra2, dec2 unit.Angle) unit.Angle {
	return angle.SepHav(ra1, dec1, ra2, dec2)
}

// Region returns the prefilter region of a cone of radiusDeg around p.
func Region(p Point, radiusDeg, zoneHeightDeg float64) bucket.Region {
	r := radiusDeg + regionPad
	lo, hi := astro.ZoneRange(p.DecDeg, r, zoneHeightDeg)
	region := bucket.Region{
		ZoneLo: lo,
		ZoneHi: hi,
		DecLo:  math.Max(p.DecDeg-r, -90),
		DecHi:  math.Min(p.DecDeg+r, 90),
	}

	half, bounded := astro.RAWindow(p.DecDeg, r)
	if !bounded {
		return region
	}
	raLo, raHi := p.RADeg-half, p.RADeg+half
	switch {
	case raLo < 0:
		region.RAIntervals = [][2]float64{{0, raHi}, {raLo + 360, 360}}
	case raHi >= 360:
		region.RAIntervals = [][2]float64{{raLo, 360}, {0, raHi - 360}}
	default:
		region.RAIntervals = [][2]float64{{raLo, raHi}}
	}
	return region
}
