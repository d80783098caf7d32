package types

import "fmt"

// UpdateState is the updateNeeded flag of an object summary.
type UpdateState int

const (
	// UpdateClean means every derived field is current
	UpdateClean UpdateState = 0
	// UpdateNew means the summary has never been computed
	UpdateNew UpdateState = 1
	// UpdateStale means new detections arrived since the last computation
	UpdateStale UpdateState = 2
)

// String returns a human readable state name.
func (s UpdateState) String() string {
	switch s {
	case UpdateClean:
		return "clean"
	case UpdateNew:
		return "new"
	case UpdateStale:
		return "stale"
	default:
		return fmt.Sprintf("UpdateState(%d)", int(s))
	}
}

// NeedsUpdate reports whether the aggregator should recompute the summary.
func (s UpdateState) NeedsUpdate() bool {
	return s == UpdateNew || s == UpdateStale
}

// CanTransition reports whether from -> to is an allowed updateNeeded
// transition: 1->0 and 2->0 after a computation, 0->2 when a detection
// arrives. Staying in the same state is always allowed.
func CanTransition(from, to UpdateState) bool {
	if from == to {
		return true
	}
	switch {
	case from == UpdateNew && to == UpdateClean:
		return true
	case from == UpdateStale && to == UpdateClean:
		return true
	case from == UpdateClean && to == UpdateStale:
		return true
	}
	return false
}

// ObjectSummary holds the derived per-object fields (transientBucketSummaries).
// Every field is recomputable from the CatalogEntry rows sharing SharedID,
// except BestRedshift which is supplied by classification.
type ObjectSummary struct {
	SharedID SharedID
	Name     string

	RADeg   *float64
	DecDeg  *float64
	GLonDeg *float64
	GLatDeg *float64
	ZoneID  *int64

	BestRedshift *float64
	DistanceMpc  *float64

	CurrentMag    *float64
	CurrentMagMJD *float64
	PeakMag       *float64
	EarliestMJD   *float64
	LatestMJD     *float64

	DetectionCount int

	UpdateNeeded UpdateState
}
