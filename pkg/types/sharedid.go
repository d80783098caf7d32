// Package types provides the core records shared by the marshall ingestion
// pipeline: staged feeder detections, transient bucket rows, object summaries
// and the per-table column maps that relate them.
package types

import (
	"slices"
	"strconv"
)

// SharedID is the durable cross-survey identifier of an astrophysical object
// (the transientBucketId of the marshall database). Values are allocated
// monotonically and never reused. The zero value means "unassigned".
type SharedID int64

// Valid reports whether the id has been assigned.
func (id SharedID) Valid() bool {
	return id > 0
}

// String returns the decimal form of the id.
func (id SharedID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// IDBlock is a contiguous run of freshly allocated shared ids. The block is
// consumed in input order: the i-th name handed to the allocator receives
// First+i.
type IDBlock struct {
	First SharedID
	Count int
}

// IDs expands the block into its ids, in allocation order.
func (b IDBlock) IDs() []SharedID {
	if b.Count <= 0 {
		return nil
	}
	ids := make([]SharedID, b.Count)
	for i := range ids {
		ids[i] = b.First + SharedID(i)
	}
	return ids
}

// Last returns the highest id in the block, or zero for an empty block.
func (b IDBlock) Last() SharedID {
	if b.Count <= 0 {
		return 0
	}
	return b.First + SharedID(b.Count-1)
}

// Contains reports whether id falls inside the block.
func (b IDBlock) Contains(id SharedID) bool {
	return b.Count > 0 && id >= b.First && id <= b.Last()
}

// SortSharedIDs sorts ids ascending in place and removes duplicates.
func SortSharedIDs(ids []SharedID) []SharedID {
	slices.Sort(ids)
	return slices.Compact(ids)
}
