package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_IDBlockContiguous checks that an allocated block expands to
// strictly increasing, distinct ids starting at First.
func TestProperty_IDBlockContiguous(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("block ids are First, First+1, ... First+Count-1", prop.ForAll(
		func(first int64, count int) bool {
			b := IDBlock{First: SharedID(first), Count: count}
			ids := b.IDs()
			if len(ids) != count {
				return false
			}
			for i, id := range ids {
				if id != SharedID(first)+SharedID(i) {
					return false
				}
				if i > 0 && ids[i-1] >= id {
					return false
				}
				if !b.Contains(id) {
					return false
				}
			}
			return count == 0 || b.Last() == ids[len(ids)-1]
		},
		gen.Int64Range(1, 1<<40),
		gen.IntRange(0, 500),
	))

	properties.Property("SortSharedIDs yields strictly increasing ids", prop.ForAll(
		func(raw []int64) bool {
			ids := make([]SharedID, len(raw))
			for i, v := range raw {
				ids[i] = SharedID(v)
			}
			sorted := SortSharedIDs(ids)
			for i := 1; i < len(sorted); i++ {
				if sorted[i-1] >= sorted[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 50)),
	))

	properties.TestingRun(t)
}

func TestIDBlock_Empty(t *testing.T) {
	var b IDBlock
	if ids := b.IDs(); ids != nil {
		t.Errorf("expected nil ids for empty block, got %v", ids)
	}
	if b.Last() != 0 {
		t.Errorf("expected zero Last for empty block, got %d", b.Last())
	}
	if b.Contains(0) {
		t.Error("empty block should contain nothing")
	}
}
