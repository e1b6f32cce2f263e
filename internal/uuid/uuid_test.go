package uuid

import (
	"slices"
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrderedIsV7(t *testing.T) {
	id, err := guuid.Parse(NewOrdered())
	require.NoError(t, err)
	assert.Equal(t, guuid.Version(7), id.Version())
}

func TestNewOrderedSortsByCreation(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = NewOrdered()
	}
	assert.True(t, slices.IsSorted(ids))
	assert.Len(t, slices.Compact(slices.Clone(ids)), len(ids), "ids are unique")
}
