package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := SetWith(3, 1, 2, 3)
	assert.Len(t, s, 3)
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(7))
	s.Insert(7)
	assert.True(t, s.Has(7))
	assert.Equal(t, []int{1, 2, 3, 7}, Sorted(s))
}

func TestSortedOfEmptySet(t *testing.T) {
	var s Set[string]
	assert.Empty(t, Sorted(s))
}
