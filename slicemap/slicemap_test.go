package slicemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAtOutOfRangeReturnsNil(t *testing.T) {
	var items []*int
	assert.Nil(t, GetAt(items, 0))
}

func TestSetAtThenGetAt(t *testing.T) {
	var items []*int
	five := 5
	items = SetAt(items, 3, &five)
	assert.Equal(t, &five, GetAt(items, 3))
	assert.Nil(t, GetAt(items, 0), "slots skipped while growing must remain nil")
}

func TestSetAtGrowsSliceExactlyEnough(t *testing.T) {
	var items []*int
	v := 1
	items = SetAt(items, 0, &v)
	assert.Len(t, items, 1)
	items = SetAt(items, 5, &v)
	assert.Len(t, items, 6)
}

func TestSetAtOverwritesExistingSlot(t *testing.T) {
	var items []*int
	a, b := 1, 2
	items = SetAt(items, 2, &a)
	items = SetAt(items, 2, &b)
	assert.Equal(t, &b, GetAt(items, 2))
}

func TestToMapSkipsUnsetSlots(t *testing.T) {
	var items []*int
	a, b := 1, 2
	items = SetAt(items, 0, &a)
	items = SetAt(items, 4, &b)

	m := ToMap(items)
	assert.Len(t, m, 2)
	assert.Equal(t, &a, m[0])
	assert.Equal(t, &b, m[4])
	_, ok := m[2]
	assert.False(t, ok)
}

func TestToMapEmpty(t *testing.T) {
	m := ToMap[int](nil)
	assert.Empty(t, m)
}
