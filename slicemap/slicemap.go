// Package slicemap implements an id-dense, slice-backed map keyed by
// uint16, used to look up Schema and Channel records by ID in O(1) without
// the overhead of a Go map for the common case of densely-assigned ids.
package slicemap

import "math"

// GetAt returns the item at idx, or nil if idx falls outside items.
func GetAt[T any](items []*T, idx uint16) *T {
	if int(idx) >= len(items) {
		return nil
	}
	return items[idx]
}

// SetAt inserts item at idx, growing items as needed, and returns the
// (possibly reallocated) slice.
func SetAt[T any](items []*T, idx uint16, item *T) []*T {
	if int(idx) >= len(items) {
		toAdd := int(idx) + 1 - len(items)
		items = append(items, make([]*T, toAdd)...)
	}
	items[idx] = item
	return items
}

// ToMap converts items to a uint16-keyed map, skipping unset slots.
func ToMap[T any](items []*T) map[uint16]*T {
	out := make(map[uint16]*T, len(items))
	for idx, item := range items {
		if idx > math.MaxUint16 {
			break
		}
		if item == nil {
			continue
		}
		out[uint16(idx)] = item
	}
	return out
}
