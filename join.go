package ecs

import (
	"fmt"
	"sort"
)

// Column is one side of a join: a Shared or Exclusive handle.
type Column[T any] interface {
	column
	load(EntityID) (T, bool)
	commit(EntityID, T) error
}

type column interface {
	componentType() ComponentType
	exclusive() bool
	source() ComponentView
	live() bool
}

// Join2 calls fn for every entity present in both a and b, in entity order, until fn
// returns false. Values of exclusive columns are written back after each call.
func Join2[A, B any](a Column[A], b Column[B], fn func(EntityID, *A, *B) bool) error {
	ids, err := intersect(a, b)
	if err != nil {
		return err
	}
	for _, id := range ids {
		va, okA := a.load(id)
		vb, okB := b.load(id)
		if !okA || !okB {
			continue
		}
		more := fn(id, &va, &vb)
		if err := a.commit(id, va); err != nil {
			return err
		}
		if err := b.commit(id, vb); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Join3 is Join2 over three columns.
func Join3[A, B, C any](a Column[A], b Column[B], c Column[C], fn func(EntityID, *A, *B, *C) bool) error {
	ids, err := intersect(a, b, c)
	if err != nil {
		return err
	}
	for _, id := range ids {
		va, okA := a.load(id)
		vb, okB := b.load(id)
		vc, okC := c.load(id)
		if !okA || !okB || !okC {
			continue
		}
		more := fn(id, &va, &vb, &vc)
		if err := a.commit(id, va); err != nil {
			return err
		}
		if err := b.commit(id, vb); err != nil {
			return err
		}
		if err := c.commit(id, vc); err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Intersect returns the entities present in every listed view, in entity order.
func Intersect(views ...ComponentView) []EntityID {
	if len(views) == 0 {
		return nil
	}
	ordered := append([]ComponentView(nil), views...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Len() < ordered[j].Len() })

	candidates := snapshotIDs(ordered[0])
	for _, view := range ordered[1:] {
		if len(candidates) == 0 {
			break
		}
		filtered := candidates[:0]
		for _, id := range candidates {
			if view.Has(id) {
				filtered = append(filtered, id)
			}
		}
		candidates = filtered
	}
	return candidates
}

func intersect(cols ...column) ([]EntityID, error) {
	seen := make(map[ComponentType]bool, len(cols))
	views := make([]ComponentView, 0, len(cols))
	for _, col := range cols {
		if !col.live() {
			return nil, ErrBorrowReleased
		}
		t := col.componentType()
		if prevExclusive, dup := seen[t]; dup && (prevExclusive || col.exclusive()) {
			return nil, fmt.Errorf("%w: %s", ErrJoinAliasing, t)
		}
		seen[t] = seen[t] || col.exclusive()
		views = append(views, col.source())
	}
	return Intersect(views...), nil
}
