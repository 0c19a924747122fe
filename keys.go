package wbcache

import (
	"errors"
	"iter"

	"github.com/unkn0wn-root/wbcache/store"
)

// ErrSizeUnknown is returned by KeyView.Len for views over unsized sequences.
var ErrSizeUnknown = errors.New("wbcache: size of key view unknown")

// KeyView is a read-only, lazy view of the keys of a sequence of entities.
type KeyView struct {
	seq   iter.Seq[store.Key]
	n     int
	sized bool
}

// KeysOf views the keys of seq. Len is unsupported.
func KeysOf[V any](seq iter.Seq[store.Entity[V]]) KeyView {
	return KeyView{seq: func(yield func(store.Key) bool) {
		for e := range seq {
			if !yield(e.Key) {
				return
			}
		}
	}}
}

// KeysOfSlice views the keys of es. Len is O(1).
func KeysOfSlice[V any](es []store.Entity[V]) KeyView {
	return KeyView{
		seq: func(yield func(store.Key) bool) {
			for _, e := range es {
				if !yield(e.Key) {
					return
				}
			}
		},
		n:     len(es),
		sized: true,
	}
}

// All yields each key as the underlying sequence produces its entity.
func (v KeyView) All() iter.Seq[store.Key] {
	if v.seq == nil {
		return func(func(store.Key) bool) {}
	}
	return v.seq
}

func (v KeyView) Len() (int, error) {
	if !v.sized {
		return 0, ErrSizeUnknown
	}
	return v.n, nil
}
