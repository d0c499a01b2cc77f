package persistence

// Filter narrows the due query before an entity is claimed, e.g. "only
// orchestrators that are still running".
type Filter[T any] interface {
	Match(entity T) bool
}

// FilterFunc adapts a plain function to Filter.
type FilterFunc[T any] func(entity T) bool

func (f FilterFunc[T]) Match(entity T) bool { return f(entity) }

type allFilter[T any] []Filter[T]

func (a allFilter[T]) Match(entity T) bool {
	for _, f := range a {
		if f != nil && !f.Match(entity) {
			return false
		}
	}
	return true
}

// All matches when every non-nil filter matches.
func All[T any](filters ...Filter[T]) Filter[T] {
	return allFilter[T](filters)
}

// Matches treats a nil filter as "match everything".
func Matches[T any](filter Filter[T], entity T) bool {
	return filter == nil || filter.Match(entity)
}
