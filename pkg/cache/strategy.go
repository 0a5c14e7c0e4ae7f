package cache

// Strategy selects how the decorator populates the cache relative to the
// authoritative store.
type Strategy string

const (
	// CacheAside reads through the cache and populates it on miss.
	CacheAside Strategy = "cache_aside"

	// WriteThrough populates the cache synchronously on every write.
	WriteThrough Strategy = "write_through"

	// WriteBehind assumes writes are flushed asynchronously by an external
	// writer; reads never populate the cache to avoid racing an unflushed
	// write.
	WriteBehind Strategy = "write_behind"

	// RefreshAhead behaves like CacheAside; proactive refresh is the
	// backend's concern.
	RefreshAhead Strategy = "refresh_ahead"
)

// InvalidationPolicy selects how writes invalidate cached state.
type InvalidationPolicy string

const (
	// TTLOnly relies solely on entry expiry.
	TTLOnly InvalidationPolicy = "ttl_only"

	// WriteInvalidate drops the entity key and the whole query-cache
	// namespace on every write.
	WriteInvalidate InvalidationPolicy = "write_invalidate"

	// TagBased invalidates by tag; requires a backend with pattern deletes.
	TagBased InvalidationPolicy = "tag_based"

	// EventDriven leaves invalidation to external change events.
	EventDriven InvalidationPolicy = "event_driven"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case CacheAside, WriteThrough, WriteBehind, RefreshAhead:
		return true
	}
	return false
}

// Valid reports whether p is a known invalidation policy.
func (p InvalidationPolicy) Valid() bool {
	switch p {
	case TTLOnly, WriteInvalidate, TagBased, EventDriven:
		return true
	}
	return false
}
