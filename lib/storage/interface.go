package storage

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Item is a stored value together with its metadata. The Value slice is
// shared with the engine after a Get: the engine hands out a reference
// to the stored slice that it never mutates in place, so request
// workers may read it without holding any storage lock.
type Item struct {
	Value []byte
	// Flags is the opaque 32-bit value the text cache protocol stores
	// with every item and returns verbatim on retrieval.
	Flags uint32
	// CAS is the compare-and-swap token assigned on the last mutation.
	CAS uint64
	// ExpiresAt is the absolute expiry in unix nanoseconds (0 = never).
	ExpiresAt int64
}

// IStorage is the interface between the request-processing layer and the
// cache engine. Every method is synchronous and safe for concurrent use
// from all workers. Value slices are shared, not copied: Get hands out
// the engine's stored slice and the store operations keep the slice
// they are given. The engine never mutates a stored slice in place.
type IStorage interface {
	// Get returns the item for key, or ok=false if absent or expired.
	Get(key string) (item Item, ok bool)
	// GetMulti returns the present, unexpired items among keys in
	// request order. Misses are skipped, not reported.
	GetMulti(keys []string) []KeyedItem
	// Set unconditionally stores value under key.
	Set(key string, value []byte, flags uint32, ttl uint64) Status
	// Add stores only if key is absent; NotStored if it exists.
	Add(key string, value []byte, flags uint32, ttl uint64) Status
	// Replace stores only if key exists; NotStored if it is absent.
	Replace(key string, value []byte, flags uint32, ttl uint64) Status
	// Append appends data to an existing value; NotStored if absent.
	Append(key string, data []byte) Status
	// Prepend prepends data to an existing value; NotStored if absent.
	Prepend(key string, data []byte) Status
	// CAS stores only if the item's current token matches cas.
	// Returns Stored, Exists (token mismatch) or NotFound.
	CAS(key string, value []byte, flags uint32, ttl uint64, cas uint64) Status
	// Delete removes key. Returns Deleted or NotFound.
	Delete(key string) Status
	// Incr adds delta to a decimal value, wrapping on overflow.
	Incr(key string, delta uint64) (uint64, Status)
	// Decr subtracts delta from a decimal value, saturating at zero.
	Decr(key string, delta uint64) (uint64, Status)
	// FlushAll invalidates all items. With delay > 0 the flush takes
	// effect that many seconds in the future; items stored before the
	// deadline become invisible once it passes.
	FlushAll(delay uint64)
	// Stats returns engine statistics as a name->value map.
	Stats() map[string]string
	// Close stops the background expiry sweeper.
	Close()
}

// KeyedItem pairs a key with its item for multi-key retrieval.
type KeyedItem struct {
	Key  string
	Item Item
}

// --------------------------------------------------------------------------
// Operation Status Codes
// --------------------------------------------------------------------------

// Status is the outcome of a storage mutation. The request layer maps
// these onto protocol-specific reply lines.
type Status uint8

const (
	StatusStored     Status = iota // mutation applied
	StatusNotStored                // precondition failed (add/replace/append)
	StatusExists                   // CAS token mismatch
	StatusNotFound                 // key absent
	StatusDeleted                  // delete applied
	StatusNonNumeric               // incr/decr on a non-decimal value
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusStored:
		return "stored"
	case StatusNotStored:
		return "not_stored"
	case StatusExists:
		return "exists"
	case StatusNotFound:
		return "not_found"
	case StatusDeleted:
		return "deleted"
	case StatusNonNumeric:
		return "non_numeric"
	default:
		return "unknown"
	}
}
