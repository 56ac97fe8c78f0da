package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID         = "id"
	fieldKind       = "kind"
	fieldPayload    = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt = "producedAt" // int64 ns
	fieldMetaPrefix = "meta:"
)

// Read cursors: pending entries of this consumer, then new ones.
const (
	cursorPending = "0"
	cursorNew     = ">"
)
