package model

import (
	"encoding/json"
	"reflect"
)

// QueryRow is one row of view-indexer output: a map/reduce key/value pair
// plus provenance back to the document and sequence that produced it.
type QueryRow struct {
	Key        interface{}
	Value      interface{}
	SourceDocID string
	Sequence   int64

	// DocumentProperties is the prefetched source document body, populated
	// only when the query requested it (include_docs-style).
	DocumentProperties map[string]interface{}
}

// Equal is structural equality on (Key, SourceDocID, DocumentProperties,
// Value), used to suppress spurious live-query change notifications when
// a re-run of a query yields the same rows in the same order.
func (r QueryRow) Equal(other QueryRow) bool {
	if r.SourceDocID != other.SourceDocID {
		return false
	}
	return jsonEqual(r.Key, other.Key) &&
		jsonEqual(r.Value, other.Value) &&
		reflect.DeepEqual(r.DocumentProperties, other.DocumentProperties)
}

// jsonEqual compares two values the way two round trips through JSON
// would: it normalises numeric types so an int64 key compares equal to
// the float64 it decodes to after a JSON round trip.
func jsonEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
