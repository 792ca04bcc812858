package model

// ChangeEntry is one record from a remote `_changes` feed. Revs lists the
// candidate revIds the server believes are current for DocID; with
// style=all_docs it may contain more than one (conflicting branches).
//
// The feed guarantees Seq values are monotonically increasing within a
// single connection; they are opaque strings on the wire (CouchDB uses
// both integers and vector-clock-shaped strings depending on backend) but
// this module treats them as decimal integers, matching the reference
// remote peer this core was built against.
type ChangeEntry struct {
	Seq     int64
	DocID   string
	Revs    []string
	Deleted bool
}
