package model

// Checkpoint is the local view of a remote `_local/<id>` sequence marker.
//
// DocID is the stable hash of (localUUID, remoteURL, direction) — see
// checkpoint.ID. LastSequence is opaque to this type; the checkpoint
// package treats it as a decimal string mirroring ChangeEntry.Seq.
// Rev is the opaque revision token the remote returned for the `_local`
// doc; it must be echoed back on the next PUT or the save is rejected
// with 409.
type Checkpoint struct {
	DocID        string
	LastSequence string
	Rev          string

	// Extra holds fields the remote's `_local` doc carried that this
	// module does not interpret. Per spec, unknown fields are echoed back
	// verbatim on save rather than dropped.
	Extra map[string]interface{}
}
