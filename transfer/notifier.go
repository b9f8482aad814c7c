package transfer

// Notifier is the contract through which transfer execution reports state
// and progress changes, and through which persisted records are re-attached
// to live execution context after a process restart.
//
// Implementers own the restoration lookups: the registry persists only a
// record's RestorationID, never a live client, so ClientFor and OptionsFor
// must resolve that opaque key back to whatever the handler needs to run
// the transfer.
type Notifier interface {
	// OnUpdate reports a state change. progress is nil for state-only
	// updates where the byte count is unknown or unchanged.
	OnUpdate(rec *Record, state State, progress *Progress)

	// OnFailure reports a terminal failure.
	OnFailure(rec *Record, err error)

	// OnCompletion reports successful completion.
	OnCompletion(rec *Record)

	// ClientFor resolves the executing client for a restoration ID.
	// Returns nil when the ID is unknown.
	ClientFor(restorationID string) any

	// OptionsFor resolves the execution options for a restoration ID.
	// Returns nil when the ID is unknown.
	OptionsFor(restorationID string) any
}
