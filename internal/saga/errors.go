package saga

import (
	"errors"
	"fmt"
)

// ErrSyncFailure matches every *SyncFailure through errors.Is.
var ErrSyncFailure = errors.New("mirror sync failed")

// Op names the write an orchestrator call performed.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entity names the kind of record an orchestrator call wrote.
type Entity string

const (
	EntityCard         Entity = "card"
	EntityRelationship Entity = "relationship"
)

// CompensationOutcome reports whether the primary write was undone after the
// mirror write failed.
type CompensationOutcome string

const (
	// CompensatedOK means the entity store is back to its pre-call state.
	CompensatedOK CompensationOutcome = "compensated"

	// CompensationFailed means the undo failed too. The entity store holds
	// the new state and the mirror does not: the stores have diverged.
	CompensationFailed CompensationOutcome = "compensation_failed"
)

// SyncFailure is returned when the primary write succeeded but the mirror
// write did not.
type SyncFailure struct {
	// Op is the write that was attempted.
	Op Op

	// Entity is the kind of record written.
	Entity Entity

	// ID identifies the record in both stores.
	ID string

	// MirrorErr is the error returned by the mirror store.
	MirrorErr error

	// Outcome reports how compensation went.
	Outcome CompensationOutcome

	// CompensationErr is set when Outcome is CompensationFailed.
	CompensationErr error
}

func (e *SyncFailure) Error() string {
	if e.Outcome == CompensationFailed {
		return fmt.Sprintf("%s %s %s: mirror write failed: %v; compensation failed: %v",
			e.Op, e.Entity, e.ID, e.MirrorErr, e.CompensationErr)
	}
	return fmt.Sprintf("%s %s %s: mirror write failed, primary write undone: %v",
		e.Op, e.Entity, e.ID, e.MirrorErr)
}

// Unwrap exposes both the mirror and compensation errors to errors.Is/As.
func (e *SyncFailure) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.MirrorErr != nil {
		errs = append(errs, e.MirrorErr)
	}
	if e.CompensationErr != nil {
		errs = append(errs, e.CompensationErr)
	}
	return errs
}

func (e *SyncFailure) Is(target error) bool {
	return target == ErrSyncFailure
}

// Inconsistent reports whether the stores were left diverged.
func (e *SyncFailure) Inconsistent() bool {
	return e.Outcome == CompensationFailed
}

// AsSyncFailure extracts a *SyncFailure from err's chain.
func AsSyncFailure(err error) (*SyncFailure, bool) {
	var sf *SyncFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}

// IsInconsistent returns true if err carries a SyncFailure whose
// compensation failed.
func IsInconsistent(err error) bool {
	sf, ok := AsSyncFailure(err)
	return ok && sf.Inconsistent()
}
