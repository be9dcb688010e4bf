package triage

import (
	"fmt"

	"github.com/openctemio/sast-triage/pkg/domain/shared"
)

// Errors returned by scan repositories and the scan entity.
var (
	ErrScanNotFound           = shared.NewDomainError("SCAN_NOT_FOUND", "scan not found", shared.ErrNotFound)
	ErrConcurrentModification = shared.NewDomainError("CONCURRENT_MODIFICATION", "scan was modified concurrently", shared.ErrConflict)
	ErrScanActive             = shared.NewDomainError("SCAN_ACTIVE", "scan is running or paused and cannot be deleted", shared.ErrConflict)
	ErrCursorExhausted        = shared.NewDomainError("CURSOR_EXHAUSTED", "every finding of the scan already has an analysis", shared.ErrConflict)
)

// TransitionError reports a rejected lifecycle transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: scan is %s, cannot move to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return shared.ErrInvalidTransition
}
