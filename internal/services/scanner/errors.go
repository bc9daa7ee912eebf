package scanner

import (
	"errors"
	"fmt"

	"dastor/internal/ports"
)

var (
	// ErrNotFound is returned for scan ids neither live nor persisted.
	ErrNotFound = ports.ErrNotFound
	// ErrInvalidState is returned when a control operation does not apply to
	// the scan's current status, e.g. pausing a completed scan.
	ErrInvalidState = errors.New("scanner: operation not allowed in the current scan state")
	// ErrNotResumable is returned when no engine accepted a resume request.
	ErrNotResumable = errors.New("scanner: no engine accepted the resume request")
)

// panicError carries a recovered panic out of an engine call.
type panicError struct {
	value any
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// capture runs fn, turning a panic into a *panicError.
func capture(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	fn()
	return nil
}
