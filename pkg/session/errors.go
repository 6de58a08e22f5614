package session

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Close when no session with the given id exists.
var ErrNotFound = errors.New("session not found")

// ErrProviderUnavailable indicates the packet-filter provider cannot be
// reached. Fatal during bootstrap; reported as degraded at runtime.
var ErrProviderUnavailable = errors.New("nat provider unavailable")

// ValidationError reports a malformed open request. No state is changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProvisioningError reports a provider failure during the install
// sequence. By the time it is returned, rollback has been attempted,
// the partial session record removed, and the ingress port released.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed at step %s: %v", e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TeardownError reports provider failures during the teardown sequence.
// It is advisory: the session has still been removed and its port
// released by the time it is returned.
type TeardownError struct {
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown completed with errors: %v", e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
