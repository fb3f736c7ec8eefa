package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationRequired indicates that no actor is present.
	ErrAuthenticationRequired = errors.New("rbac: authentication required")
	// ErrAuthorizationDenied indicates the actor lacks the required capability.
	ErrAuthorizationDenied = errors.New("rbac: not authorized")
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrConflict indicates a unique name collision.
	ErrConflict = errors.New("rbac: conflict")
	// ErrAlreadyAssigned indicates the actor already holds the role actively.
	ErrAlreadyAssigned = fmt.Errorf("%w: role already assigned", ErrConflict)
	// ErrValidation indicates a malformed payload.
	ErrValidation = errors.New("rbac: validation failed")
	// ErrStoreUnavailable indicates the relational store failed or timed out.
	ErrStoreUnavailable = errors.New("rbac: store unavailable")
)

// DeniedError is returned by guards when an authenticated actor fails a check.
// It matches ErrAuthorizationDenied with errors.Is.
type DeniedError struct {
	ActorID     int64
	Requirement string
}

func (e *DeniedError) Error() string {
	return e.Requirement + " required"
}

// Is reports whether target is ErrAuthorizationDenied.
func (e *DeniedError) Is(target error) bool {
	return target == ErrAuthorizationDenied
}

func permissionDenied(actorID int64, name PermissionName) *DeniedError {
	return &DeniedError{ActorID: actorID, Requirement: fmt.Sprintf("permission '%s'", name)}
}

func anyPermissionDenied(actorID int64, names []PermissionName) *DeniedError {
	if len(names) == 1 {
		return permissionDenied(actorID, names[0])
	}
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, "'"+string(n)+"'")
	}
	return &DeniedError{ActorID: actorID, Requirement: "one of permissions " + strings.Join(parts, ", ")}
}

func roleDenied(actorID int64, role string) *DeniedError {
	return &DeniedError{ActorID: actorID, Requirement: fmt.Sprintf("role '%s'", role)}
}

// classify leaves domain errors untouched and turns everything else coming
// out of the store into ErrStoreUnavailable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrConflict),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrStoreUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
