// Package errs defines the error taxonomy shared by the engine components.
// Every category is a distinct type so callers can branch with errors.As
// while still wrapping with fmt.Errorf("...: %w", err) at call sites.
package errs

import (
	"errors"
	"fmt"
)

// BadRequestError reports malformed input to a builder or command, such as
// mutually exclusive selector fields both supplied.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return "bad request: " + e.Reason
}

// BadRequest builds a BadRequestError with a formatted reason.
func BadRequest(format string, args ...interface{}) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that a target entity id does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// NotFound builds a NotFoundError for the given entity kind and id.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// AuthorizationError reports a tenant or permission violation. It always
// names the offending entity id; authorization failures are never silent
// for id-targeted operations.
type AuthorizationError struct {
	Kind string
	ID   string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to access %s %s", e.Kind, e.ID)
}

// Unauthorized builds an AuthorizationError for the given entity.
func Unauthorized(kind, id string) error {
	return &AuthorizationError{Kind: kind, ID: id}
}

// InvalidStateError reports a transition attempted from a terminal or
// incompatible state.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

// InvalidState builds an InvalidStateError with a formatted reason.
func InvalidState(format string, args ...interface{}) error {
	return &InvalidStateError{Reason: fmt.Sprintf(format, args...)}
}

// StructuralConflictError reports a violation of tree ownership invariants,
// such as restoring an execution whose parent is missing from the working
// set. Both ids are carried so callers can name them.
type StructuralConflictError struct {
	Reason    string
	EntityID  string
	RelatedID string
}

func (e *StructuralConflictError) Error() string {
	if e.RelatedID != "" {
		return fmt.Sprintf("structural conflict: %s (entity %s, related %s)", e.Reason, e.EntityID, e.RelatedID)
	}
	if e.EntityID != "" {
		return fmt.Sprintf("structural conflict: %s (entity %s)", e.Reason, e.EntityID)
	}
	return "structural conflict: " + e.Reason
}

// StructuralConflict builds a StructuralConflictError.
func StructuralConflict(reason, entityID, relatedID string) error {
	return &StructuralConflictError{Reason: reason, EntityID: entityID, RelatedID: relatedID}
}

// BusinessError is raised intentionally by a listener for the surrounding
// process to catch. Code is matched against error boundaries in the process
// model; an unmatched business error surfaces to the caller.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return "business error " + e.Code
	}
	return fmt.Sprintf("business error %s: %s", e.Code, e.Message)
}

// Business builds a BusinessError with the given code.
func Business(code, message string) error {
	return &BusinessError{Code: code, Message: message}
}

func IsBadRequest(err error) bool {
	var e *BadRequestError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsUnauthorized(err error) bool {
	var e *AuthorizationError
	return errors.As(err, &e)
}

func IsInvalidState(err error) bool {
	var e *InvalidStateError
	return errors.As(err, &e)
}

func IsStructuralConflict(err error) bool {
	var e *StructuralConflictError
	return errors.As(err, &e)
}

func IsBusiness(err error) bool {
	var e *BusinessError
	return errors.As(err, &e)
}
