package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies a DatabaseError for callers that branch on failure class
// rather than on the operation-specific code.
type Kind int

const (
	KindStorage Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindState
	KindTimeout
)

// Operation-specific error codes. Codes are stable: they cross the public
// boundary and are matched by callers and tests.
const (
	CodeFindOne        = "FIND_ONE_ERROR"
	CodeFindByID       = "FIND_BY_ID_ERROR"
	CodeFindMany       = "FIND_MANY_ERROR"
	CodeInsert         = "INSERT_ERROR"
	CodeInsertMany     = "INSERT_MANY_ERROR"
	CodeUpdate         = "UPDATE_ERROR"
	CodeUpdateMany     = "UPDATE_MANY_ERROR"
	CodeUpsert         = "UPSERT_ERROR"
	CodeUpsertMany     = "UPSERT_MANY_ERROR"
	CodeDelete         = "DELETE_ERROR"
	CodeDeleteMany     = "DELETE_MANY_ERROR"
	CodeCount          = "COUNT_ERROR"
	CodeAggregate      = "AGGREGATE_ERROR"
	CodeBulkWrite      = "BULK_WRITE_ERROR"
	CodeTransaction    = "TRANSACTION_ERROR"
	CodeDuplicateKey   = "DUPLICATE_KEY_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeValidation     = "VALIDATION_ERROR"
	CodeQueryTimeout   = "QUERY_TIMEOUT"
	CodeConnectionLost = "CONNECTION_LOST"

	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionExpired  = "SESSION_EXPIRED"
	CodeSessionInvalid  = "SESSION_INVALID"
	CodeTokenSign       = "TOKEN_SIGN_ERROR"

	CodeUnknownCollection = "UNKNOWN_COLLECTION"
	CodeInvalidParent     = "INVALID_PARENT"
)

// DatabaseError is the only error type that crosses the data layer's public
// boundary. It carries a stable code, a human message, and optional
// operation details, and wraps the underlying cause for errors.Is/As.
type DatabaseError struct {
	Code    string
	Message string
	Details map[string]any
	Kind    Kind
	cause   error
}

func (e *DatabaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DatabaseError) Unwrap() error { return e.cause }

// Is matches two DatabaseErrors by code, so callers can compare against a
// sentinel like dberr.New(dberr.CodeNotFound, "") with errors.Is.
func (e *DatabaseError) Is(target error) bool {
	var t *DatabaseError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns e with an extra detail attached.
func (e *DatabaseError) WithDetail(key string, value any) *DatabaseError {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// New builds a DatabaseError with a kind inferred from the code.
func New(code, message string) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Kind: kindOf(code)}
}

// Wrap builds a DatabaseError around an underlying cause.
func Wrap(code, message string, cause error) *DatabaseError {
	return &DatabaseError{Code: code, Message: message, Kind: kindOf(code), cause: cause}
}

func kindOf(code string) Kind {
	switch code {
	case CodeValidation, CodeSessionInvalid:
		return KindValidation
	case CodeNotFound, CodeSessionNotFound, CodeUnknownCollection:
		return KindNotFound
	case CodeDuplicateKey:
		return KindConflict
	case CodeSessionExpired, CodeInvalidParent:
		return KindState
	case CodeQueryTimeout:
		return KindTimeout
	default:
		return KindStorage
	}
}

// CodeOf extracts the stable code from err, or "" when err is not a
// DatabaseError.
func CodeOf(err error) string {
	var de *DatabaseError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsNotFound reports whether err represents a missing document or session.
func IsNotFound(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de) && de.Kind == KindNotFound
}

// IsConflict reports whether err is a uniqueness violation.
func IsConflict(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de) && de.Kind == KindConflict
}

// IsTimeout reports whether err is an exceeded max-execution-time.
func IsTimeout(err error) bool {
	var de *DatabaseError
	return errors.As(err, &de) && de.Kind == KindTimeout
}
