package ir

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes cache errors.
type ErrorCode string

const (
	// ErrCodeMalformedResponse: a payload failed normalization. Nothing from
	// it was merged.
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	// ErrCodeUnknownModel: a payload named a type the schema does not know.
	ErrCodeUnknownModel ErrorCode = "UNKNOWN_MODEL"

	// ErrCodeUnknownRelationship: a caller named a relationship field the
	// model does not declare.
	ErrCodeUnknownRelationship ErrorCode = "UNKNOWN_RELATIONSHIP"

	// ErrCodeMissingBackingData: a synchronous relationship was read before
	// its data was loaded.
	ErrCodeMissingBackingData ErrorCode = "MISSING_BACKING_DATA"

	// ErrCodeNotYetLoaded: a proxy's content was read before it settled.
	ErrCodeNotYetLoaded ErrorCode = "NOT_YET_LOADED"

	// ErrCodeFetchFailed: the adapter rejected, or the server answered with
	// an error document.
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// ErrCodeDanglingReference: a relationship points at an identity no
	// longer in the identity map and the configured policy escalates it.
	ErrCodeDanglingReference ErrorCode = "DANGLING_REFERENCE"

	// ErrCodeReloadBeforeCreate: reload was called on a relationship proxy
	// that has never loaded.
	ErrCodeReloadBeforeCreate ErrorCode = "RELOAD_BEFORE_CREATE"

	// ErrCodeSuperseded: the response belonged to a generation that was
	// superseded while in flight and was dropped.
	ErrCodeSuperseded ErrorCode = "SUPERSEDED"

	// ErrCodeIDConflict: a server id was assigned that another record owns.
	ErrCodeIDConflict ErrorCode = "ID_CONFLICT"

	// ErrCodeRecordNotFound: a lookup named an identity that is not present.
	ErrCodeRecordNotFound ErrorCode = "RECORD_NOT_FOUND"
)

// Error is the single error type of the cache. Code identifies the
// category; the remaining fields carry structured context for diagnostics.
type Error struct {
	Code    ErrorCode
	Message string

	// Identity is the record involved, when there is one.
	Identity Identity

	// Field is the relationship field involved, when there is one.
	Field string

	// RequestType is the request that failed, when there is one.
	RequestType RequestType

	// APIErrors holds the server's error objects for error documents.
	APIErrors []Object

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)

	var ctx []string
	if e.Identity.Valid() {
		ctx = append(ctx, "record="+e.Identity.Key())
	}
	if e.Field != "" {
		ctx = append(ctx, "field="+e.Field)
	}
	if e.RequestType != "" {
		ctx = append(ctx, "request="+string(e.RequestType))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c})
// works for sentinel-style checks.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == "" && !t.Identity.Valid()
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsMalformedResponse reports whether err is a normalization failure.
// Unknown models count as malformed responses.
func IsMalformedResponse(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeMalformedResponse || code == ErrCodeUnknownModel
}

// IsMissingBackingData reports whether err is a synchronous relationship
// read before load.
func IsMissingBackingData(err error) bool {
	return HasCode(err, ErrCodeMissingBackingData)
}

// IsNotYetLoaded reports whether err is a proxy read before settlement.
func IsNotYetLoaded(err error) bool {
	return HasCode(err, ErrCodeNotYetLoaded)
}

// IsFetchFailed reports whether err is an adapter or server failure.
func IsFetchFailed(err error) bool {
	return HasCode(err, ErrCodeFetchFailed)
}

// IsDanglingReference reports whether err is an escalated dangling member.
func IsDanglingReference(err error) bool {
	return HasCode(err, ErrCodeDanglingReference)
}

// IsReloadBeforeCreate reports whether err is a reload on a relationship
// that never loaded.
func IsReloadBeforeCreate(err error) bool {
	return HasCode(err, ErrCodeReloadBeforeCreate)
}

// IsSuperseded reports whether err is a dropped stale response.
func IsSuperseded(err error) bool {
	return HasCode(err, ErrCodeSuperseded)
}

// NewMalformedError creates a MALFORMED_RESPONSE error.
func NewMalformedError(rt RequestType, format string, args ...any) *Error {
	return &Error{
		Code:        ErrCodeMalformedResponse,
		Message:     fmt.Sprintf(format, args...),
		RequestType: rt,
	}
}

// NewMissingBackingDataError creates a MISSING_BACKING_DATA error.
func NewMissingBackingDataError(owner Identity, field string, detail string) *Error {
	return &Error{
		Code:     ErrCodeMissingBackingData,
		Message:  "synchronous relationship accessed before its data was loaded: " + detail,
		Identity: owner,
		Field:    field,
	}
}

// NewNotYetLoadedError creates a NOT_YET_LOADED error.
func NewNotYetLoadedError(owner Identity, field string) *Error {
	return &Error{
		Code:     ErrCodeNotYetLoaded,
		Message:  "relationship content read before the request settled",
		Identity: owner,
		Field:    field,
	}
}

// NewFetchFailedError wraps an adapter rejection.
func NewFetchFailedError(rt RequestType, id Identity, field string, cause error) *Error {
	return &Error{
		Code:        ErrCodeFetchFailed,
		Message:     "adapter request failed",
		Identity:    id,
		Field:       field,
		RequestType: rt,
		Err:         cause,
	}
}

// NewDanglingReferenceError creates a DANGLING_REFERENCE error.
func NewDanglingReferenceError(owner Identity, field string, missing Identity) *Error {
	return &Error{
		Code:     ErrCodeDanglingReference,
		Message:  fmt.Sprintf("relationship references %s which is not in the identity map", missing.Key()),
		Identity: owner,
		Field:    field,
	}
}

// NewReloadBeforeCreateError creates a RELOAD_BEFORE_CREATE error.
func NewReloadBeforeCreateError(owner Identity, field string) *Error {
	return &Error{
		Code:     ErrCodeReloadBeforeCreate,
		Message:  "reload before create: the relationship has never been loaded",
		Identity: owner,
		Field:    field,
	}
}

// NewSupersededError creates a SUPERSEDED error.
func NewSupersededError(rt RequestType, id Identity, field string, gen, current int64) *Error {
	return &Error{
		Code:        ErrCodeSuperseded,
		Message:     fmt.Sprintf("response for generation %d dropped, current generation is %d", gen, current),
		Identity:    id,
		Field:       field,
		RequestType: rt,
	}
}
