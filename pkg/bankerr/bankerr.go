// Package bankerr defines the tagged error kinds of the reasoning bank
// (input, state, capability, protocol, resource, storage, cancelled),
// following the propagation policy: input/state errors are returned to
// the caller, capability errors abort a stream, protocol errors abort a
// session, resource errors abort the offending stream, and Corrupt is
// fatal to the store.
package bankerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a BankError for dispatch by callers (e.g. the bus
// decides stream-abort vs session-abort based on Kind).
type Kind string

const (
	KindDimensionMismatch Kind = "dimension_mismatch"
	KindBadParameters     Kind = "bad_parameters"

	KindNotFound   Kind = "not_found"
	KindDuplicate  Kind = "duplicate"
	KindAlreadySet Kind = "already_set"

	KindSignatureInvalid Kind = "signature_invalid"
	KindExpired          Kind = "expired"
	KindNotYetValid      Kind = "not_yet_valid"
	KindScopeDenied      Kind = "scope_denied"
	KindSpendExhausted   Kind = "spend_exhausted"
	KindUnknownIssuer    Kind = "unknown_issuer"

	KindProtocolError     Kind = "protocol_error"
	KindFrameTooLarge     Kind = "frame_too_large"
	KindUnknownFrameKind  Kind = "unknown_frame_kind"
	KindUnsupportedVersion Kind = "unsupported_version"

	KindBackpressureAbort Kind = "backpressure_abort"
	KindTooManyStreams    Kind = "too_many_streams"
	KindTooManySessions   Kind = "too_many_sessions"

	KindStorageUnavailable Kind = "storage_unavailable"
	KindCorrupt            Kind = "corrupt"

	KindCancelled Kind = "cancelled"
)

// Category groups kinds the way spec §7 propagates them.
type Category string

const (
	CategoryInput      Category = "input"
	CategoryState      Category = "state"
	CategoryCapability Category = "capability"
	CategoryProtocol   Category = "protocol"
	CategoryResource   Category = "resource"
	CategoryStorage    Category = "storage"
	CategoryCancelled  Category = "cancelled"
)

var categoryOf = map[Kind]Category{
	KindDimensionMismatch: CategoryInput,
	KindBadParameters:     CategoryInput,

	KindNotFound:   CategoryState,
	KindDuplicate:  CategoryState,
	KindAlreadySet: CategoryState,

	KindSignatureInvalid: CategoryCapability,
	KindExpired:          CategoryCapability,
	KindNotYetValid:      CategoryCapability,
	KindScopeDenied:      CategoryCapability,
	KindSpendExhausted:   CategoryCapability,
	KindUnknownIssuer:    CategoryCapability,

	KindProtocolError:      CategoryProtocol,
	KindFrameTooLarge:      CategoryProtocol,
	KindUnknownFrameKind:   CategoryProtocol,
	KindUnsupportedVersion: CategoryProtocol,

	KindBackpressureAbort: CategoryResource,
	KindTooManyStreams:    CategoryResource,
	KindTooManySessions:   CategoryResource,

	KindStorageUnavailable: CategoryStorage,
	KindCorrupt:            CategoryStorage,

	KindCancelled: CategoryCancelled,
}

// BankError is the tagged error value returned to local callers. Detail
// carries contextual values (ids, dimensions, timestamps) — never raw
// internals like file paths or stack traces.
type BankError struct {
	Kind   Kind
	Msg    string
	Detail map[string]any
	cause  error
}

func (e *BankError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *BankError) Unwrap() error { return e.cause }

// Category returns the propagation category for this error's kind.
func (e *BankError) Category() Category { return categoryOf[e.Kind] }

// CategoryOf returns the propagation category for a bare Kind, for
// callers (e.g. the tool surface's HTTP status mapping) that have a
// Kind from bankerr.KindOf without a live *BankError to call Category
// on.
func CategoryOf(kind Kind) Category { return categoryOf[kind] }

// New constructs a BankError.
func New(kind Kind, msg string) *BankError {
	return &BankError{Kind: kind, Msg: msg}
}

// Wrap constructs a BankError that wraps an underlying cause. The cause
// is available via errors.Unwrap for local diagnostics but is never
// serialized to remote peers (see RemoteReason).
func Wrap(kind Kind, msg string, cause error) *BankError {
	return &BankError{Kind: kind, Msg: msg, cause: cause}
}

// WithDetail attaches structured context and returns the receiver for
// chaining.
func (e *BankError) WithDetail(key string, value any) *BankError {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// Is supports errors.Is(err, bankerr.New(kind, "")) by comparing Kind.
func (e *BankError) Is(target error) bool {
	var other *BankError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err, if it is (or wraps) a *BankError.
func KindOf(err error) (Kind, bool) {
	var be *BankError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// RemoteReason renders the short reason code sent to a remote peer on
// stream/session close: kind only, never the wrapped cause or detail.
func RemoteReason(err error) string {
	if kind, ok := KindOf(err); ok {
		return string(kind)
	}
	return string(KindProtocolError)
}

// Retryable reports whether a caller should retry the operation.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindStorageUnavailable
}

// Fatal reports whether the store must enter read-only mode.
func Fatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindCorrupt
}
