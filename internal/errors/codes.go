package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for routing and durability operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Topology errors
	ErrCodeEmptyTopology        ErrorCode = 1000
	ErrCodeNoActiveOwner        ErrorCode = 1001
	ErrCodeReplicaNotConfigured ErrorCode = 1002
	ErrCodeUnsupportedTopology  ErrorCode = 1003
	ErrCodeStaleTopology        ErrorCode = 1004
	ErrCodeInvalidTopology      ErrorCode = 1005
	ErrCodeBucketNotFound       ErrorCode = 1006
	ErrCodeNoReplicaOwner       ErrorCode = 1007

	// Durability errors
	ErrCodeDurabilityOverwritten ErrorCode = 2000
	ErrCodeDurabilityTimedOut    ErrorCode = 2001
	ErrCodeDurabilityImpossible  ErrorCode = 2002
	ErrCodeMutationLost          ErrorCode = 2003
	ErrCodeInvalidRequirement    ErrorCode = 2004

	// Document errors reported by the storage node
	ErrCodeDocumentNotFound ErrorCode = 3000
	ErrCodeDocumentExists   ErrorCode = 3001
	ErrCodeTemporaryFailure ErrorCode = 3002
	ErrCodeOutOfMemory      ErrorCode = 3003

	// Generic errors
	ErrCodeInvalidArgument ErrorCode = 4000
	ErrCodeUnavailable     ErrorCode = 4001
	ErrCodeInternal        ErrorCode = 4002
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                    "OK",
	ErrCodeEmptyTopology:         "EMPTY_TOPOLOGY",
	ErrCodeNoActiveOwner:         "NO_ACTIVE_OWNER",
	ErrCodeReplicaNotConfigured:  "REPLICA_NOT_CONFIGURED",
	ErrCodeUnsupportedTopology:   "UNSUPPORTED_TOPOLOGY",
	ErrCodeStaleTopology:         "STALE_TOPOLOGY",
	ErrCodeInvalidTopology:       "INVALID_TOPOLOGY",
	ErrCodeBucketNotFound:        "BUCKET_NOT_FOUND",
	ErrCodeNoReplicaOwner:        "NO_REPLICA_OWNER",
	ErrCodeDurabilityOverwritten: "DURABILITY_OVERWRITTEN",
	ErrCodeDurabilityTimedOut:    "DURABILITY_TIMED_OUT",
	ErrCodeDurabilityImpossible:  "DURABILITY_IMPOSSIBLE",
	ErrCodeMutationLost:          "MUTATION_LOST",
	ErrCodeInvalidRequirement:    "INVALID_REQUIREMENT",
	ErrCodeDocumentNotFound:      "DOCUMENT_NOT_FOUND",
	ErrCodeDocumentExists:        "DOCUMENT_EXISTS",
	ErrCodeTemporaryFailure:      "TEMPORARY_FAILURE",
	ErrCodeOutOfMemory:           "OUT_OF_MEMORY",
	ErrCodeInvalidArgument:       "INVALID_ARGUMENT",
	ErrCodeUnavailable:           "UNAVAILABLE",
	ErrCodeInternal:              "INTERNAL",
}

// String returns the stable wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// LocatorError represents a structured error with code and context
type LocatorError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *LocatorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *LocatorError) Unwrap() error {
	return e.Cause
}

// Is matches any LocatorError carrying the same code, so the sentinels below
// work with errors.Is regardless of message and details.
func (e *LocatorError) Is(target error) bool {
	t, ok := target.(*LocatorError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewLocatorError creates a new LocatorError
func NewLocatorError(code ErrorCode, message string, cause error) *LocatorError {
	return &LocatorError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *LocatorError) WithDetail(key string, value interface{}) *LocatorError {
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is matching.
var (
	ErrEmptyTopology         = &LocatorError{Code: ErrCodeEmptyTopology, Message: "empty topology"}
	ErrNoActiveOwner         = &LocatorError{Code: ErrCodeNoActiveOwner, Message: "no active owner"}
	ErrReplicaNotConfigured  = &LocatorError{Code: ErrCodeReplicaNotConfigured, Message: "replica not configured"}
	ErrUnsupportedTopology   = &LocatorError{Code: ErrCodeUnsupportedTopology, Message: "unsupported topology"}
	ErrStaleTopology         = &LocatorError{Code: ErrCodeStaleTopology, Message: "stale topology"}
	ErrInvalidTopology       = &LocatorError{Code: ErrCodeInvalidTopology, Message: "invalid topology"}
	ErrBucketNotFound        = &LocatorError{Code: ErrCodeBucketNotFound, Message: "bucket not found"}
	ErrNoReplicaOwner        = &LocatorError{Code: ErrCodeNoReplicaOwner, Message: "no replica owner"}
	ErrDurabilityOverwritten = &LocatorError{Code: ErrCodeDurabilityOverwritten, Message: "durability overwritten"}
	ErrDurabilityTimedOut    = &LocatorError{Code: ErrCodeDurabilityTimedOut, Message: "durability timed out"}
	ErrDurabilityImpossible  = &LocatorError{Code: ErrCodeDurabilityImpossible, Message: "durability impossible"}
	ErrMutationLost          = &LocatorError{Code: ErrCodeMutationLost, Message: "mutation lost"}
	ErrInvalidRequirement    = &LocatorError{Code: ErrCodeInvalidRequirement, Message: "invalid durability requirement"}
	ErrDocumentNotFound      = &LocatorError{Code: ErrCodeDocumentNotFound, Message: "document not found"}
	ErrDocumentExists        = &LocatorError{Code: ErrCodeDocumentExists, Message: "document exists"}
	ErrTemporaryFailure      = &LocatorError{Code: ErrCodeTemporaryFailure, Message: "temporary failure"}
	ErrOutOfMemory           = &LocatorError{Code: ErrCodeOutOfMemory, Message: "out of memory"}
	ErrInvalidArgument       = &LocatorError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrUnavailable           = &LocatorError{Code: ErrCodeUnavailable, Message: "unavailable"}
)

// Topology constructors

func EmptyTopology(bucket string) *LocatorError {
	return NewLocatorError(ErrCodeEmptyTopology, fmt.Sprintf("bucket %q has no nodes", bucket), nil).
		WithDetail("bucket", bucket)
}

func NoActiveOwner(bucket string, partition uint16) *LocatorError {
	return NewLocatorError(ErrCodeNoActiveOwner, fmt.Sprintf("no node owns partition %d of bucket %q", partition, bucket), nil).
		WithDetail("bucket", bucket).
		WithDetail("partition", partition)
}

func NoReplicaOwner(bucket string, partition uint16, replica int) *LocatorError {
	return NewLocatorError(ErrCodeNoReplicaOwner, fmt.Sprintf("no node owns replica %d of partition %d of bucket %q", replica, partition, bucket), nil).
		WithDetail("bucket", bucket).
		WithDetail("partition", partition).
		WithDetail("replica", replica)
}

func ReplicaNotConfigured(bucket string, replica, configured int) *LocatorError {
	return NewLocatorError(ErrCodeReplicaNotConfigured, fmt.Sprintf("replica %d requested but bucket %q has %d replicas", replica, bucket, configured), nil).
		WithDetail("bucket", bucket).
		WithDetail("replica", replica).
		WithDetail("configured", configured)
}

func UnsupportedTopology(kind, operation string) *LocatorError {
	return NewLocatorError(ErrCodeUnsupportedTopology, fmt.Sprintf("%s is not supported on %s topology", operation, kind), nil).
		WithDetail("kind", kind).
		WithDetail("operation", operation)
}

func StaleTopology(bucket string, attempts int) *LocatorError {
	return NewLocatorError(ErrCodeStaleTopology, fmt.Sprintf("routing for bucket %q still stale after %d re-resolutions", bucket, attempts), nil).
		WithDetail("bucket", bucket).
		WithDetail("attempts", attempts)
}

func InvalidTopology(reason string) *LocatorError {
	return NewLocatorError(ErrCodeInvalidTopology, "invalid topology: "+reason, nil).
		WithDetail("reason", reason)
}

func BucketNotFound(bucket string) *LocatorError {
	return NewLocatorError(ErrCodeBucketNotFound, fmt.Sprintf("no topology known for bucket %q", bucket), nil).
		WithDetail("bucket", bucket)
}

// Durability constructors

func DurabilityOverwritten(key string, expected, actual uint64) *LocatorError {
	return NewLocatorError(ErrCodeDurabilityOverwritten, fmt.Sprintf("document %q was modified concurrently: expected cas %d, observed %d", key, expected, actual), nil).
		WithDetail("key", key).
		WithDetail("expected_cas", expected).
		WithDetail("observed_cas", actual)
}

func DurabilityTimedOut(budget time.Duration, rounds int) *LocatorError {
	return NewLocatorError(ErrCodeDurabilityTimedOut, fmt.Sprintf("durability requirement not met within %v after %d rounds", budget, rounds), nil).
		WithDetail("budget", budget.String()).
		WithDetail("rounds", rounds)
}

func DurabilityImpossible(reason string) *LocatorError {
	return NewLocatorError(ErrCodeDurabilityImpossible, "durability requirement cannot be met: "+reason, nil).
		WithDetail("reason", reason)
}

func MutationLost(partition uint16, seqno, lastSeqno uint64) *LocatorError {
	return NewLocatorError(ErrCodeMutationLost, fmt.Sprintf("partition %d failed over at seqno %d before mutation seqno %d", partition, lastSeqno, seqno), nil).
		WithDetail("partition", partition).
		WithDetail("seqno", seqno).
		WithDetail("last_seqno", lastSeqno)
}

func InvalidRequirement(reason string) *LocatorError {
	return NewLocatorError(ErrCodeInvalidRequirement, "invalid durability requirement: "+reason, nil).
		WithDetail("reason", reason)
}

// Document constructors

func DocumentNotFound(key string) *LocatorError {
	return NewLocatorError(ErrCodeDocumentNotFound, fmt.Sprintf("document %q not found", key), nil).
		WithDetail("key", key)
}

func DocumentExists(key string) *LocatorError {
	return NewLocatorError(ErrCodeDocumentExists, fmt.Sprintf("document %q exists or cas mismatch", key), nil).
		WithDetail("key", key)
}

func TemporaryFailure(message string, cause error) *LocatorError {
	return NewLocatorError(ErrCodeTemporaryFailure, message, cause)
}

func OutOfMemory(node string) *LocatorError {
	return NewLocatorError(ErrCodeOutOfMemory, fmt.Sprintf("node %s is out of memory", node), nil).
		WithDetail("node", node)
}

func InvalidArgument(message string, cause error) *LocatorError {
	return NewLocatorError(ErrCodeInvalidArgument, message, cause)
}

func Unavailable(message string, cause error) *LocatorError {
	return NewLocatorError(ErrCodeUnavailable, message, cause)
}

func InternalError(message string, cause error) *LocatorError {
	return NewLocatorError(ErrCodeInternal, message, cause)
}

// CodeOf extracts the error code from an error chain
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var le *LocatorError
	if stderrors.As(err, &le) {
		return le.Code
	}
	return ErrCodeInternal
}

// IsTransient reports whether a single node call may succeed if repeated.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var le *LocatorError
	if stderrors.As(err, &le) {
		switch le.Code {
		case ErrCodeTemporaryFailure, ErrCodeUnavailable:
			return true
		default:
			return false
		}
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// ToGRPCStatus converts LocatorError to gRPC status
func (e *LocatorError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *LocatorError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeInvalidRequirement, ErrCodeReplicaNotConfigured:
		return codes.InvalidArgument
	case ErrCodeBucketNotFound, ErrCodeDocumentNotFound:
		return codes.NotFound
	case ErrCodeDocumentExists:
		return codes.AlreadyExists
	case ErrCodeDurabilityOverwritten:
		return codes.Aborted
	case ErrCodeDurabilityTimedOut:
		return codes.DeadlineExceeded
	case ErrCodeUnsupportedTopology, ErrCodeDurabilityImpossible:
		return codes.FailedPrecondition
	case ErrCodeMutationLost:
		return codes.DataLoss
	case ErrCodeOutOfMemory:
		return codes.ResourceExhausted
	case ErrCodeEmptyTopology, ErrCodeNoActiveOwner, ErrCodeNoReplicaOwner, ErrCodeStaleTopology,
		ErrCodeTemporaryFailure, ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// HTTPStatus maps an error to the HTTP status used by the diagnostics API
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeInvalidRequirement, ErrCodeReplicaNotConfigured:
		return http.StatusBadRequest
	case ErrCodeBucketNotFound, ErrCodeDocumentNotFound:
		return http.StatusNotFound
	case ErrCodeDocumentExists, ErrCodeDurabilityOverwritten, ErrCodeMutationLost:
		return http.StatusConflict
	case ErrCodeUnsupportedTopology, ErrCodeDurabilityImpossible:
		return http.StatusPreconditionFailed
	case ErrCodeDurabilityTimedOut:
		return http.StatusGatewayTimeout
	case ErrCodeOutOfMemory:
		return http.StatusInsufficientStorage
	case ErrCodeEmptyTopology, ErrCodeNoActiveOwner, ErrCodeNoReplicaOwner, ErrCodeStaleTopology,
		ErrCodeTemporaryFailure, ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
