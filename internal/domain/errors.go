package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")

	// RPC surface. Method errors read `method "name" does not exist`.
	ErrMethodNotFound    = fmt.Errorf("does not exist")
	ErrNotCallable       = fmt.Errorf("is not callable")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
	ErrStreamClosed      = fmt.Errorf("stream already closed")

	// Gateway.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
	ErrForbidden         = fmt.Errorf("forbidden")

	// Outbound network policy and audit trail.
	ErrSSRFBlocked = fmt.Errorf("destination blocked by network policy")
	ErrAuditWrite  = fmt.Errorf("audit log write failed")

	// Scheduling.
	ErrTaskNotFound = fmt.Errorf("scheduled task not found")

	// Providers.
	ErrProviderNotFound      = fmt.Errorf("provider not found")
	ErrProviderNotReady      = fmt.Errorf("provider not ready")
	ErrAuthorizationRequired = fmt.Errorf("provider authorization required")
	ErrInvalidOAuthState     = fmt.Errorf("invalid oauth state")
	ErrToolArguments         = fmt.Errorf("tool arguments rejected by schema")

	// Actor lifecycle.
	ErrActorDestroyed = fmt.Errorf("actor destroyed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "scheduler.Schedule")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "scheduler", "provider"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeMethodNotFound      ErrorCode = "METHOD_NOT_FOUND"
	CodeNotCallable         ErrorCode = "NOT_CALLABLE"
	CodeRPCInvalidPayload   ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeStreamClosed        ErrorCode = "STREAM_CLOSED"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth         ErrorCode = "GATEWAY_AUTH"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeSSRFBlocked         ErrorCode = "SSRF_BLOCKED"
	CodeAuditWrite          ErrorCode = "AUDIT_WRITE"
	CodeTaskNotFound        ErrorCode = "TASK_NOT_FOUND"
	CodeProviderNotFound    ErrorCode = "PROVIDER_NOT_FOUND"
	CodeProviderNotReady    ErrorCode = "PROVIDER_NOT_READY"
	CodeAuthorizationNeeded ErrorCode = "AUTHORIZATION_REQUIRED"
	CodeInvalidOAuthState   ErrorCode = "INVALID_OAUTH_STATE"
	CodeToolArguments       ErrorCode = "TOOL_ARGUMENTS"
	CodeActorDestroyed      ErrorCode = "ACTOR_DESTROYED"
	CodeSchedulerInvalid    ErrorCode = "SCHEDULER_INVALID"
	CodeProviderUnreachable ErrorCode = "PROVIDER_UNREACHABLE"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrConfigLoad:            CodeConfigLoad,
	ErrMethodNotFound:        CodeMethodNotFound,
	ErrNotCallable:           CodeNotCallable,
	ErrRPCInvalidPayload:     CodeRPCInvalidPayload,
	ErrStreamClosed:          CodeStreamClosed,
	ErrAuthInvalid:           CodeAuthInvalid,
	ErrGatewayAuthFailed:     CodeGatewayAuth,
	ErrRateLimit:             CodeRateLimit,
	ErrForbidden:             CodeForbidden,
	ErrSSRFBlocked:           CodeSSRFBlocked,
	ErrAuditWrite:            CodeAuditWrite,
	ErrTaskNotFound:          CodeTaskNotFound,
	ErrProviderNotFound:      CodeProviderNotFound,
	ErrProviderNotReady:      CodeProviderNotReady,
	ErrAuthorizationRequired: CodeAuthorizationNeeded,
	ErrInvalidOAuthState:     CodeInvalidOAuthState,
	ErrToolArguments:         CodeToolArguments,
	ErrActorDestroyed:        CodeActorDestroyed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"scheduler": CodeTaskNotFound,
		"provider":  CodeProviderNotFound,
		"rpc":       CodeMethodNotFound,
	},
	ErrInvalidInput: {
		"scheduler": CodeSchedulerInvalid,
		"provider":  CodeToolArguments,
	},
	ErrProviderError: {
		"provider": CodeProviderUnreachable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so that ErrGatewayAuthFailed wins over ErrAuthInvalid.
	for sentinel, code := range errorCodeMap {
		if sentinel == ErrAuthInvalid || sentinel == ErrNotFound || sentinel == ErrInvalidInput {
			continue
		}
		if errors.Is(err, sentinel) {
			return code
		}
	}
	for _, sentinel := range []error{ErrAuthInvalid, ErrNotFound, ErrInvalidInput} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
