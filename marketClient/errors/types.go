package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeValidation indicates a locally detected precondition failure; never sent to the ledger
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNetwork indicates chain mismatch or an unreachable provider
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodePersistence indicates off-chain cache read/write errors
	ErrCodePersistence ErrorCode = "PERSISTENCE"

	// ErrCodeTransaction indicates a rejected or reverted transaction
	ErrCodeTransaction ErrorCode = "TRANSACTION"

	// ErrCodeUpload indicates the deliverable could not be uploaded
	ErrCodeUpload ErrorCode = "UPLOAD"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeRPC indicates RPC-related errors
	ErrCodeRPC ErrorCode = "RPC"

	// ErrCodeTimeout indicates a deadline passed without a result
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Severity represents the severity level of an error
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Sentinel causes. Match them with errors.Is on any error returned by the node.
var (
	ErrBountyNotFound      = errors.New("bounty not found")
	ErrBountyInactive      = errors.New("bounty is not active")
	ErrSelfSubmission      = errors.New("cannot submit to your own bounty")
	ErrDuplicateSubmission = errors.New("already submitted to this bounty")
	ErrEmptyRequirements   = errors.New("bounty requirements are empty")
	ErrInvalidReward       = errors.New("bounty reward must be positive")

	ErrNoData         = errors.New("no data available")
	ErrChainMismatch  = errors.New("wallet is connected to the wrong chain")
	ErrUploadFailed   = errors.New("upload failed")
	ErrVerdictTimeout = errors.New("verdict not received before deadline; outcome unknown")
	ErrLedgerNotReady = errors.New("ledger connection not available")
)

// ChainError is the tagged error every component returns across package
// boundaries. RevertReason is set only for TRANSACTION errors whose revert
// data could be decoded.
type ChainError struct {
	Code         ErrorCode              `json:"code"`
	Message      string                 `json:"message"`
	Chain        string                 `json:"chain,omitempty"`
	Severity     Severity               `json:"severity"`
	RevertReason string                 `json:"revert_reason,omitempty"`
	Cause        error                  `json:"-"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// NewChainError creates a new ChainError
func NewChainError(code ErrorCode, chain, message string, cause error) *ChainError {
	return &ChainError{
		Code:     code,
		Message:  message,
		Chain:    chain,
		Severity: determineSeverity(code),
		Cause:    cause,
		Context:  make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *ChainError) Error() string {
	msg := e.Message
	if e.Cause != nil && e.Cause.Error() != e.Message {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Chain != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Chain, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *ChainError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *ChainError) WithContext(key string, value interface{}) *ChainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity overrides the default severity
func (e *ChainError) WithSeverity(severity Severity) *ChainError {
	e.Severity = severity
	return e
}

// IsRetryable returns true if the error is retryable
func (e *ChainError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeRPC:
		return !errors.Is(e.Cause, ErrChainMismatch)
	case ErrCodePersistence:
		return e.Severity != SeverityCritical
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal:
		return SeverityCritical
	case ErrCodeNetwork, ErrCodeRPC:
		return SeverityHigh
	case ErrCodeTransaction, ErrCodeUpload, ErrCodeTimeout:
		return SeverityMedium
	case ErrCodePersistence:
		return SeverityMedium
	case ErrCodeValidation, ErrCodeConfig:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Common error constructors

// NewValidationError wraps one of the validation sentinels.
func NewValidationError(reason error, bountyID uint64) *ChainError {
	return NewChainError(ErrCodeValidation, "", reason.Error(), reason).
		WithContext("bounty_id", bountyID)
}

// NewNetworkError creates a network error
func NewNetworkError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeNetwork, chain, message, cause)
}

// NewPersistenceError creates an off-chain cache error
func NewPersistenceError(message string, cause error) *ChainError {
	return NewChainError(ErrCodePersistence, "", message, cause)
}

// NewNoDataError reports that the cache could not be read at all.
func NewNoDataError(cause error) *ChainError {
	return NewChainError(ErrCodePersistence, "", ErrNoData.Error(), errors.Join(ErrNoData, cause)).
		WithSeverity(SeverityCritical)
}

// NewTransactionError creates a transaction error
func NewTransactionError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeTransaction, chain, message, cause)
}

// NewRevertError creates a transaction error whose message is the decoded
// revert reason.
func NewRevertError(chain, reason string, cause error) *ChainError {
	e := NewChainError(ErrCodeTransaction, chain, reason, cause)
	e.RevertReason = reason
	return e
}

// NewUploadError creates an upload error
func NewUploadError(message string, cause error) *ChainError {
	return NewChainError(ErrCodeUpload, "", message, errors.Join(ErrUploadFailed, cause))
}

// NewConfigError creates a configuration error
func NewConfigError(message string) *ChainError {
	return NewChainError(ErrCodeConfig, "", message, nil)
}

// NewRPCError creates an RPC error
func NewRPCError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeRPC, chain, message, cause)
}

// NewTimeoutError creates a verdict timeout error
func NewTimeoutError(chain string, bountyID uint64) *ChainError {
	return NewChainError(ErrCodeTimeout, chain, ErrVerdictTimeout.Error(), ErrVerdictTimeout).
		WithContext("bounty_id", bountyID)
}

// NewInternalError creates an internal error
func NewInternalError(chain, message string, cause error) *ChainError {
	return NewChainError(ErrCodeInternal, chain, message, cause)
}
