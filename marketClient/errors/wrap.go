package errors

import (
	"errors"
	"strings"
)

// transientMarkers are substrings of provider errors that usually clear up on
// their own.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
}

// WrapChainError tags err with code. An error that already carries a
// ChainError keeps its code; message is recorded in its context instead.
func WrapChainError(err error, code ErrorCode, chain, message string) *ChainError {
	if err == nil {
		return nil
	}

	var existing *ChainError
	if !errors.As(err, &existing) {
		return NewChainError(code, chain, message, err)
	}
	if existing.Chain == "" {
		existing.Chain = chain
	}
	return existing.WithContext("wrapped_message", message)
}

// IsChainError reports whether err carries a ChainError with the given code.
func IsChainError(err error, code ErrorCode) bool {
	var chainErr *ChainError
	return errors.As(err, &chainErr) && chainErr.Code == code
}

// RevertReason returns the decoded revert reason carried by err, if any.
func RevertReason(err error) (string, bool) {
	var chainErr *ChainError
	if errors.As(err, &chainErr) && chainErr.RevertReason != "" {
		return chainErr.RevertReason, true
	}
	return "", false
}

// IsRetryable reports whether err is worth another attempt. Untagged errors
// are judged by their message.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var chainErr *ChainError
	if errors.As(err, &chainErr) {
		return chainErr.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
