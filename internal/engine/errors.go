package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-vault/internal/discovery"
	"github.com/Klingon-tech/klingnet-vault/internal/hwbridge"
	"github.com/Klingon-tech/klingnet-vault/internal/keychain"
	"github.com/Klingon-tech/klingnet-vault/internal/relay"
	"github.com/Klingon-tech/klingnet-vault/internal/requests"
)

// Provider error codes (EIP-1193 and JSON-RPC).
const (
	CodeUserRejected        = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeUnrecognizedChain   = 4902
	CodeRequestPending      = -32002
	CodeLimitExceeded       = -32005
	CodeInvalidParams       = -32602
	CodeInternal            = -32603
	CodeResourceNotFound    = -32001
	CodeTransactionRejected = -32003
)

// ProviderError is an error with a caller-facing code.
type ProviderError struct {
	Code    int
	Message string
}

func (e *ProviderError) Error() string { return e.Message }

// ErrorCode implements relay.Coder.
func (e *ProviderError) ErrorCode() int { return e.Code }

func newError(code int, format string, args ...any) *ProviderError {
	return &ProviderError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	errUserRejected   = &ProviderError{Code: CodeUserRejected, Message: "User rejected the request."}
	errUnauthorized   = &ProviderError{Code: CodeUnauthorized, Message: "The requested account has not been authorized."}
	errRequestPending = &ProviderError{Code: CodeRequestPending, Message: "A request of this type is already pending for this origin."}
	errRateLimited    = &ProviderError{Code: CodeLimitExceeded, Message: "Rate limit exceeded."}
	errDisconnected   = &ProviderError{Code: CodeDisconnected, Message: "The wallet is not available."}
)

func errUnsupported(method string) *ProviderError {
	return newError(CodeUnsupportedMethod, "method %q not supported", method)
}

func errInvalidParams(format string, args ...any) *ProviderError {
	return newError(CodeInvalidParams, "invalid params: "+format, args...)
}

// providerError maps internal failures onto caller-facing errors. Protocol
// and oracle failures become generic retryable errors.
func providerError(err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	var rejected *hwbridge.DeviceRejectedError
	switch {
	case errors.As(err, &rejected):
		return newError(CodeUserRejected, "%s", rejected.Error())
	case errors.Is(err, relay.ErrAbandoned):
		return newError(CodeUserRejected, "request abandoned: approval window closed")
	case errors.Is(err, keychain.ErrAuthRequired):
		return newError(CodeUnauthorized, "wallet is locked")
	case errors.Is(err, keychain.ErrWrongPassword):
		return newError(CodeUnauthorized, "wrong password")
	case errors.Is(err, keychain.ErrExportNotSupported), errors.Is(err, keychain.ErrKeychainNotFound):
		return newError(CodeInvalidParams, "%s", err.Error())
	case errors.Is(err, keychain.ErrNotFound), errors.Is(err, keychain.ErrReadOnly):
		return errUnauthorized
	case errors.Is(err, requests.ErrNotFound):
		return newError(CodeResourceNotFound, "%s", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return newError(CodeUserRejected, "request timed out")
	case errors.Is(err, relay.ErrProtocol), errors.Is(err, discovery.ErrOracleUnavailable):
		return newError(CodeInternal, "temporary failure, try again: %v", err)
	default:
		return newError(CodeInternal, "%s", err.Error())
	}
}
