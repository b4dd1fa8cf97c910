package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures so the executor and scheduler can decide
// between retrying, reconnecting and giving up
type ErrorKind string

const (
	KindNone           ErrorKind = ""
	KindConfiguration  ErrorKind = "configuration"
	KindConnection     ErrorKind = "connection"
	KindAuthentication ErrorKind = "authentication"
	KindPermission     ErrorKind = "permission"
	KindNotFound       ErrorKind = "not_found"
	KindTransient      ErrorKind = "transient"
	KindVerification   ErrorKind = "verification"
	KindCancelled      ErrorKind = "cancelled"
	KindUnknown        ErrorKind = "unknown"
)

// Retryable reports whether another attempt may succeed
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindVerification
}

// HostFatal reports whether the error means the host cannot be used for the
// rest of the job
func (k ErrorKind) HostFatal() bool {
	return k == KindConnection || k == KindAuthentication
}

// TransferError carries a classified failure
type TransferError struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
	// Reconnect is set when the session is unusable and must be replaced
	// before the next attempt
	Reconnect bool
}

func (e *TransferError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// NewTransferError wraps err with a kind
func NewTransferError(kind ErrorKind, op, path string, err error) *TransferError {
	return &TransferError{Kind: kind, Op: op, Path: path, Err: err}
}

// Errorf builds a TransferError from a format string
func Errorf(kind ErrorKind, format string, args ...interface{}) *TransferError {
	return &TransferError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind of err. Context errors map to cancelled and
// validation errors to configuration.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindConfiguration
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// NeedsReconnect reports whether err asks for a fresh session
func NeedsReconnect(err error) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Reconnect
}
