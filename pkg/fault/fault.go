// Package fault defines the error taxonomy shared by every component.
//
// Each failure carries a stable namespaced code and a Kind. Sentinels are
// compared with errors.Is, which matches on the code so that a detailed error
// produced by Newf still equals its sentinel.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for transport mapping.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindState         Kind = "STATE"
	KindAuthorization Kind = "AUTHORIZATION"
	KindResource      Kind = "RESOURCE"
	KindArithmetic    Kind = "ARITHMETIC"
	KindNotFound      Kind = "NOT_FOUND"
	KindInternal      Kind = "INTERNAL"
)

// Standard error codes.
const (
	CodeInsufficientBudget     = "REIMB/BUDGET/INSUFFICIENT_BUDGET"
	CodeInvalidState           = "REIMB/BUDGET/INVALID_STATE"
	CodeArithmetic             = "REIMB/BUDGET/ARITHMETIC"
	CodeTransferFailed         = "REIMB/ASSET/TRANSFER_FAILED"
	CodeAlreadyApproved        = "REIMB/REQUEST/ALREADY_APPROVED"
	CodeInvalidStateTransition = "REIMB/REQUEST/INVALID_STATE_TRANSITION"
	CodeTooManyRecipients      = "REIMB/REQUEST/TOO_MANY_RECIPIENTS"
	CodeEmptyRecipients        = "REIMB/REQUEST/EMPTY_RECIPIENTS"
	CodeLengthMismatch         = "REIMB/REQUEST/LENGTH_MISMATCH"
	CodeZeroAmount             = "REIMB/REQUEST/ZERO_AMOUNT"
	CodeEmptyMetadata          = "REIMB/REQUEST/EMPTY_METADATA"
	CodeCollusion              = "REIMB/REQUEST/COLLUSION_VIOLATION"
	CodeCommitNotFound         = "REIMB/ROLES/COMMIT_NOT_FOUND"
	CodeCommitMismatch         = "REIMB/ROLES/COMMIT_MISMATCH"
	CodeCommitExpired          = "REIMB/ROLES/COMMIT_EXPIRED"
	CodeCommitTooEarly         = "REIMB/ROLES/COMMIT_TOO_EARLY"
	CodeMissingRole            = "REIMB/ROLES/MISSING_ROLE"
	CodeInvalidSignature       = "REIMB/RELAY/INVALID_SIGNATURE"
	CodeExpired                = "REIMB/RELAY/EXPIRED"
	CodeReplayedNonce          = "REIMB/RELAY/REPLAYED_NONCE"
	CodeRateLimited            = "REIMB/RELAY/RATE_LIMITED"
	CodeTargetNotWhitelisted   = "REIMB/RELAY/TARGET_NOT_WHITELISTED"
	CodeReimbursementShortfall = "REIMB/GAS/REIMBURSEMENT_SHORTFALL"
	CodeInsufficientReserve    = "REIMB/GAS/INSUFFICIENT_RESERVE"
	CodeNotFound               = "REIMB/CORE/NOT_FOUND"
	CodeInvalidArgument        = "REIMB/CORE/INVALID_ARGUMENT"
	CodeUnauthorized           = "REIMB/CORE/UNAUTHORIZED"
	CodeInternal               = "REIMB/CORE/INTERNAL"
)

// Error is a classified failure.
type Error struct {
	Code   string
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInsufficientBudget     = &Error{Code: CodeInsufficientBudget, Kind: KindResource}
	ErrInvalidState           = &Error{Code: CodeInvalidState, Kind: KindState}
	ErrArithmetic             = &Error{Code: CodeArithmetic, Kind: KindArithmetic}
	ErrTransferFailed         = &Error{Code: CodeTransferFailed, Kind: KindResource}
	ErrAlreadyApproved        = &Error{Code: CodeAlreadyApproved, Kind: KindState}
	ErrInvalidStateTransition = &Error{Code: CodeInvalidStateTransition, Kind: KindState}
	ErrTooManyRecipients      = &Error{Code: CodeTooManyRecipients, Kind: KindValidation}
	ErrEmptyRecipients        = &Error{Code: CodeEmptyRecipients, Kind: KindValidation}
	ErrLengthMismatch         = &Error{Code: CodeLengthMismatch, Kind: KindValidation}
	ErrZeroAmount             = &Error{Code: CodeZeroAmount, Kind: KindValidation}
	ErrEmptyMetadata          = &Error{Code: CodeEmptyMetadata, Kind: KindValidation}
	ErrCollusion              = &Error{Code: CodeCollusion, Kind: KindAuthorization}
	ErrCommitNotFound         = &Error{Code: CodeCommitNotFound, Kind: KindNotFound}
	ErrCommitMismatch         = &Error{Code: CodeCommitMismatch, Kind: KindValidation}
	ErrCommitExpired          = &Error{Code: CodeCommitExpired, Kind: KindState}
	ErrCommitTooEarly         = &Error{Code: CodeCommitTooEarly, Kind: KindState}
	ErrMissingRole            = &Error{Code: CodeMissingRole, Kind: KindAuthorization}
	ErrInvalidSignature       = &Error{Code: CodeInvalidSignature, Kind: KindAuthorization}
	ErrExpired                = &Error{Code: CodeExpired, Kind: KindValidation}
	ErrReplayedNonce          = &Error{Code: CodeReplayedNonce, Kind: KindState}
	ErrRateLimited            = &Error{Code: CodeRateLimited, Kind: KindResource}
	ErrTargetNotWhitelisted   = &Error{Code: CodeTargetNotWhitelisted, Kind: KindAuthorization}
	ErrReimbursementShortfall = &Error{Code: CodeReimbursementShortfall, Kind: KindResource}
	ErrInsufficientReserve    = &Error{Code: CodeInsufficientReserve, Kind: KindResource}
	ErrNotFound               = &Error{Code: CodeNotFound, Kind: KindNotFound}
	ErrInvalidArgument        = &Error{Code: CodeInvalidArgument, Kind: KindValidation}
	ErrUnauthorized           = &Error{Code: CodeUnauthorized, Kind: KindAuthorization}
)

// Newf returns a copy of sentinel carrying a formatted detail.
func Newf(sentinel *Error, format string, args ...any) error {
	return &Error{Code: sentinel.Code, Kind: sentinel.Kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns a copy of sentinel wrapping cause.
func Wrap(sentinel *Error, cause error, detail string) error {
	return &Error{Code: sentinel.Code, Kind: sentinel.Kind, Detail: detail, Err: cause}
}

// Internal classifies an unexpected failure.
func Internal(cause error, detail string) error {
	return &Error{Code: CodeInternal, Kind: KindInternal, Detail: detail, Err: cause}
}

// KindOf returns the kind of err, or KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal when err is unclassified.
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}
