package infra

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies every failure the pipeline can surface.
type Kind int

const (
	KindUnknown Kind = iota
	NetworkUnavailable
	InvalidIdentity
	InvalidParameter
	SubmissionRejected
	DecodeError
)

func (k Kind) String() string {
	switch k {
	case NetworkUnavailable:
		return "NetworkUnavailable"
	case InvalidIdentity:
		return "InvalidIdentity"
	case InvalidParameter:
		return "InvalidParameter"
	case SubmissionRejected:
		return "SubmissionRejected"
	case DecodeError:
		return "DecodeError"
	default:
		return "Unknown"
	}
}

// Error is the typed failure returned by the pipeline, builder and decoder.
// Code carries the network diagnostic code for SubmissionRejected.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Cause() error { return e.Err }

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func networkError(err error, format string, args ...interface{}) *Error {
	return newError(NetworkUnavailable, errors.Wrapf(err, format, args...))
}

func invalidParameter(format string, args ...interface{}) *Error {
	return newError(InvalidParameter, errors.Errorf(format, args...))
}

func decodeError(format string, args ...interface{}) *Error {
	return newError(DecodeError, errors.Errorf(format, args...))
}

func rejected(code string, err error) *Error {
	return &Error{Kind: SubmissionRejected, Code: code, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ResultCode returns the diagnostic code carried by err, if any.
func ResultCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Result codes produced by Horizon, plus two local ones.
const (
	CodeBadSeq              = "tx_bad_seq"
	CodeInsufficientFee     = "tx_insufficient_fee"
	CodeTooLate             = "tx_too_late"
	CodeFailed              = "tx_failed"
	CodeTrapped             = "invoke_host_function_trapped"
	CodeResourceLimit       = "invoke_host_function_resource_limit_exceeded"
	CodeConfirmationTimeout = "confirmation_timeout"
	CodeAlreadySigned       = "already_signed"
)

var resultCodeMessages = map[string]string{
	CodeBadSeq:                "Sequence number mismatch - another submission from this account landed first",
	CodeInsufficientFee:       "Fee below the current network minimum",
	CodeTooLate:               "Transaction expired before it was included in a ledger",
	"tx_too_early":            "Transaction time bounds are not yet valid",
	"tx_insufficient_balance": "Account balance cannot cover the fee",
	"tx_no_source_account":    "Source account does not exist on this network",
	"tx_bad_auth":             "Signature does not match the source account",
	CodeFailed:                "One of the operations failed",
	CodeTrapped:               "Contract call trapped - project missing, invalid amount, duplicate project, goal exceeded or unauthorized",
	CodeResourceLimit:         "Contract call exceeded its resource limits",
	"tx_soroban_invalid":      "Soroban transaction data is missing or invalid",
	CodeConfirmationTimeout:   "Transaction was not confirmed before its time bound passed",
	CodeAlreadySigned:         "Envelope has already been signed",
}

// DescribeCode turns a result code into a message suitable for a UI notice.
func DescribeCode(code string) string {
	if msg, ok := resultCodeMessages[code]; ok {
		return msg
	}
	if code == "" {
		return "Transaction rejected"
	}
	return fmt.Sprintf("Transaction rejected: %s", code)
}
