// Package errs declares the error kinds shared by every core component,
// checked with errors.Is/errors.As at call sites rather than string
// matching. Recoverable kinds (everything but Fatal) are handled locally
// and degrade a single node or block for the current tick; Fatal is
// reserved for startup/config failures (store/sql.Open returns one) and
// propagates out of cmd/forkscanner's run, which exits the process.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind tags the sentinel family an error belongs to, so callers can branch
// with a type switch on *Error without string-matching err.Error().
type Kind int

const (
	KindNodeUnreachable Kind = iota
	KindRpcTimeout
	KindRpcError
	KindBlockNotFound
	KindMissingParent
	KindTxMissing
	KindUnableToRollback
	KindStorageConflict
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNodeUnreachable:
		return "NodeUnreachable"
	case KindRpcTimeout:
		return "RpcTimeout"
	case KindRpcError:
		return "RpcError"
	case KindBlockNotFound:
		return "BlockNotFound"
	case KindMissingParent:
		return "MissingParent"
	case KindTxMissing:
		return "TxMissing"
	case KindUnableToRollback:
		return "UnableToRollback"
	case KindStorageConflict:
		return "StorageConflict"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the concrete type every Kind-tagged error wraps itself in.
// RpcError additionally carries the remote JSON-RPC error code.
type Error struct {
	Kind    Kind
	Code    int // populated only for KindRpcError
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s(%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.NodeUnreachable()) match any *Error with the
// same Kind, regardless of message/cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

func NodeUnreachable(msg string, cause error) error { return newErr(KindNodeUnreachable, msg, cause) }
func RpcTimeout(msg string, cause error) error      { return newErr(KindRpcTimeout, msg, cause) }
func RpcError(code int, msg string) error {
	return &Error{Kind: KindRpcError, Code: code, Message: msg}
}
func BlockNotFound(msg string) error             { return newErr(KindBlockNotFound, msg, nil) }
func MissingParent(msg string) error             { return newErr(KindMissingParent, msg, nil) }
func TxMissing(msg string) error                 { return newErr(KindTxMissing, msg, nil) }
func UnableToRollback(msg string, cause error) error {
	return newErr(KindUnableToRollback, msg, cause)
}
func StorageConflict(msg string, cause error) error { return newErr(KindStorageConflict, msg, cause) }
func Fatal(msg string, cause error) error           { return newErr(KindFatal, msg, cause) }

// Is reports whether err (or something it wraps) is an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
