package auditlog

import "errors"

// Code classifies a failure the way callers of the audit service need to
// branch on: by what kind of thing went wrong, not by which component
// detected it.
type Code int

const (
	// CodeInternal is the fallback for anything unclassified.
	CodeInternal Code = iota
	// CodeBadRequest means the client-shaped input was malformed.
	CodeBadRequest
	// CodeNotSupported means the topic or verb is not one the service handles.
	CodeNotSupported
	// CodeNotFound means a read found no matching record.
	CodeNotFound
	// CodeUnavailable means the service is not in the RUNNING state.
	CodeUnavailable
	// CodeCrypto means a MAC/signature primitive failed or key material was malformed.
	CodeCrypto
	// CodeKeyStore means the key store container was missing an alias, had
	// the wrong password, or failed I/O.
	CodeKeyStore
	// CodeIO means a log file read or append failed.
	CodeIO
)

func (c Code) String() string {
	switch c {
	case CodeBadRequest:
		return "BadRequest"
	case CodeNotSupported:
		return "NotSupported"
	case CodeNotFound:
		return "NotFound"
	case CodeUnavailable:
		return "Unavailable"
	case CodeCrypto:
		return "Crypto"
	case CodeKeyStore:
		return "KeyStore"
	case CodeIO:
		return "IO"
	default:
		return "Internal"
	}
}

// Error is the taxonomy-tagged error returned across component boundaries.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Code.String()
	}
	return e.Op + ": " + e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Code, so callers
// can write errors.Is(err, auditlog.ErrNotFound) style checks against the
// sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newErr(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Sentinels for errors.Is comparisons that don't care about Op/Err.
var (
	ErrBadRequest   = &Error{Code: CodeBadRequest}
	ErrNotSupported = &Error{Code: CodeNotSupported}
	ErrNotFound     = &Error{Code: CodeNotFound}
	ErrUnavailable  = &Error{Code: CodeUnavailable}
	ErrCrypto       = &Error{Code: CodeCrypto}
	ErrKeyStore     = &Error{Code: CodeKeyStore}
	ErrIO           = &Error{Code: CodeIO}
	ErrInternal     = &Error{Code: CodeInternal}
)

// errGap and errTagMismatch are verifier-specific sentinels, kept distinct
// from the coarser Code taxonomy because callers of Verify want to
// distinguish "tampering" from "missing rows" even though both are
// reported to the outside world as CodeCrypto failures.
var (
	errGap         = errors.New("gap or reordering detected")
	errTagMismatch = errors.New("tag mismatch: tampering or wrong key")
)
