package interfaces

import (
	"errors"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	// KindPreconditionUnmet: wrong lifecycle state or a required input is missing.
	KindPreconditionUnmet
	// KindMalformedInput: input does not parse or is out of range.
	KindMalformedInput
	// KindAuthFailure: SIWE or member signature rejected.
	KindAuthFailure
	// KindCryptoFailure: verification failed after decryption. Fatal.
	KindCryptoFailure
	// KindTransientIO: storage or network hiccup, retried with backoff.
	KindTransientIO
	// KindInvariantViolation: chain state disagrees with local inputs. The
	// keyset is quarantined.
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindPreconditionUnmet:
		return "PreconditionUnmet"
	case KindMalformedInput:
		return "MalformedInput"
	case KindAuthFailure:
		return "AuthFailure"
	case KindCryptoFailure:
		return "CryptoFailure"
	case KindTransientIO:
		return "TransientIO"
	case KindInvariantViolation:
		return "InvariantViolation"
	default:
		return "Unknown"
	}
}

// Fatal reports whether errors of this kind halt the restore for a keyset.
func (k Kind) Fatal() bool {
	return k == KindCryptoFailure || k == KindInvariantViolation
}

// Error is a classified error with a stable code. Values are compared by
// identity, so wrap them with fmt.Errorf("%w: ...") to add context.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string {
	return e.Msg
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrInvalidState       = newError(KindPreconditionUnmet, "InvalidState", "operation not allowed in current state")
	ErrBlindersMissing    = newError(KindPreconditionUnmet, "BlindersMissing", "blinders not installed")
	ErrBundleMissing      = newError(KindPreconditionUnmet, "BundleMissing", "backup bundle not uploaded")
	ErrNotComplete        = newError(KindPreconditionUnmet, "NotComplete", "restore not complete")
	ErrQuarantined        = newError(KindPreconditionUnmet, "Quarantined", "keyset is quarantined")
	ErrAlreadyBound       = newError(KindPreconditionUnmet, "AlreadyBound", "blinders already installed with different values")
	ErrMemberDuplicate    = newError(KindPreconditionUnmet, "MemberDuplicate", "member already submitted a share for this root key")
	ErrAlreadyRecovered   = newError(KindPreconditionUnmet, "AlreadyReconstructed", "root key already reconstructed")
	ErrMalformedInput     = newError(KindMalformedInput, "MalformedInput", "malformed input")
	ErrMalformedScalar    = newError(KindMalformedInput, "MalformedScalar", "malformed scalar")
	ErrTarballMalformed   = newError(KindMalformedInput, "TarballMalformed", "malformed backup tarball")
	ErrMemberUnknown      = newError(KindMalformedInput, "MemberUnknown", "unknown recovery party member")
	ErrUnknownRootKey     = newError(KindMalformedInput, "UnknownRootKey", "root key not in keyset")
	ErrUnauthorized       = newError(KindAuthFailure, "Unauthorized", "unauthorized")
	ErrVerificationFailed = newError(KindAuthFailure, "VerificationFailed", "share signature verification failed")
	ErrCryptoFailure      = newError(KindCryptoFailure, "CryptoFailure", "cryptographic verification failed")
	ErrCommitmentMismatch = newError(KindCryptoFailure, "CommitmentMismatch", "reshared commitment does not match on-chain key")
	ErrPeerTimeout        = newError(KindTransientIO, "PeerTimeout", "peer did not respond in time")
	ErrTransientIO        = newError(KindTransientIO, "TransientIO", "transient I/O failure")
	ErrInvariantViolation = newError(KindInvariantViolation, "InvariantViolation", "input contradicts on-chain state")
)

// AsError returns the classified error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors are KindUnknown.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of err, or "Internal".
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return "Internal"
}
