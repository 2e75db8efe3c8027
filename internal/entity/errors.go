package entity

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure classes a session can report.
type ErrorKind int

const (
	KindAddressParse ErrorKind = iota + 1
	KindCertificate
	KindTLSIntercept
	KindTLSUpstream
	KindMessageParse
	KindTransport
	KindChannel
)

func (k ErrorKind) String() string {
	switch k {
	case KindAddressParse:
		return "AddressParseError"
	case KindCertificate:
		return "CertificateError"
	case KindTLSIntercept:
		return "TlsInterceptError"
	case KindTLSUpstream:
		return "TlsUpstreamError"
	case KindMessageParse:
		return "MessageParseError"
	case KindTransport:
		return "TransportError"
	case KindChannel:
		return "ChannelError"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error tags an underlying failure with its kind and the operation that observed it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match for any *Error of the same kind, so the sentinels below
// can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrAddressParse = &Error{Kind: KindAddressParse}
	ErrCertificate  = &Error{Kind: KindCertificate}
	ErrTLSIntercept = &Error{Kind: KindTLSIntercept}
	ErrTLSUpstream  = &Error{Kind: KindTLSUpstream}
	ErrMessageParse = &Error{Kind: KindMessageParse}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrChannel      = &Error{Kind: KindChannel}
)

// Wrap tags err with kind. An error that already carries a kind keeps it.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error without an underlying cause.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind carried by err, or 0 when err is untagged.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return 0
}
