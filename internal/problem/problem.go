// Package problem defines the closed set of wire "problem" codes used to
// report channel and transport closure (spec §7) and the mapping from Go
// errors (syscall, net, TLS) onto that set.
package problem

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Code is one of the closed set of wire problem strings.
type Code string

const (
	ProtocolError        Code = "protocol-error"
	NotFound             Code = "not-found"
	NotSupported         Code = "not-supported"
	AccessDenied         Code = "access-denied"
	AuthenticationFailed Code = "authentication-failed"
	Terminated           Code = "terminated"
	Disconnected         Code = "disconnected"
	Timeout              Code = "timeout"
	InternalError        Code = "internal-error"
	ChangeConflict       Code = "change-conflict"
	OutOfDate            Code = "out-of-date"
	UnknownHostkey       Code = "unknown-hostkey"
)

// Error is a Go error carrying a wire problem code, the same role
// internal/muxado/errors.go's muxadoError plays for ErrorCode.
type Error struct {
	Code Code
	Err  error
}

func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func Newf(code Code, msg string) *Error {
	return &Error{Code: code, Err: errors.New(msg)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Of extracts the problem Code from err, returning InternalError if err is
// non-nil but not already typed, or "" if err is nil (an orderly close).
func Of(err error) Code {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return InternalError
}

// FromErr maps an arbitrary I/O/syscall/TLS error onto the closed problem
// set per spec §7. A nil input returns nil (an orderly close).
func FromErr(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}

	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return New(AccessDenied, err)
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED) {
		return New(NotFound, err)
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return New(Disconnected, err)
	}
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, os.ErrDeadlineExceeded) {
		return New(Timeout, err)
	}

	var certErr x509.CertificateInvalidError
	var hostErr x509.HostnameError
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &certErr) || errors.As(err, &hostErr) || errors.As(err, &unknownAuthErr) {
		return New(UnknownHostkey, err)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return New(ProtocolError, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return New(NotFound, err)
		}
		return New(NotFound, err)
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return New(Timeout, err)
		}
		if errors.Is(netErr.Err, syscall.ECONNREFUSED) || errors.Is(netErr.Err, syscall.EHOSTUNREACH) || errors.Is(netErr.Err, syscall.ENETUNREACH) {
			return New(NotFound, err)
		}
	}

	return New(InternalError, err)
}
