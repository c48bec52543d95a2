package networking

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// TransportErrorKind classifies a failed request.
type TransportErrorKind string

const (
	ErrKindConnect TransportErrorKind = "connect"
	ErrKindTimeout TransportErrorKind = "timeout"
	ErrKindTLS     TransportErrorKind = "tls"
	ErrKindProxy   TransportErrorKind = "proxy"
	ErrKindOther   TransportErrorKind = "other"
)

// TransportError is returned by Client.Send once retries are exhausted, or
// immediately for non-retryable failures.
type TransportError struct {
	Kind     TransportErrorKind
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s error for %s after %d attempt(s): %v", e.Kind, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case ErrKindConnect, ErrKindTimeout, ErrKindProxy:
		return true
	}
	return false
}

func classifyError(err error, viaProxy bool) TransportErrorKind {
	if err == nil {
		return ErrKindOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrKindTimeout
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &recordErr) {
		return ErrKindTLS
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if viaProxy && (opErr.Op == "proxyconnect" || strings.Contains(opErr.Op, "socks")) {
			return ErrKindProxy
		}
		return ErrKindConnect
	}
	if viaProxy && strings.Contains(strings.ToLower(err.Error()), "proxy") {
		return ErrKindProxy
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && strings.Contains(urlErr.Err.Error(), "connection reset") {
		return ErrKindConnect
	}
	if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "EOF") {
		return ErrKindConnect
	}
	return ErrKindOther
}
