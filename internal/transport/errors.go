package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Failure kinds. Every *Error unwraps to exactly one of these.
var (
	ErrConnectionRefused = errors.New("modbus: connection refused")
	ErrDNSFailure        = errors.New("modbus: host lookup failed")
	ErrConnectTimeout    = errors.New("modbus: connect timeout")
	ErrConnectFailed     = errors.New("modbus: connect failed")
	ErrWriteTimeout      = errors.New("modbus: write timeout")
	ErrReadTimeout       = errors.New("modbus: read timeout")
	ErrConnectionClosed  = errors.New("modbus: connection closed")
	ErrNotConnected      = errors.New("modbus: not connected")
)

// Error describes a failed transport operation.
type Error struct {
	Op   string // dial, write or read
	Addr string
	Kind error
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Addr, e.Kind, e.Err)
}

// Unwrap exposes both the failure kind and the underlying network error.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func classifyDialError(err error) error {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return ErrDNSFailure
	case isTimeout(err):
		return ErrConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrConnectionRefused
	default:
		return ErrConnectFailed
	}
}

// classifyIOError maps a read or write failure to timeoutKind when a deadline
// expired and to ErrConnectionClosed otherwise.
func classifyIOError(err error, timeoutKind error) error {
	if isTimeout(err) {
		return timeoutKind
	}
	return ErrConnectionClosed
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
