// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"errors"
	"fmt"

	"github.com/edgeo-scada/ur3e/internal/transport"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction                    ExceptionCode = 0x01
	ExceptionIllegalDataAddress                 ExceptionCode = 0x02
	ExceptionIllegalDataValue                   ExceptionCode = 0x03
	ExceptionServerDeviceFailure                ExceptionCode = 0x04
	ExceptionAcknowledge                        ExceptionCode = 0x05
	ExceptionServerDeviceBusy                   ExceptionCode = 0x06
	ExceptionMemoryParityError                  ExceptionCode = 0x08
	ExceptionGatewayPathUnavailable             ExceptionCode = 0x0A
	ExceptionGatewayTargetDeviceFailedToRespond ExceptionCode = 0x0B
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ServerException is returned when the server answers with an exception
// response instead of the requested data.
type ServerException struct {
	Function FunctionCode
	Code     ExceptionCode
}

// Error implements the error interface.
func (e *ServerException) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.Code, uint8(e.Function))
}

// Is matches another *ServerException with the same exception code.
func (e *ServerException) Is(target error) bool {
	t, ok := target.(*ServerException)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Transport errors.
var (
	ErrConnectionRefused = transport.ErrConnectionRefused
	ErrDNSFailure        = transport.ErrDNSFailure
	ErrConnectTimeout    = transport.ErrConnectTimeout
	ErrConnectFailed     = transport.ErrConnectFailed
	ErrWriteTimeout      = transport.ErrWriteTimeout
	ErrReadTimeout       = transport.ErrReadTimeout
	ErrConnectionClosed  = transport.ErrConnectionClosed
	ErrNotConnected      = transport.ErrNotConnected
)

// Codec errors.
var (
	// ErrMalformedFrame indicates a truncated header, a length field that
	// disagrees with the frame, or a non-zero protocol identifier.
	ErrMalformedFrame = errors.New("modbus: malformed frame")

	// ErrMalformedPayload indicates a function payload of the wrong shape.
	ErrMalformedPayload = errors.New("modbus: malformed payload")

	// ErrUnexpectedEcho indicates a write response that does not echo the request.
	ErrUnexpectedEcho = errors.New("modbus: unexpected echo")
)

// Client errors.
var (
	// ErrTransactionMismatch indicates a response for another transaction.
	ErrTransactionMismatch = errors.New("modbus: transaction ID mismatch")

	// ErrUnexpectedFunction indicates a response for another function code.
	ErrUnexpectedFunction = errors.New("modbus: unexpected function code")

	// ErrClientClosed indicates the client has been closed.
	ErrClientClosed = errors.New("modbus: client closed")
)

// RequestError describes a failed coil operation. It wraps the transport,
// codec or server error that caused it.
type RequestError struct {
	Op            string // "read coil" or "write coil"
	Address       uint16
	UnitID        UnitID
	TransactionID uint16
	Err           error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %d (unit %d, tx %d): %v", e.Op, e.Address, e.UnitID, e.TransactionID, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewServerException creates a new server exception error.
func NewServerException(fc FunctionCode, ec ExceptionCode) *ServerException {
	return &ServerException{
		Function: fc,
		Code:     ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var exc *ServerException
	if errors.As(err, &exc) {
		return exc.Code == code
	}
	return false
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsTimeout reports whether err is a connect, write or read timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrWriteTimeout) ||
		errors.Is(err, ErrReadTimeout)
}

// isLinkError reports whether err means the connection went away under an
// exchange, which link recovery may repair.
func isLinkError(err error) bool {
	return errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrNotConnected)
}

// isProtocolError reports whether err means the response stream can no
// longer be trusted.
func isProtocolError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrMalformedPayload) ||
		errors.Is(err, ErrTransactionMismatch) ||
		errors.Is(err, ErrUnexpectedFunction)
}
