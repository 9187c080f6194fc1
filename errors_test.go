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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeo-scada/ur3e/internal/transport"
)

func TestExceptionCode_String(t *testing.T) {
	tests := []struct {
		code     ExceptionCode
		expected string
	}{
		{ExceptionIllegalFunction, "illegal function"},
		{ExceptionIllegalDataAddress, "illegal data address"},
		{ExceptionIllegalDataValue, "illegal data value"},
		{ExceptionServerDeviceFailure, "server device failure"},
		{ExceptionAcknowledge, "acknowledge"},
		{ExceptionServerDeviceBusy, "server device busy"},
		{ExceptionMemoryParityError, "memory parity error"},
		{ExceptionGatewayPathUnavailable, "gateway path unavailable"},
		{ExceptionGatewayTargetDeviceFailedToRespond, "gateway target device failed to respond"},
		{ExceptionCode(0xFF), "unknown exception (0xFF)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.code.String())
		})
	}
}

func TestServerException(t *testing.T) {
	err := NewServerException(FuncReadCoils, ExceptionIllegalDataAddress)

	assert.Equal(t, FuncReadCoils, err.Function)
	assert.Equal(t, ExceptionIllegalDataAddress, err.Code)
	assert.Equal(t, "modbus: exception illegal data address (FC=01)", err.Error())
}

func TestServerException_Is(t *testing.T) {
	err1 := NewServerException(FuncReadCoils, ExceptionIllegalFunction)
	err2 := NewServerException(FuncWriteSingleCoil, ExceptionIllegalFunction)
	err3 := NewServerException(FuncReadCoils, ExceptionIllegalDataAddress)

	assert.ErrorIs(t, err1, err2, "same exception code, different function")
	assert.NotErrorIs(t, err1, err3)
}

func TestIsException(t *testing.T) {
	err := &RequestError{Op: "read coil", Err: NewServerException(FuncReadCoils, ExceptionIllegalFunction)}

	assert.True(t, IsException(err, ExceptionIllegalFunction))
	assert.False(t, IsException(err, ExceptionIllegalDataAddress))
	assert.False(t, IsException(errors.New("other error"), ExceptionIllegalFunction))
	assert.False(t, IsIllegalDataAddress(err))
}

func TestRequestError(t *testing.T) {
	cause := &transport.Error{Op: "read", Addr: "10.0.0.2:502", Kind: ErrReadTimeout}
	err := &RequestError{Op: "read coil", Address: 19, UnitID: 0xFF, TransactionID: 3, Err: cause}

	assert.Equal(t, "read coil 19 (unit 255, tx 3): read 10.0.0.2:502: modbus: read timeout", err.Error())
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.True(t, IsTimeout(err))

	var terr *transport.Error
	assert.ErrorAs(t, err, &terr)
}

func TestErrorClasses(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		link     bool
		protocol bool
		timeout  bool
	}{
		{"closed", &transport.Error{Op: "read", Kind: ErrConnectionClosed}, true, false, false},
		{"not connected", &transport.Error{Op: "write", Kind: ErrNotConnected}, true, false, false},
		{"read timeout", &transport.Error{Op: "read", Kind: ErrReadTimeout}, false, false, true},
		{"connect timeout", &transport.Error{Op: "dial", Kind: ErrConnectTimeout}, false, false, true},
		{"malformed frame", fmt.Errorf("%w: x", ErrMalformedFrame), false, true, false},
		{"malformed payload", fmt.Errorf("%w: x", ErrMalformedPayload), false, true, false},
		{"tx mismatch", fmt.Errorf("%w: x", ErrTransactionMismatch), false, true, false},
		{"unexpected function", fmt.Errorf("%w: x", ErrUnexpectedFunction), false, true, false},
		{"echo", fmt.Errorf("%w: x", ErrUnexpectedEcho), false, false, false},
		{"exception", NewServerException(FuncReadCoils, ExceptionIllegalDataAddress), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.link, isLinkError(tt.err))
			assert.Equal(t, tt.protocol, isProtocolError(tt.err))
			assert.Equal(t, tt.timeout, IsTimeout(tt.err))
		})
	}
}
