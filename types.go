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

// Package modbus provides a minimal Modbus TCP master that reads and writes
// single coils, such as the digital outputs of a robot controller.
package modbus

import (
	"fmt"
	"strings"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Supported Modbus function codes.
const (
	FuncReadCoils       FunctionCode = 0x01
	FuncWriteSingleCoil FunctionCode = 0x05
)

// exceptionFlag is set in the function code of an exception response.
const exceptionFlag = 0x80

// String returns the string representation of the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	default:
		if fc&exceptionFlag != 0 {
			return fmt.Sprintf("Exception(%s)", (fc &^ exceptionFlag).String())
		}
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// Protocol constants.
const (
	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxADUSize is the largest Modbus TCP frame (MBAP header + 253 byte PDU).
	MaxADUSize = MBAPHeaderSize + 253

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultUnitID addresses the device itself rather than a gateway target.
	DefaultUnitID UnitID = 0xFF

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultConnectTimeout bounds TCP connection establishment.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultResponseTimeout bounds the wait for a complete response.
	DefaultResponseTimeout = 1 * time.Second

	// DefaultWriteTimeout bounds sending a request.
	DefaultWriteTimeout = 1 * time.Second
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// coilValue returns the wire encoding of a coil state.
func coilValue(on bool) uint16 {
	if on {
		return CoilOn
	}
	return CoilOff
}

// ConnectionState represents the state of a client connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// OpState is the phase of a single request/response exchange.
//
// Every call walks Idle, Encoding, Sending, AwaitingResponse and Decoding and
// ends in either Success or Failed. A link recovery re-enters Sending.
type OpState int

const (
	OpIdle OpState = iota
	OpEncoding
	OpSending
	OpAwaitingResponse
	OpDecoding
	OpSuccess
	OpFailed
)

// String returns the string representation of the operation state.
func (s OpState) String() string {
	switch s {
	case OpIdle:
		return "idle"
	case OpEncoding:
		return "encoding"
	case OpSending:
		return "sending"
	case OpAwaitingResponse:
		return "awaiting_response"
	case OpDecoding:
		return "decoding"
	case OpSuccess:
		return "success"
	case OpFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends an exchange.
func (s OpState) Terminal() bool {
	return s == OpSuccess || s == OpFailed
}

// RecoveryMode selects how the client reacts to link and protocol failures.
// Modes combine with bitwise or.
type RecoveryMode uint8

const (
	// RecoveryNone surfaces every failure without touching the connection.
	RecoveryNone RecoveryMode = 0

	// RecoveryLink reconnects and resends the same request once after the
	// connection was closed under it.
	RecoveryLink RecoveryMode = 1 << 0

	// RecoveryProtocol redials after an invalid response so stale bytes are
	// discarded before the next request. The error is still returned.
	RecoveryProtocol RecoveryMode = 1 << 1
)

// String returns the string representation of the recovery mode.
func (m RecoveryMode) String() string {
	switch m {
	case RecoveryNone:
		return "none"
	case RecoveryLink:
		return "link"
	case RecoveryProtocol:
		return "protocol"
	case RecoveryLink | RecoveryProtocol:
		return "link,protocol"
	default:
		return fmt.Sprintf("RecoveryMode(%d)", uint8(m))
	}
}

// Has reports whether all bits of flag are set in m.
func (m RecoveryMode) Has(flag RecoveryMode) bool {
	return m&flag == flag
}

// ParseRecoveryMode parses a comma separated list of "link" and "protocol",
// or "none".
func ParseRecoveryMode(s string) (RecoveryMode, error) {
	var mode RecoveryMode
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "none", "":
		case "link":
			mode |= RecoveryLink
		case "protocol":
			mode |= RecoveryProtocol
		default:
			return RecoveryNone, fmt.Errorf("modbus: unknown recovery mode %q", part)
		}
	}
	return mode, nil
}
