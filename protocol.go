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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	h.put(buf)
	return buf
}

func (h *MBAPHeader) put(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short (%d bytes)", ErrMalformedFrame, len(data))
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// validate checks the fields every Modbus TCP frame must satisfy.
func (h *MBAPHeader) validate() error {
	if h.ProtocolID != ProtocolID {
		return fmt.Errorf("%w: protocol ID %d", ErrMalformedFrame, h.ProtocolID)
	}
	// Unit ID and function code are always present.
	if h.Length < 2 {
		return fmt.Errorf("%w: length field %d", ErrMalformedFrame, h.Length)
	}
	if MBAPHeaderSize-1+int(h.Length) > MaxADUSize {
		return fmt.Errorf("%w: length field %d exceeds maximum frame size", ErrMalformedFrame, h.Length)
	}
	return nil
}

// TransactionIDGenerator generates transaction IDs. The zero value starts
// at 1 and wraps around after 65535.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame represents a complete Modbus TCP frame.
// Payload holds the PDU bytes that follow the function code.
type Frame struct {
	Header   MBAPHeader
	Function FunctionCode
	Payload  []byte
}

// Encode encodes the frame to bytes, setting the header length field.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.Payload) + 2) // Unit ID + function code + payload
	buf := make([]byte, MBAPHeaderSize+1+len(f.Payload))
	f.Header.put(buf)
	buf[MBAPHeaderSize] = byte(f.Function)
	copy(buf[MBAPHeaderSize+1:], f.Payload)
	return buf
}

// Decode decodes a frame from exactly one frame's worth of bytes.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	if err := f.Header.validate(); err != nil {
		return err
	}
	if want := MBAPHeaderSize - 1 + int(f.Header.Length); len(data) != want {
		return fmt.Errorf("%w: length field %d disagrees with %d byte frame",
			ErrMalformedFrame, f.Header.Length, len(data))
	}
	f.Function = FunctionCode(data[MBAPHeaderSize])
	f.Payload = make([]byte, len(data)-MBAPHeaderSize-1)
	copy(f.Payload, data[MBAPHeaderSize+1:])
	return nil
}

// ReadFrame reads a complete Modbus TCP frame from a reader.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	total, err := mbapSizer{}.FrameLen(header)
	if err != nil {
		return nil, err
	}
	data := make([]byte, total)
	copy(data, header)
	if _, err := io.ReadFull(r, data[MBAPHeaderSize:]); err != nil {
		return nil, err
	}
	var f Frame
	if err := f.Decode(data); err != nil {
		return nil, err
	}
	return &f, nil
}

// mbapSizer lets the transport read exactly one frame off the stream.
type mbapSizer struct{}

func (mbapSizer) HeaderLen() int { return MBAPHeaderSize }

func (mbapSizer) FrameLen(header []byte) (int, error) {
	var h MBAPHeader
	if err := h.Decode(header); err != nil {
		return 0, err
	}
	if err := h.validate(); err != nil {
		return 0, err
	}
	return MBAPHeaderSize - 1 + int(h.Length), nil
}

func encodeFrame(txID uint16, unitID UnitID, fc FunctionCode, payload []byte) []byte {
	f := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		Function: fc,
		Payload:  payload,
	}
	return f.Encode()
}

// Request encoders

// EncodeReadCoilRequest builds a Read Coils (FC01) request for one coil.
func EncodeReadCoilRequest(txID uint16, unitID UnitID, addr uint16) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], addr)
	binary.BigEndian.PutUint16(payload[2:4], 1)
	return encodeFrame(txID, unitID, FuncReadCoils, payload)
}

// EncodeWriteCoilRequest builds a Write Single Coil (FC05) request.
func EncodeWriteCoilRequest(txID uint16, unitID UnitID, addr uint16, value bool) []byte {
	return encodeFrame(txID, unitID, FuncWriteSingleCoil, writeCoilPayload(addr, value))
}

func writeCoilPayload(addr uint16, value bool) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], addr)
	binary.BigEndian.PutUint16(payload[2:4], coilValue(value))
	return payload
}

// Response encoders, for device simulators.

// EncodeReadCoilsResponsePayload builds the payload answering a one coil read.
func EncodeReadCoilsResponsePayload(bit bool) []byte {
	if bit {
		return []byte{0x01, 0x01}
	}
	return []byte{0x01, 0x00}
}

// EncodeReadCoilResponse builds a complete Read Coils response for one coil.
func EncodeReadCoilResponse(txID uint16, unitID UnitID, bit bool) []byte {
	return encodeFrame(txID, unitID, FuncReadCoils, EncodeReadCoilsResponsePayload(bit))
}

// EncodeWriteCoilResponse builds the echo a server sends after a successful
// Write Single Coil.
func EncodeWriteCoilResponse(txID uint16, unitID UnitID, addr uint16, value bool) []byte {
	return EncodeWriteCoilRequest(txID, unitID, addr, value)
}

// EncodeExceptionResponse builds an exception response for fc.
func EncodeExceptionResponse(txID uint16, unitID UnitID, fc FunctionCode, code ExceptionCode) []byte {
	return encodeFrame(txID, unitID, fc|exceptionFlag, []byte{byte(code)})
}

// Response decoding

// Response is a decoded Modbus TCP response frame.
type Response struct {
	TransactionID uint16
	UnitID        UnitID
	Function      FunctionCode
	Payload       []byte
}

// Exception returns the server exception carried by an exception response.
// An exception response without its code byte reports false.
func (r *Response) Exception() (*ServerException, bool) {
	if r.Function&exceptionFlag == 0 || len(r.Payload) == 0 {
		return nil, false
	}
	return NewServerException(r.Function&^exceptionFlag, ExceptionCode(r.Payload[0])), true
}

// DecodeResponse decodes one complete response frame.
func DecodeResponse(data []byte) (*Response, error) {
	var f Frame
	if err := f.Decode(data); err != nil {
		return nil, err
	}
	if f.Function&exceptionFlag != 0 && len(f.Payload) != 1 {
		return nil, fmt.Errorf("%w: exception response carries %d bytes",
			ErrMalformedFrame, len(f.Payload))
	}
	return &Response{
		TransactionID: f.Header.TransactionID,
		UnitID:        f.Header.UnitID,
		Function:      f.Function,
		Payload:       f.Payload,
	}, nil
}

// DecodeReadCoilsPayload decodes the payload of a one coil Read Coils
// response and returns the coil state.
func DecodeReadCoilsPayload(payload []byte) (bool, error) {
	if len(payload) < 1 {
		return false, fmt.Errorf("%w: empty read coils payload", ErrMalformedPayload)
	}
	if byteCount := int(payload[0]); byteCount != 1 {
		return false, fmt.Errorf("%w: byte count %d, want 1", ErrMalformedPayload, byteCount)
	}
	if len(payload) != 2 {
		return false, fmt.Errorf("%w: read coils payload has %d bytes, want 2", ErrMalformedPayload, len(payload))
	}
	return payload[1]&0x01 != 0, nil
}

// DecodeWriteCoilPayload checks that a Write Single Coil response echoes the
// requested address and value.
func DecodeWriteCoilPayload(payload []byte, addr uint16, value bool) error {
	if len(payload) != 4 {
		return fmt.Errorf("%w: write coil payload has %d bytes, want 4", ErrMalformedPayload, len(payload))
	}
	if !bytes.Equal(payload, writeCoilPayload(addr, value)) {
		return fmt.Errorf("%w: got address %d value 0x%04X, want address %d value 0x%04X",
			ErrUnexpectedEcho,
			binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]),
			addr, coilValue(value))
	}
	return nil
}
