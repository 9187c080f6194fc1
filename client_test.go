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
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSlave is a loopback Modbus TCP server built on the frame codec.
//
// behave, when set, decides the answer for a request on the n-th accepted
// connection. A nil answer closes the connection; an empty one sends nothing.
type fakeSlave struct {
	ln net.Listener

	mu       sync.Mutex
	behave   func(n int, req *Frame) []byte
	coils    map[uint16]bool
	requests [][]byte
	conns    []net.Conn
}

func newFakeSlave(t *testing.T) *fakeSlave {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSlave{ln: ln, coils: make(map[uint16]bool)}
	go s.acceptLoop()

	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
	})
	return s
}

func (s *fakeSlave) Addr() string {
	return s.ln.Addr().String()
}

func (s *fakeSlave) setBehave(fn func(n int, req *Frame) []byte) {
	s.mu.Lock()
	s.behave = fn
	s.mu.Unlock()
}

func (s *fakeSlave) getBehave() func(n int, req *Frame) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.behave
}

func (s *fakeSlave) setCoil(addr uint16, v bool) {
	s.mu.Lock()
	s.coils[addr] = v
	s.mu.Unlock()
}

func (s *fakeSlave) coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

func (s *fakeSlave) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *fakeSlave) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.requests...)
}

func (s *fakeSlave) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		n := len(s.conns)
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		go s.serve(n, conn)
	}
}

func (s *fakeSlave) serve(n int, conn net.Conn) {
	defer conn.Close()

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req.Encode())
		s.mu.Unlock()

		var resp []byte
		if behave := s.getBehave(); behave != nil {
			resp = behave(n, req)
		} else {
			resp = s.answer(req)
		}
		if resp == nil {
			return
		}
		if len(resp) > 0 {
			if _, err := conn.Write(resp); err != nil {
				return
			}
		}
	}
}

func (s *fakeSlave) answer(req *Frame) []byte {
	tx, unit := req.Header.TransactionID, req.Header.UnitID
	addr := binary.BigEndian.Uint16(req.Payload[0:2])

	switch req.Function {
	case FuncReadCoils:
		return EncodeReadCoilResponse(tx, unit, s.coil(addr))
	case FuncWriteSingleCoil:
		value := binary.BigEndian.Uint16(req.Payload[2:4]) == CoilOn
		s.setCoil(addr, value)
		return EncodeWriteCoilResponse(tx, unit, addr, value)
	default:
		return EncodeExceptionResponse(tx, unit, req.Function, ExceptionIllegalFunction)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()

	opts = append([]Option{
		WithLogger(discardLogger()),
		WithTimeout(500 * time.Millisecond),
	}, opts...)
	client, err := NewClient(addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func connectedClient(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()

	client := newTestClient(t, addr, opts...)
	require.NoError(t, client.Connect(context.Background()))
	return client
}

func TestNewClient(t *testing.T) {
	client, err := NewClient("localhost:1502")
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, DefaultUnitID, client.UnitID())
	assert.Equal(t, "localhost:1502", client.Address())
}

func TestNewClient_DefaultPort(t *testing.T) {
	client, err := NewClient("192.168.1.10")
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "192.168.1.10:502", client.Address())
}

func TestNewClient_EmptyAddress(t *testing.T) {
	_, err := NewClient("")
	assert.Error(t, err)
}

func TestClientWithOptions(t *testing.T) {
	client, err := NewClient("localhost:502",
		WithUnitID(5),
		WithTimeout(10*time.Second),
		WithResponseTimeout(2*time.Second),
		WithRecovery(RecoveryLink|RecoveryProtocol),
		WithReconnectBackoff(100*time.Millisecond),
	)
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, UnitID(5), client.UnitID())
	assert.Equal(t, 10*time.Second, client.opts.connectTimeout)
	assert.Equal(t, 10*time.Second, client.opts.writeTimeout)
	assert.Equal(t, 2*time.Second, client.opts.responseTimeout)
	assert.True(t, client.opts.recovery.Has(RecoveryLink))
	assert.True(t, client.opts.recovery.Has(RecoveryProtocol))
	assert.Equal(t, 100*time.Millisecond, client.opts.reconnectBackoff)
}

func TestClientSetUnitID(t *testing.T) {
	client, err := NewClient("localhost:502")
	require.NoError(t, err)
	defer client.Close()

	client.SetUnitID(10)
	assert.Equal(t, UnitID(10), client.UnitID())
}

func TestClient_ReadCoil(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setCoil(19, true)

	client := connectedClient(t, slave.Addr())

	value, err := client.ReadCoil(context.Background(), 19)
	require.NoError(t, err)
	assert.True(t, value)

	requests := slave.received()
	require.Len(t, requests, 1)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x01, 0x00, 0x13, 0x00, 0x01}, requests[0])
}

func TestClient_WriteCoil(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setCoil(16, true)

	client := connectedClient(t, slave.Addr())

	require.NoError(t, client.WriteCoil(context.Background(), 16, false))
	assert.False(t, slave.coil(16))

	requests := slave.received()
	require.Len(t, requests, 1)
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x05, 0x00, 0x10, 0x00, 0x00}, requests[0])

	require.NoError(t, client.WriteCoil(context.Background(), 16, true))
	value, err := client.ReadCoil(context.Background(), 16)
	require.NoError(t, err)
	assert.True(t, value)
}

// Each case runs on a fresh client, so the request carries transaction 1
// and the canned response answers it byte for byte.
func TestClient_WireExchanges(t *testing.T) {
	readReq := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x01, 0x00, 0x10, 0x00, 0x01}
	writeReq := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x05, 0x00, 0x10, 0xFF, 0x00}

	tests := []struct {
		name    string
		write   bool
		request []byte
		resp    []byte
		want    bool
		wantErr error
	}{
		{
			name:    "read low",
			request: readReq,
			resp:    []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x04, 0xFF, 0x01, 0x01, 0x00},
			want:    false,
		},
		{
			name:    "read high",
			request: readReq,
			resp:    []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x04, 0xFF, 0x01, 0x01, 0x01},
			want:    true,
		},
		{
			name:    "write high echoed",
			write:   true,
			request: writeReq,
			resp:    writeReq,
		},
		{
			name:    "write high mismatched echo",
			write:   true,
			request: writeReq,
			resp:    []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0xFF, 0x05, 0x00, 0x10, 0x00, 0x00},
			wantErr: ErrUnexpectedEcho,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := newFakeSlave(t)
			slave.setBehave(func(int, *Frame) []byte { return tt.resp })

			client := connectedClient(t, slave.Addr())
			ctx := context.Background()

			var got bool
			var err error
			if tt.write {
				err = client.WriteCoil(ctx, 16, true)
			} else {
				got, err = client.ReadCoil(ctx, 16)
			}

			requests := slave.received()
			require.Len(t, requests, 1)
			assert.Equal(t, tt.request, requests[0])

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_TransactionIDsIncrement(t *testing.T) {
	slave := newFakeSlave(t)
	client := connectedClient(t, slave.Addr())

	for i := 0; i < 3; i++ {
		_, err := client.ReadCoil(context.Background(), 16)
		require.NoError(t, err)
	}

	for i, req := range slave.received() {
		assert.Equal(t, uint16(i+1), binary.BigEndian.Uint16(req[0:2]))
	}
}

func TestClient_ReadCoilWithUnit(t *testing.T) {
	slave := newFakeSlave(t)
	client := connectedClient(t, slave.Addr())

	_, err := client.ReadCoilWithUnit(context.Background(), 7, 16)
	require.NoError(t, err)
	require.NoError(t, client.WriteCoilWithUnit(context.Background(), 8, 16, true))

	requests := slave.received()
	require.Len(t, requests, 2)
	assert.Equal(t, byte(7), requests[0][6])
	assert.Equal(t, byte(8), requests[1][6])
}

func TestClient_Exception(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(_ int, req *Frame) []byte {
		return EncodeExceptionResponse(req.Header.TransactionID, req.Header.UnitID, req.Function, ExceptionIllegalDataAddress)
	})
	client := connectedClient(t, slave.Addr(), WithRecovery(RecoveryLink|RecoveryProtocol))

	_, err := client.ReadCoil(context.Background(), 16)
	require.Error(t, err)

	var exc *ServerException
	require.ErrorAs(t, err, &exc)
	assert.Equal(t, ExceptionIllegalDataAddress, exc.Code)
	assert.Equal(t, FuncReadCoils, exc.Function)
	assert.True(t, IsIllegalDataAddress(err))

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "read coil", reqErr.Op)
	assert.Equal(t, uint16(16), reqErr.Address)
	assert.Equal(t, uint16(1), reqErr.TransactionID)

	assert.Equal(t, int64(1), client.Metrics().Exceptions.Value())
	assert.True(t, client.IsConnected(), "an exception leaves the connection usable")
	assert.Equal(t, 1, slave.connCount())
}

func TestClient_TransactionMismatch(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(n int, req *Frame) []byte {
		if n == 0 {
			return EncodeReadCoilResponse(req.Header.TransactionID+1, req.Header.UnitID, true)
		}
		return slave.answer(req)
	})
	client := connectedClient(t, slave.Addr(), WithRecovery(RecoveryProtocol))

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrTransactionMismatch)

	// The connection was flushed and redialled; the next read uses it.
	assert.Equal(t, int64(1), client.Metrics().Reconnections.Value())
	_, err = client.ReadCoil(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, 2, slave.connCount())
}

func TestClient_TransactionMismatch_NoRecovery(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(_ int, req *Frame) []byte {
		return EncodeReadCoilResponse(req.Header.TransactionID+1, req.Header.UnitID, true)
	})
	client := connectedClient(t, slave.Addr())

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrTransactionMismatch)
	assert.Equal(t, int64(0), client.Metrics().Reconnections.Value())
	assert.True(t, client.IsConnected())
}

func TestClient_UnexpectedFunction(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(_ int, req *Frame) []byte {
		return EncodeWriteCoilResponse(req.Header.TransactionID, req.Header.UnitID, 16, true)
	})
	client := connectedClient(t, slave.Addr())

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrUnexpectedFunction)
}

func TestClient_MalformedPayload(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(_ int, req *Frame) []byte {
		return encodeFrame(req.Header.TransactionID, req.Header.UnitID, FuncReadCoils, []byte{0x02, 0x01, 0x00})
	})
	client := connectedClient(t, slave.Addr())

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClient_MalformedFrame(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(_ int, req *Frame) []byte {
		resp := EncodeReadCoilResponse(req.Header.TransactionID, req.Header.UnitID, true)
		resp[3] = 0x01 // protocol ID
		return resp
	})
	client := connectedClient(t, slave.Addr())

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.False(t, client.IsConnected(), "a bad header leaves the stream unusable")
}

func TestClient_UnexpectedEcho(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(_ int, req *Frame) []byte {
		return EncodeWriteCoilResponse(req.Header.TransactionID, req.Header.UnitID, 17, true)
	})
	client := connectedClient(t, slave.Addr())

	err := client.WriteCoil(context.Background(), 16, true)
	assert.ErrorIs(t, err, ErrUnexpectedEcho)
}

func TestClient_ReadTimeout(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(int, *Frame) []byte { return []byte{} })

	client := connectedClient(t, slave.Addr(),
		WithResponseTimeout(100*time.Millisecond),
		WithRecovery(RecoveryLink|RecoveryProtocol),
	)

	start := time.Now()
	_, err := client.ReadCoil(context.Background(), 16)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.True(t, IsTimeout(err))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	assert.Equal(t, int64(0), client.Metrics().Retries.Value(), "timeouts are not retried")
	assert.Equal(t, int64(1), client.Metrics().Timeouts.Value())
	assert.Equal(t, StateDisconnected, client.State())
	assert.Len(t, slave.received(), 1)
}

func TestClient_ContextDeadline(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(int, *Frame) []byte { return []byte{} })

	client := connectedClient(t, slave.Addr(), WithResponseTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.ReadCoil(ctx, 16)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestClient_ExpiredContext(t *testing.T) {
	slave := newFakeSlave(t)
	client := connectedClient(t, slave.Addr(), WithRecovery(RecoveryLink|RecoveryProtocol))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := client.ReadCoil(ctx, 16)
	assert.ErrorIs(t, err, ErrWriteTimeout)
	assert.True(t, IsTimeout(err))
	assert.Empty(t, slave.received())
	assert.True(t, client.IsConnected())
	assert.Equal(t, int64(1), client.Metrics().Timeouts.Value())
}

func TestClient_LinkRecovery(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setCoil(19, true)
	slave.setBehave(func(n int, req *Frame) []byte {
		if n == 0 {
			return nil
		}
		return slave.answer(req)
	})

	var disconnects int
	client := connectedClient(t, slave.Addr(),
		WithRecovery(RecoveryLink),
		WithReconnectBackoff(10*time.Millisecond),
		WithOnDisconnect(func(error) { disconnects++ }),
	)

	value, err := client.ReadCoil(context.Background(), 19)
	require.NoError(t, err)
	assert.True(t, value)

	assert.Equal(t, int64(1), client.Metrics().Retries.Value())
	assert.Equal(t, int64(1), client.Metrics().Reconnections.Value())
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, 2, slave.connCount())

	// The retry resends the very same frame.
	requests := slave.received()
	require.Len(t, requests, 2)
	assert.Equal(t, requests[0], requests[1])
}

func TestClient_LinkRecovery_SecondFailureIsFinal(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(int, *Frame) []byte { return nil })

	client := connectedClient(t, slave.Addr(), WithRecovery(RecoveryLink))

	err := client.WriteCoil(context.Background(), 16, true)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, int64(1), client.Metrics().Retries.Value())
	assert.Len(t, slave.received(), 2)
}

func TestClient_NoRecovery(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(int, *Frame) []byte { return nil })

	client := connectedClient(t, slave.Addr())

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, int64(0), client.Metrics().Retries.Value())
	assert.Equal(t, 1, slave.connCount())
	assert.Equal(t, StateDisconnected, client.State())

	_, err = client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_LinkRecoveryConnectsLazily(t *testing.T) {
	slave := newFakeSlave(t)
	client := newTestClient(t, slave.Addr(), WithRecovery(RecoveryLink))

	_, err := client.ReadCoil(context.Background(), 16)
	require.NoError(t, err)
	assert.True(t, client.IsConnected())
}

func TestClient_StateObserver(t *testing.T) {
	slave := newFakeSlave(t)

	var states []OpState
	client := connectedClient(t, slave.Addr(), WithStateObserver(func(s OpState) {
		states = append(states, s)
	}))

	_, err := client.ReadCoil(context.Background(), 16)
	require.NoError(t, err)
	assert.Equal(t, []OpState{OpIdle, OpEncoding, OpSending, OpAwaitingResponse, OpDecoding, OpSuccess}, states)

	states = nil
	slave.setBehave(func(_ int, req *Frame) []byte {
		return EncodeExceptionResponse(req.Header.TransactionID, req.Header.UnitID, req.Function, ExceptionServerDeviceBusy)
	})
	_, err = client.ReadCoil(context.Background(), 16)
	require.Error(t, err)
	assert.Equal(t, []OpState{OpIdle, OpEncoding, OpSending, OpAwaitingResponse, OpDecoding, OpFailed}, states)
}

func TestClient_Callbacks(t *testing.T) {
	slave := newFakeSlave(t)
	slave.setBehave(func(int, *Frame) []byte { return nil })

	var connected int
	var lost error
	client := newTestClient(t, slave.Addr(),
		WithOnConnect(func() { connected++ }),
		WithOnDisconnect(func(err error) { lost = err }),
	)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, 1, connected)
	assert.Equal(t, int64(1), client.Metrics().ActiveConns.Value())

	_, err := client.ReadCoil(context.Background(), 16)
	require.Error(t, err)
	assert.ErrorIs(t, lost, ErrConnectionClosed)
	assert.Equal(t, int64(0), client.Metrics().ActiveConns.Value())
}

func TestClient_Closed(t *testing.T) {
	slave := newFakeSlave(t)
	client := connectedClient(t, slave.Addr())

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.ReadCoil(context.Background(), 16)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, client.Connect(context.Background()), ErrClientClosed)
}

func TestClient_CloseDuringConnect(t *testing.T) {
	slave := newFakeSlave(t)

	for i := 0; i < 50; i++ {
		client, err := NewClient(slave.Addr(), WithLogger(discardLogger()))
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			client.Connect(context.Background())
		}()
		go func() {
			defer wg.Done()
			client.Close()
		}()
		wg.Wait()

		assert.False(t, client.session.IsConnected(), "iteration %d", i)
		assert.Equal(t, StateDisconnected, client.State())
		assert.Equal(t, int64(0), client.Metrics().ActiveConns.Value())
	}
}

func TestClient_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	client := newTestClient(t, addr)
	err = client.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.Equal(t, StateDisconnected, client.State())
}

func TestClient_SerializesCallers(t *testing.T) {
	slave := newFakeSlave(t)
	client := connectedClient(t, slave.Addr())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ch uint16) {
			defer wg.Done()
			if err := client.WriteCoil(context.Background(), 16+ch, true); err != nil {
				errs <- err
			}
		}(uint16(i))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	for ch := uint16(0); ch < 8; ch++ {
		assert.True(t, slave.coil(16+ch))
	}
}
