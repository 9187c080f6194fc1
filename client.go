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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgeo-scada/ur3e/internal/transport"
)

// Client is a Modbus TCP master for single coil reads and writes.
//
// A Client owns one connection and carries one exchange at a time; calls from
// several goroutines are serialized. Use one Client per goroutine when
// requests must run in parallel.
type Client struct {
	addr   string
	unitID UnitID
	opts   *clientOptions

	session *transport.Session
	txIDGen TransactionIDGenerator

	// exchangeMu is held for a whole request/response exchange.
	exchangeMu sync.Mutex

	mu      sync.Mutex
	state   ConnectionState
	closed  bool
	metrics *Metrics
	logger  *slog.Logger
}

// NewClient creates a new Modbus TCP client. A missing port in addr
// defaults to 502.
func NewClient(addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	c := &Client{
		addr:   addr,
		unitID: options.unitID,
		opts:   options,
		session: transport.NewSession(addr, transport.Config{
			ConnectTimeout:  options.connectTimeout,
			WriteTimeout:    options.writeTimeout,
			ResponseTimeout: options.responseTimeout,
			KeepAlive:       30 * time.Second,
			Logger:          options.logger,
		}),
		state:   StateDisconnected,
		metrics: NewMetrics(),
		logger:  options.logger,
	}

	return c, nil
}

// Connect establishes a connection to the Modbus server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Debug("connecting", slog.String("addr", c.addr))

	if err := c.session.Connect(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	// Close may have run while dialing; it found no connection to release.
	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.session.Close()
		return ErrClientClosed
	}
	c.state = StateConnected
	c.metrics.ActiveConns.Add(1)
	c.mu.Unlock()

	c.logger.Info("connected", slog.String("addr", c.addr))

	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}

	return nil
}

// Close closes the client connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.logger.Debug("closing connection", slog.String("addr", c.addr))
	return c.session.Close()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// SetUnitID sets the default unit ID for subsequent requests.
func (c *Client) SetUnitID(id UnitID) {
	c.mu.Lock()
	c.unitID = id
	c.mu.Unlock()
}

// UnitID returns the current default unit ID.
func (c *Client) UnitID() UnitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// Address returns the server address.
func (c *Client) Address() string {
	return c.addr
}

// ReadCoil reads one coil (FC01) using the default unit ID.
func (c *Client) ReadCoil(ctx context.Context, addr uint16) (bool, error) {
	return c.ReadCoilWithUnit(ctx, c.UnitID(), addr)
}

// ReadCoilWithUnit reads one coil (FC01) using a specific unit ID.
func (c *Client) ReadCoilWithUnit(ctx context.Context, unitID UnitID, addr uint16) (bool, error) {
	var value bool
	err := c.exchange(ctx, exchange{
		op:       "read coil",
		function: FuncReadCoils,
		unitID:   unitID,
		addr:     addr,
		encode: func(txID uint16) []byte {
			return EncodeReadCoilRequest(txID, unitID, addr)
		},
		decode: func(payload []byte) (err error) {
			value, err = DecodeReadCoilsPayload(payload)
			return err
		},
	})
	return value, err
}

// WriteCoil writes one coil (FC05) using the default unit ID.
func (c *Client) WriteCoil(ctx context.Context, addr uint16, value bool) error {
	return c.WriteCoilWithUnit(ctx, c.UnitID(), addr, value)
}

// WriteCoilWithUnit writes one coil (FC05) using a specific unit ID. It
// succeeds only when the server echoes the request exactly.
func (c *Client) WriteCoilWithUnit(ctx context.Context, unitID UnitID, addr uint16, value bool) error {
	return c.exchange(ctx, exchange{
		op:       "write coil",
		function: FuncWriteSingleCoil,
		unitID:   unitID,
		addr:     addr,
		encode: func(txID uint16) []byte {
			return EncodeWriteCoilRequest(txID, unitID, addr, value)
		},
		decode: func(payload []byte) error {
			return DecodeWriteCoilPayload(payload, addr, value)
		},
	})
}

// exchange describes one request/response pair.
type exchange struct {
	op       string
	function FunctionCode
	unitID   UnitID
	addr     uint16
	encode   func(txID uint16) []byte
	decode   func(payload []byte) error
}

func (c *Client) exchange(ctx context.Context, ex exchange) error {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	c.setOpState(OpIdle)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.setOpState(OpFailed)
		return &RequestError{Op: ex.op, Address: ex.addr, UnitID: ex.unitID, Err: ErrClientClosed}
	}

	start := time.Now()

	c.setOpState(OpEncoding)
	txID := c.txIDGen.Next()
	frame := ex.encode(txID)

	c.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(ex.unitID)),
		slog.String("func", ex.function.String()),
		slog.Uint64("address", uint64(ex.addr)))

	resp, err := c.roundTrip(ctx, frame)
	if err == nil {
		c.setOpState(OpDecoding)
		err = c.validate(resp, txID, ex)
	}

	duration := time.Since(start)
	c.metrics.observe(ex.function, duration, err)

	if err != nil {
		if c.opts.recovery.Has(RecoveryProtocol) && isProtocolError(err) {
			c.flush(ctx, err)
		}
		c.setOpState(OpFailed)
		c.logger.Debug("request failed",
			slog.Uint64("tx_id", uint64(txID)),
			slog.String("error", err.Error()))
		return &RequestError{Op: ex.op, Address: ex.addr, UnitID: ex.unitID, TransactionID: txID, Err: err}
	}

	c.setOpState(OpSuccess)
	c.logger.Debug("received response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Duration("duration", duration))
	return nil
}

// roundTrip sends frame and returns the raw response. With link recovery a
// connection lost under the exchange is redialled and the same frame is sent
// once more; the second failure is final.
func (c *Client) roundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		c.setOpState(OpSending)
		err := c.session.SendExact(ctx, frame)

		var resp []byte
		if err == nil {
			c.setOpState(OpAwaitingResponse)
			resp, err = c.session.ReceiveExact(ctx, mbapSizer{})
		}
		if err == nil {
			return resp, nil
		}

		if !c.session.IsConnected() {
			c.handleDisconnect(err)
		}
		if attempt > 0 || !isLinkError(err) || !c.opts.recovery.Has(RecoveryLink) {
			return nil, err
		}

		c.metrics.Retries.Add(1)
		c.logger.Debug("retrying request after link failure", slog.String("error", err.Error()))
		if rerr := c.reconnect(ctx); rerr != nil {
			return nil, rerr
		}
	}
}

func (c *Client) validate(data []byte, txID uint16, ex exchange) error {
	resp, err := DecodeResponse(data)
	if err != nil {
		return err
	}

	if resp.TransactionID != txID {
		return fmt.Errorf("%w: expected %d, got %d", ErrTransactionMismatch, txID, resp.TransactionID)
	}

	// Gateways may rewrite the unit ID, so a mismatch is only worth a note.
	if resp.UnitID != ex.unitID {
		c.logger.Debug("unit ID differs in response",
			slog.Uint64("expected", uint64(ex.unitID)),
			slog.Uint64("got", uint64(resp.UnitID)))
	}

	if exc, ok := resp.Exception(); ok {
		if exc.Function != ex.function {
			return fmt.Errorf("%w: exception for %s, expected %s",
				ErrUnexpectedFunction, exc.Function, ex.function)
		}
		return exc
	}

	if resp.Function != ex.function {
		return fmt.Errorf("%w: expected %02X, got %02X",
			ErrUnexpectedFunction, uint8(ex.function), uint8(resp.Function))
	}

	return ex.decode(resp.Payload)
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	if wasConnected {
		c.metrics.ActiveConns.Add(-1)
	}
	c.mu.Unlock()

	c.session.Close()

	if !wasConnected {
		return
	}

	c.logger.Warn("disconnected", slog.String("addr", c.addr), slog.String("error", err.Error()))

	if c.opts.onDisconnect != nil {
		c.opts.onDisconnect(err)
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	if backoff := c.opts.reconnectBackoff; backoff > 0 {
		timer := time.NewTimer(backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	c.logger.Info("attempting reconnection", slog.String("addr", c.addr))
	c.metrics.Reconnections.Add(1)

	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.logger.Info("reconnected", slog.String("addr", c.addr))
	return nil
}

// flush drops the connection after an invalid response and dials again so
// that late or stray bytes cannot be taken for the next response.
func (c *Client) flush(ctx context.Context, cause error) {
	c.handleDisconnect(cause)
	c.metrics.Reconnections.Add(1)
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("reconnect after protocol error failed",
			slog.String("addr", c.addr),
			slog.String("error", err.Error()))
	}
}

func (c *Client) setOpState(s OpState) {
	if c.opts.onState != nil {
		c.opts.onState(s)
	}
}
