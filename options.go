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
	"log/slog"
	"time"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	// Connection settings
	unitID          UnitID
	connectTimeout  time.Duration
	writeTimeout    time.Duration
	responseTimeout time.Duration

	// Recovery settings
	recovery         RecoveryMode
	reconnectBackoff time.Duration

	// Callbacks
	onConnect    func()
	onDisconnect func(error)
	onState      func(OpState)

	// Logging
	logger *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:          DefaultUnitID,
		connectTimeout:  DefaultConnectTimeout,
		writeTimeout:    DefaultWriteTimeout,
		responseTimeout: DefaultResponseTimeout,
		recovery:        RecoveryNone,
		logger:          slog.Default(),
	}
}

// WithUnitID sets the default unit ID for requests.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithConnectTimeout sets the timeout for establishing the connection.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout sets the timeout for sending a request.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithResponseTimeout sets how long to wait for a complete response.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.responseTimeout = d
	}
}

// WithTimeout sets the connect, write and response timeouts at once.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
		o.writeTimeout = d
		o.responseTimeout = d
	}
}

// WithRecovery sets the error recovery mode.
func WithRecovery(mode RecoveryMode) Option {
	return func(o *clientOptions) {
		o.recovery = mode
	}
}

// WithReconnectBackoff sets the pause before a recovery reconnect.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithOnConnect sets a callback to be called when the connection is established.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the connection is lost.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithStateObserver sets a callback that receives every state an exchange
// passes through.
func WithStateObserver(fn func(OpState)) Option {
	return func(o *clientOptions) {
		o.onState = fn
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}
