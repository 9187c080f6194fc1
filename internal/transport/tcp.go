package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
)

// FrameSizer tells a Session how long an incoming frame is.
type FrameSizer interface {
	// HeaderLen is the number of bytes needed to learn the frame length.
	HeaderLen() int

	// FrameLen returns the total frame length, header included. It also
	// enforces the maximum frame length the caller accepts.
	FrameLen(header []byte) (int, error)
}

// Config holds the timeouts of a Session.
type Config struct {
	ConnectTimeout  time.Duration
	WriteTimeout    time.Duration
	ResponseTimeout time.Duration
	KeepAlive       time.Duration
	Logger          *slog.Logger
}

// Session owns a single TCP connection to a Modbus server.
//
// A Session carries one exchange at a time. Any I/O failure closes the
// connection; Connect must be called again before the next exchange.
type Session struct {
	addr   string
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

// NewSession creates a session for addr. No connection is made until Connect.
func NewSession(addr string, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		addr:   addr,
		cfg:    cfg,
		logger: logger,
	}
}

// Addr returns the remote address of the session.
func (s *Session) Addr() string {
	return s.addr
}

// Connect establishes the TCP connection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{KeepAlive: s.cfg.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return &Error{Op: "dial", Addr: s.addr, Kind: classifyDialError(err), Err: err}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	s.conn = conn
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// IsConnected returns true if the session holds a live connection.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SendExact writes all of b, looping over partial writes.
// The write deadline is WriteTimeout or the context deadline, whichever is sooner.
func (s *Session) SendExact(ctx context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return &Error{Op: "write", Addr: s.addr, Kind: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return s.contextError("write", err, ErrWriteTimeout)
	}
	if err := s.conn.SetWriteDeadline(deadline(ctx, s.cfg.WriteTimeout)); err != nil {
		s.closeConnLocked()
		return &Error{Op: "write", Addr: s.addr, Kind: ErrConnectionClosed, Err: err}
	}

	s.logger.Debug("send", slog.String("addr", s.addr), slog.Any("frame", hexFrame{data: b, sent: true}))

	for written := 0; written < len(b); {
		n, err := s.conn.Write(b[written:])
		written += n
		if err == nil && n == 0 {
			err = io.ErrShortWrite
		}
		if err != nil {
			s.closeConnLocked()
			return &Error{Op: "write", Addr: s.addr, Kind: classifyIOError(err, ErrWriteTimeout), Err: err}
		}
	}
	return nil
}

// ReceiveExact reads one complete frame. It reads sizer.HeaderLen bytes,
// asks the sizer for the frame length and reads exactly the remainder.
// The deadline is ResponseTimeout or the context deadline, whichever is sooner.
//
// Errors returned by the sizer are passed through unchanged.
func (s *Session) ReceiveExact(ctx context.Context, sizer FrameSizer) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, &Error{Op: "read", Addr: s.addr, Kind: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return nil, s.contextError("read", err, ErrReadTimeout)
	}
	if err := s.conn.SetReadDeadline(deadline(ctx, s.cfg.ResponseTimeout)); err != nil {
		s.closeConnLocked()
		return nil, &Error{Op: "read", Addr: s.addr, Kind: ErrConnectionClosed, Err: err}
	}

	header := make([]byte, sizer.HeaderLen())
	if _, err := io.ReadFull(s.conn, header); err != nil {
		s.closeConnLocked()
		return nil, &Error{Op: "read", Addr: s.addr, Kind: classifyIOError(err, ErrReadTimeout), Err: err}
	}

	total, err := sizer.FrameLen(header)
	if err != nil {
		// The stream cannot be resynchronized after a bad header.
		s.closeConnLocked()
		return nil, err
	}
	if total < len(header) {
		s.closeConnLocked()
		return nil, fmt.Errorf("transport: frame length %d shorter than header", total)
	}

	frame := make([]byte, total)
	copy(frame, header)
	if _, err := io.ReadFull(s.conn, frame[len(header):]); err != nil {
		s.closeConnLocked()
		return nil, &Error{Op: "read", Addr: s.addr, Kind: classifyIOError(err, ErrReadTimeout), Err: err}
	}

	s.logger.Debug("receive", slog.String("addr", s.addr), slog.Any("frame", hexFrame{data: frame}))
	return frame, nil
}

// contextError reports a context that was already done before any I/O.
// An expired deadline is a timeout of the operation; cancellation is returned
// as is. The connection stays open since nothing was sent or read.
func (s *Session) contextError(op string, err, timeoutKind error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Addr: s.addr, Kind: timeoutKind, Err: err}
	}
	return err
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (s *Session) closeConnLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// deadline returns the sooner of now+d and the context deadline.
// The zero time means no deadline.
func deadline(ctx context.Context, d time.Duration) time.Time {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	if dl, ok := ctx.Deadline(); ok && (t.IsZero() || dl.Before(t)) {
		t = dl
	}
	return t
}

// hexFrame renders a frame as [00][01]... when sent and <00><01>... when
// received. It is only formatted when the record is actually logged.
type hexFrame struct {
	data []byte
	sent bool
}

func (h hexFrame) LogValue() slog.Value {
	open, closing := '<', '>'
	if h.sent {
		open, closing = '[', ']'
	}
	var sb strings.Builder
	sb.Grow(len(h.data) * 4)
	for _, c := range h.data {
		fmt.Fprintf(&sb, "%c%02X%c", open, c, closing)
	}
	return slog.StringValue(sb.String())
}
