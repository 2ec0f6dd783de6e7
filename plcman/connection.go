package plcman

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"s7link/s7"
)

// ConnectionStatus represents the state of a PLC connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Connection owns the transport session for one PLC. Connect, Disconnect,
// EnsureConnected and Drop must be called with the coordinator lock held;
// IsConnected and Status may be called from anywhere.
type Connection struct {
	name      string
	transport s7.Transport
	log       zerolog.Logger
	rec       Recorder

	connected atomic.Bool
	status    atomic.Int32
}

// NewConnection wraps transport for the PLC called name.
func NewConnection(name string, transport s7.Transport, log zerolog.Logger, rec Recorder) *Connection {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Connection{
		name:      name,
		transport: transport,
		log:       log,
		rec:       rec,
	}
}

// Transport returns the underlying transport.
func (c *Connection) Transport() s7.Transport {
	return c.transport
}

// Connect opens the session if it is not already open.
func (c *Connection) Connect() error {
	if c.connected.Load() {
		return nil
	}

	c.status.Store(int32(StatusConnecting))
	if err := c.transport.Connect(); err != nil {
		// Leave no half-open socket behind.
		if derr := c.transport.Disconnect(); derr != nil {
			c.log.Debug().Err(derr).Msg("cleanup after failed connect")
		}
		c.status.Store(int32(StatusError))
		if !errors.Is(err, s7.ErrConnection) {
			err = fmt.Errorf("%w: %w", s7.ErrConnection, err)
		}
		return err
	}

	c.connected.Store(true)
	c.status.Store(int32(StatusConnected))
	c.rec.ConnectionChanged(c.name, true)
	c.log.Info().Msg("connected")
	return nil
}

// EnsureConnected connects if needed.
func (c *Connection) EnsureConnected() error {
	return c.Connect()
}

// Disconnect closes the session. Close errors are logged, not returned.
func (c *Connection) Disconnect() {
	c.close(StatusDisconnected, "disconnect requested")
}

// Drop marks the session dead after a failed operation so the next attempt
// reconnects.
func (c *Connection) Drop(cause error) {
	reason := "dropped"
	if cause != nil {
		reason = cause.Error()
	}
	c.close(StatusError, reason)
}

func (c *Connection) close(status ConnectionStatus, reason string) {
	was := c.connected.Swap(false)
	if err := c.transport.Disconnect(); err != nil {
		c.log.Debug().Err(err).Msg("error during disconnect")
	}
	c.status.Store(int32(status))
	if was {
		c.rec.ConnectionChanged(c.name, false)
		c.log.Warn().Str("reason", reason).Msg("disconnected")
	}
}

// IsConnected reports the last known session state without blocking.
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// Status returns the connection status.
func (c *Connection) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}
