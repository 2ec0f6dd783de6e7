package s7

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrInvalidAddress is returned when an address string cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidArgument is returned when a value does not fit the tag type.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrConnection wraps failures to reach or talk to the PLC.
	ErrConnection = errors.New("connection error")
	// ErrNotConnected is returned by transports used before Connect.
	ErrNotConnected = errors.New("not connected")
	// ErrDecode is returned when returned bytes cannot be decoded.
	ErrDecode = errors.New("decode error")
	// ErrUnexpectedResponse is returned when the PLC answers with the wrong
	// number of items.
	ErrUnexpectedResponse = errors.New("unexpected response")
	// ErrPollTimeout is returned when string reads exceed the operation timeout.
	ErrPollTimeout = errors.New("poll timeout")
	// ErrUpdateFailed wraps any error that aborted a poll cycle.
	ErrUpdateFailed = errors.New("update failed")
)

// Error categories reported in diagnostics.
const (
	CategoryS7Communication    = "s7_communication"
	CategoryS7Response         = "s7_response"
	CategoryNetwork            = "network"
	CategoryDataParsing        = "data_parsing"
	CategoryUnexpectedResponse = "unexpected_response"
	CategoryTimeout            = "timeout"
	CategoryRuntime            = "runtime"
)

// ItemError is a per-item failure reported by the PLC inside an otherwise
// successful request.
type ItemError struct {
	Tag Tag
	Msg string
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Tag, e.Msg)
}

// IsFatal reports whether err must not be retried. Address and argument
// errors will fail the same way on every attempt.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, context.Canceled)
}

// Category classifies err for diagnostics bookkeeping.
func Category(err error) string {
	var itemErr *ItemError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &itemErr):
		return CategoryS7Response
	case errors.Is(err, ErrDecode):
		return CategoryDataParsing
	case errors.Is(err, ErrUnexpectedResponse):
		return CategoryUnexpectedResponse
	case errors.Is(err, ErrPollTimeout), errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case IsLikelyConnectionError(err):
		return CategoryNetwork
	case errors.Is(err, ErrConnection), errors.Is(err, ErrNotConnected):
		return CategoryS7Communication
	default:
		return CategoryRuntime
	}
}

// IsLikelyConnectionError checks if an error indicates a broken socket
// rather than a protocol-level refusal.
func IsLikelyConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	connectionKeywords := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"i/o timeout",
		"no route to host",
		"network is unreachable",
		"connection timed out",
		"forcibly closed",
		"socket closed",
	}
	for _, keyword := range connectionKeywords {
		if strings.Contains(errMsg, keyword) {
			return true
		}
	}
	return false
}
