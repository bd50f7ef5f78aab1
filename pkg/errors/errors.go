// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the BLE bridge.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrTimeout indicates no matching response arrived within the deadline.
	ErrTimeout = errors.New("timeout")

	// ErrTransferTimeout indicates a binary transfer did not complete within
	// the bounded wait. Distinct from ErrTimeout so callers can tell a stalled
	// chunk stream apart from an unanswered command.
	ErrTransferTimeout = errors.New("binary transfer timeout")

	// ErrNotConnected indicates an operation was attempted without an active session.
	ErrNotConnected = errors.New("not connected")

	// ErrDisconnected indicates the device link dropped.
	ErrDisconnected = errors.New("disconnected")

	// ErrDeviceNotFound indicates discovery could not resolve a device address.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrShortChunk indicates a binary frame too small to carry a sequence header.
	ErrShortChunk = errors.New("chunk frame too short")

	// ErrNoTransfer indicates no binary transfer is expected.
	ErrNoTransfer = errors.New("no binary transfer in progress")

	// ErrRateLimited indicates the fetch proxy budget for a host is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrCircuitOpen is returned when the per-host circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// BridgeError wraps an error with session context.
type BridgeError struct {
	Op      string // Operation that failed
	Session string // Session identifier
	Err     error  // Underlying error
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Session, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *BridgeError) Unwrap() error {
	return e.Err
}

// New creates a new BridgeError.
func New(op, session string, err error) error {
	if err == nil {
		return nil
	}
	return &BridgeError{
		Op:      op,
		Session: session,
		Err:     err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
