// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package transport defines the device link and discovery interfaces the
// bridge core consumes. Implementations own connection establishment,
// teardown, and low-level retries; the core only issues writes and observes
// the notification streams.
package transport

import (
	"context"
	"time"
)

// Transport is an addressable link to one device. After a successful Connect
// the implementation must already be subscribed to both inbound notification
// streams; frames arriving between subscribe and the first read are buffered
// in the channels.
//
// Frames, Chunks, and Disconnected return the streams of the current
// connection. They are re-armed by each Connect, so callers must fetch them
// after Connect returns and must not cache them across reconnects.
type Transport interface {
	// Connect establishes the link to the device at addr and subscribes to
	// the text and binary notification streams.
	Connect(ctx context.Context, addr string) error

	// Disconnect tears the link down. Safe to call when not connected.
	Disconnect() error

	// WriteFrame writes one encoded text frame.
	WriteFrame(ctx context.Context, data []byte) error

	// WriteChunk writes one encoded binary chunk frame.
	WriteChunk(ctx context.Context, data []byte) error

	// Frames is the inbound text frame stream.
	Frames() <-chan []byte

	// Chunks is the inbound binary chunk stream.
	Chunks() <-chan []byte

	// Disconnected fires once when the current connection drops, with the
	// cause when known.
	Disconnected() <-chan error
}

// Device describes one advertisement seen during discovery.
type Device struct {
	Address string
	Name    string
	RSSI    int
}

// Discoverer resolves device addresses. The supervisor uses it when no
// explicit address is configured; the scan CLI mode uses it directly.
type Discoverer interface {
	// Scan collects advertisements for the given duration.
	Scan(ctx context.Context, timeout time.Duration) ([]Device, error)

	// FindByName resolves the address of the first device advertising the
	// given name, or ErrDeviceNotFound.
	FindByName(ctx context.Context, name string, timeout time.Duration) (string, error)
}
