// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package ws is a WebSocket device link. It exists for development and for
// the simulator: one socket carries both protocol channels, text messages as
// command frames and binary messages as chunk frames.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	bridgeerr "github.com/OpenTela/TelaOS/pkg/errors"
	"github.com/OpenTela/TelaOS/pkg/transport"
)

const (
	defaultDialTimeout = 10 * time.Second
	frameBuffer        = 64
	chunkBuffer        = 256
)

var _ transport.Transport = (*Transport)(nil)

// Transport connects to a device (or simulator) serving the bridge protocol
// over a single WebSocket.
type Transport struct {
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	frames chan []byte
	chunks chan []byte
	disc   chan error
}

// New returns a disconnected WebSocket transport.
func New(logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{logger: logger}
}

// Connect dials the WebSocket URL in addr and starts the read pump.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return bridgeerr.Wrap(err, "ws dial "+addr)
	}

	t.mu.Lock()
	t.conn = conn
	t.frames = make(chan []byte, frameBuffer)
	t.chunks = make(chan []byte, chunkBuffer)
	t.disc = make(chan error, 1)
	frames, chunks, disc := t.frames, t.chunks, t.disc
	t.mu.Unlock()

	go t.readPump(conn, frames, chunks, disc)
	return nil
}

// Disconnect closes the socket. The read pump observes the close and fires
// Disconnected; callers that tore the link down deliberately can ignore it.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// WriteFrame sends one text frame.
func (t *Transport) WriteFrame(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.TextMessage, data)
}

// WriteChunk sends one binary chunk frame.
func (t *Transport) WriteChunk(ctx context.Context, data []byte) error {
	return t.write(ctx, websocket.BinaryMessage, data)
}

func (t *Transport) write(ctx context.Context, messageType int, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return bridgeerr.ErrNotConnected
	}

	// gorilla allows one concurrent writer per connection.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer func() { _ = conn.SetWriteDeadline(time.Time{}) }()
	}
	return conn.WriteMessage(messageType, data)
}

// Frames is the inbound text frame stream of the current connection.
func (t *Transport) Frames() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// Chunks is the inbound binary chunk stream of the current connection.
func (t *Transport) Chunks() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

// Disconnected fires once when the current connection drops.
func (t *Transport) Disconnected() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disc
}

func (t *Transport) readPump(conn *websocket.Conn, frames, chunks chan []byte, disc chan error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case disc <- err:
			default:
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			select {
			case frames <- data:
			default:
				t.logger.Warn("frame buffer full, dropping inbound frame")
			}
		case websocket.BinaryMessage:
			select {
			case chunks <- data:
			default:
				t.logger.Warn("chunk buffer full, dropping inbound chunk")
			}
		}
	}
}
