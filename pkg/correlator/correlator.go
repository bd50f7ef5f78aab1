// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package correlator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenTela/TelaOS/pkg/errors"
	"github.com/OpenTela/TelaOS/pkg/frame"
)

// FrameWriter writes one encoded text frame to the device.
type FrameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// Result is the outcome of a command: the response status and payload.
// Timeouts resolve to Result{Status: "error", Payload: {"code": "timeout"}}
// rather than an error, so callers handle all outcomes through one shape.
type Result struct {
	Status  string
	Payload map[string]any
}

// TimeoutResult is the result delivered when no response arrives in time.
func TimeoutResult() Result {
	return Result{Status: frame.StatusError, Payload: map[string]any{"code": "timeout"}}
}

// OK reports whether the result carries an "ok" status.
func (r Result) OK() bool {
	return r.Status == frame.StatusOK
}

// Correlator matches command responses to their requests by numeric id.
// Ids increase monotonically for the life of the process and are unique while
// outstanding. Each pending request holds a single-resolution slot; a request
// is removed from the table the moment it resolves or times out.
type Correlator struct {
	writer FrameWriter
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan Result
}

// New creates a Correlator that writes command frames through w.
func New(w FrameWriter, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		writer:  w,
		logger:  logger,
		pending: make(map[int64]chan Result),
	}
}

// Submit sends a command and waits for its response or the deadline.
// Exactly one of {matching response, timeout} resolves the call; afterwards
// the pending table no longer contains the id. A write failure unregisters
// the request and is returned as an error for the supervisor to handle.
func (c *Correlator) Submit(ctx context.Context, subsystem, command string, args []any, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan Result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cmd := frame.Command{ID: id, Subsystem: subsystem, Command: command, Args: args}
	data, err := cmd.Encode()
	if err != nil {
		c.remove(id)
		return Result{}, err
	}

	c.logger.Debug("command sent",
		slog.Int64("id", id),
		slog.String("subsystem", subsystem),
		slog.String("command", command))

	if err := c.writer.WriteFrame(ctx, data); err != nil {
		c.remove(id)
		return Result{}, errors.Wrap(err, "write command frame")
	}

	select {
	case res := <-ch:
		return res, nil
	case <-time.After(timeout):
		c.remove(id)
		c.logger.Warn("command timed out",
			slog.Int64("id", id),
			slog.String("subsystem", subsystem),
			slog.String("command", command),
			slog.Duration("timeout", timeout))
		return TimeoutResult(), nil
	case <-ctx.Done():
		c.remove(id)
		return Result{}, ctx.Err()
	}
}

// Resolve delivers a response frame to its waiting request. A response whose
// id has no pending request (already timed out, or never issued) is logged
// and dropped; that is not an error condition for the bridge. Reports whether
// the response was matched.
func (c *Correlator) Resolve(resp frame.Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping unmatched response", slog.Int64("id", resp.ID))
		return false
	}

	ch <- Result{Status: resp.Status, Payload: resp.Payload}
	return true
}

// FailAll resolves every outstanding request with the given error code.
// Used by supervisor teardown; the serve loop deliberately does not call it
// on transient disconnects, leaving outstanding requests to their deadlines.
func (c *Correlator) FailAll(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- Result{Status: frame.StatusError, Payload: map[string]any{"code": code}}
	}
}

// Outstanding returns the number of requests awaiting a response.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
