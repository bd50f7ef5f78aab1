// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenTela/TelaOS/pkg/chunk"
	"github.com/OpenTela/TelaOS/pkg/correlator"
	"github.com/OpenTela/TelaOS/pkg/errors"
	"github.com/OpenTela/TelaOS/pkg/fetchproxy"
	"github.com/OpenTela/TelaOS/pkg/frame"
	"github.com/OpenTela/TelaOS/pkg/metrics"
	"github.com/OpenTela/TelaOS/pkg/transport"
)

const (
	// ProtocolVersion is the TelaOS wire protocol version this bridge speaks.
	ProtocolVersion = "2.7"

	// DefaultDeviceName is the advertised name discovery looks for.
	DefaultDeviceName = "FutureClock"

	utcFormat = "2006-01-02T15:04:05Z"
)

// State is the session lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnectedUnsynced
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnsynced:
		return "connected_unsynced"
	case StateSynced:
		return "synced"
	default:
		return "unknown"
	}
}

// File is one file of an app push, in listing order.
type File struct {
	Name string
	Data []byte
}

// Config holds supervisor configuration.
type Config struct {
	// Address is the device address. Empty means resolve via discovery.
	Address string

	// DeviceName is the advertised name used when resolving via discovery.
	DeviceName string

	// Daemon keeps the run loop reconnecting forever. When false, a connect
	// failure or a disconnect ends the run loop and the caller decides.
	Daemon bool

	// ConnectRetryDelay is the backoff after a failed connect attempt.
	ConnectRetryDelay time.Duration

	// ReconnectDelay is the backoff after losing an established session.
	ReconnectDelay time.Duration

	// ScanTimeout bounds discovery when no address is configured.
	ScanTimeout time.Duration

	// CommandTimeout is the default deadline for command responses.
	CommandTimeout time.Duration

	// ChunkSize is the payload size for outgoing binary chunks.
	ChunkSize int

	// ChunkDelay is the pacing delay between chunk writes, matching the
	// firmware's 15ms drain interval.
	ChunkDelay time.Duration

	// BinaryPollInterval and BinaryPollAttempts bound the wait for an
	// inbound binary transfer to complete.
	BinaryPollInterval time.Duration
	BinaryPollAttempts int

	// Logger for session events.
	Logger *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	if cfg.ConnectRetryDelay == 0 {
		cfg.ConnectRetryDelay = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}
	if cfg.ChunkDelay == 0 {
		cfg.ChunkDelay = 15 * time.Millisecond
	}
	if cfg.BinaryPollInterval == 0 {
		cfg.BinaryPollInterval = 100 * time.Millisecond
	}
	if cfg.BinaryPollAttempts == 0 {
		cfg.BinaryPollAttempts = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Supervisor drives the session lifecycle: connect, time sync, serve,
// disconnect detection, reconnect. It owns the session state; components
// may read it, only the supervisor transitions it.
type Supervisor struct {
	cfg     Config
	tr      transport.Transport
	disco   transport.Discoverer
	corr    *correlator.Correlator
	reasm   *chunk.Reassembler
	proxy   *fetchproxy.Proxy
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	synced    bool
	sessionID string
	serveDone chan struct{}
}

// New creates a supervisor over the given transport. The discoverer is
// optional when cfg.Address is set; proxy and m may be nil to disable HTTP
// proxying and instrumentation.
func New(cfg Config, tr transport.Transport, disco transport.Discoverer, proxy *fetchproxy.Proxy, m *metrics.Metrics) *Supervisor {
	cfg.setDefaults()

	return &Supervisor{
		cfg:     cfg,
		tr:      tr,
		disco:   disco,
		corr:    correlator.New(tr, cfg.Logger),
		reasm:   chunk.NewReassembler(),
		proxy:   proxy,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// State returns the current session state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Synced reports whether the time sync handshake succeeded this session.
func (s *Supervisor) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// SessionID returns the id of the current session, for log correlation.
func (s *Supervisor) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Connect establishes one session: resolve the address if needed, connect
// the transport, start the dispatcher, and attempt the time sync handshake.
// A sync failure is logged but leaves the session usable.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	addr := s.cfg.Address
	if addr == "" {
		if s.disco == nil {
			s.setState(StateDisconnected)
			return errors.ErrDeviceNotFound
		}
		s.logger.Info("searching for device", slog.String("name", s.cfg.DeviceName))
		found, err := s.disco.FindByName(ctx, s.cfg.DeviceName, s.cfg.ScanTimeout)
		if err != nil {
			s.setState(StateDisconnected)
			return errors.Wrap(err, "resolve device address")
		}
		addr = found
	}

	s.logger.Info("connecting", slog.String("address", addr))
	if err := s.tr.Connect(ctx, addr); err != nil {
		s.setState(StateDisconnected)
		return errors.Wrap(err, "connect")
	}

	s.mu.Lock()
	s.sessionID = uuid.New().String()
	s.serveDone = make(chan struct{})
	done := s.serveDone
	sid := s.sessionID
	s.mu.Unlock()

	s.setState(StateConnectedUnsynced)
	s.logger.Info("connected",
		slog.String("address", addr),
		slog.String("session", sid))

	// The transport is already subscribed to both notification streams;
	// the dispatcher drains them for the life of this session.
	go s.serve(ctx, s.tr.Frames(), s.tr.Chunks(), s.tr.Disconnected(), done)

	if err := s.Sync(ctx); err != nil {
		s.logger.Warn("time sync failed, session stays usable",
			slog.String("session", sid),
			slog.String("error", err.Error()))
	}
	return nil
}

// Sync performs the time sync handshake: protocol version, current UTC
// timestamp, and the local timezone offset. Success moves the session to
// Synced; failure leaves it at ConnectedUnsynced.
func (s *Supervisor) Sync(ctx context.Context) error {
	now := time.Now()
	args := []any{ProtocolVersion, now.UTC().Format(utcFormat), tzOffset(now)}

	res, err := s.corr.Submit(ctx, "sys", "sync", args, s.cfg.CommandTimeout)
	if err != nil {
		s.countSync("error")
		return err
	}
	if !res.OK() {
		s.countSync("rejected")
		return fmt.Errorf("sync rejected: %v", res.Payload)
	}

	s.mu.Lock()
	s.synced = true
	s.mu.Unlock()
	s.setState(StateSynced)
	s.countSync("ok")

	s.logger.Info("time synced",
		slog.Any("protocol", res.Payload["protocol"]),
		slog.Any("os", res.Payload["os"]))
	return nil
}

// Run drives the top-level lifecycle. In daemon mode it reconnects forever
// with the configured backoffs and only returns when ctx is done. In
// interactive mode the first connect failure or disconnect ends it.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !s.cfg.Daemon {
				return err
			}
			s.logger.Info("connect failed, retrying",
				slog.Duration("delay", s.cfg.ConnectRetryDelay),
				slog.String("error", err.Error()))
			if !s.sleep(ctx, s.cfg.ConnectRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		s.mu.Lock()
		done := s.serveDone
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			_ = s.Close()
			return ctx.Err()
		case <-done:
		}

		if !s.cfg.Daemon {
			s.logger.Info("session ended")
			return nil
		}

		if s.metrics != nil {
			s.metrics.Reconnects.Inc()
		}
		s.logger.Info("reconnecting", slog.Duration("delay", s.cfg.ReconnectDelay))
		if !s.sleep(ctx, s.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

// Send submits one command and waits for its response. A zero timeout uses
// the configured default. When an "ok" response declares a binary payload
// via a "bytes" field, the reassembler is armed and the caller retrieves the
// data with AwaitBinary.
func (s *Supervisor) Send(ctx context.Context, subsystem, command string, args []any, timeout time.Duration) (correlator.Result, error) {
	st := s.State()
	if st == StateDisconnected || st == StateConnecting {
		return correlator.Result{}, errors.ErrNotConnected
	}
	if timeout <= 0 {
		timeout = s.cfg.CommandTimeout
	}

	// Any command may start a binary transfer; discard stale partial bytes
	// before the watch can begin streaming.
	s.reasm.Begin(0)

	res, err := s.corr.Submit(ctx, subsystem, command, args, timeout)

	if s.metrics != nil {
		s.metrics.FramesTx.WithLabelValues("command").Inc()
		s.metrics.PendingRequests.Set(float64(s.corr.Outstanding()))
	}
	if err != nil {
		return res, err
	}
	if s.metrics != nil {
		s.metrics.CommandsTotal.WithLabelValues(subsystem, res.Status).Inc()
		if res.Payload["code"] == "timeout" {
			s.metrics.CorrelationTimeouts.Inc()
		}
	}

	if res.OK() {
		if n, ok := numberField(res.Payload, "bytes"); ok && n > 0 {
			s.reasm.Expect(n)
			s.logger.Info("expecting binary transfer", slog.Int("bytes", n))
		}
	}
	return res, nil
}

// AwaitBinary waits for the transfer armed by the last Send to complete and
// returns its payload. On timeout the partial bytes are discarded.
func (s *Supervisor) AwaitBinary(ctx context.Context) ([]byte, error) {
	if err := s.reasm.Await(ctx, s.cfg.BinaryPollInterval, s.cfg.BinaryPollAttempts); err != nil {
		received := s.reasm.Received()
		s.reasm.Begin(0)
		s.logger.Warn("binary transfer incomplete", slog.Int("received", received))
		return nil, err
	}
	return s.reasm.Take()
}

// PushBinary splits data into chunks and writes them to the binary channel
// with the configured pacing delay between writes, respecting the watch's
// drain rate.
func (s *Supervisor) PushBinary(ctx context.Context, data []byte) error {
	chunks := chunk.Split(data, s.cfg.ChunkSize)
	for _, pkt := range chunks {
		if err := s.tr.WriteChunk(ctx, pkt); err != nil {
			return errors.Wrap(err, "write chunk")
		}
		if s.metrics != nil {
			s.metrics.ChunksTx.Inc()
			s.metrics.BytesTx.Add(float64(len(pkt) - chunk.HeaderSize))
		}
		if !s.sleep(ctx, s.cfg.ChunkDelay) {
			return ctx.Err()
		}
	}
	s.logger.Info("binary sent",
		slog.Int("bytes", len(data)),
		slog.Int("chunks", len(chunks)))
	return nil
}

// PushFiles pushes an app to the watch: the push command announcing the
// name and file sizes, then one binary transfer of all file contents
// concatenated in listing order.
func (s *Supervisor) PushFiles(ctx context.Context, appName string, files []File) error {
	if len(files) == 0 {
		return fmt.Errorf("push %s: no files", appName)
	}

	var args []any
	if len(files) == 1 {
		args = []any{appName, files[0].Name, strconv.Itoa(len(files[0].Data))}
	} else {
		sizes := make(map[string]int, len(files))
		for _, f := range files {
			sizes[f.Name] = len(f.Data)
		}
		sizesJSON, err := json.Marshal(sizes)
		if err != nil {
			return errors.Wrap(err, "encode file sizes")
		}
		args = []any{appName, "*", string(sizesJSON)}
	}

	res, err := s.Send(ctx, "app", "push", args, 0)
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("push %s rejected: %v", appName, res.Payload)
	}

	var blob []byte
	for _, f := range files {
		blob = append(blob, f.Data...)
	}
	return s.PushBinary(ctx, blob)
}

// Close tears the session down: outstanding requests are failed and the
// transport is disconnected. Unlike a transient disconnect, this is a
// deliberate end of service.
func (s *Supervisor) Close() error {
	s.corr.FailAll("disconnected")
	return s.tr.Disconnect()
}

// serve is the dispatcher: it drains the transport's notification streams
// and fans frames out to the correlator, the fetch proxy, and the
// reassembler until the connection drops or ctx is done.
func (s *Supervisor) serve(ctx context.Context, frames, chunks <-chan []byte, disconnected <-chan error, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				s.onDisconnect(nil)
				return
			}
			s.handleFrame(ctx, data)
		case data, ok := <-chunks:
			if !ok {
				s.onDisconnect(nil)
				return
			}
			s.handleChunk(data)
		case err := <-disconnected:
			s.onDisconnect(err)
			return
		}
	}
}

func (s *Supervisor) handleFrame(ctx context.Context, data []byte) {
	msg := frame.Decode(data)
	if s.metrics != nil {
		s.metrics.FramesRx.WithLabelValues(msg.Kind.String()).Inc()
	}

	switch msg.Kind {
	case frame.KindResponse:
		s.logger.Debug("response",
			slog.Int64("id", msg.Response.ID),
			slog.String("status", msg.Response.Status))
		if !s.corr.Resolve(*msg.Response) && s.metrics != nil {
			s.metrics.DroppedResponses.Inc()
		}
		if s.metrics != nil {
			s.metrics.PendingRequests.Set(float64(s.corr.Outstanding()))
		}

	case frame.KindFetchRequest:
		if s.proxy == nil {
			s.logger.Warn("fetch request but HTTP proxying is disabled",
				slog.Int64("id", msg.Fetch.ID))
			return
		}
		// Proxying runs concurrently so a slow remote server does not stall
		// the dispatcher; the reply is correlated by id, not by order.
		go s.proxy.Handle(ctx, *msg.Fetch)

	default:
		s.logger.Debug("unrecognized frame", slog.String("raw", truncate(string(data), 120)))
	}
}

func (s *Supervisor) handleChunk(data []byte) {
	seq, payload, err := chunk.Decode(data)
	if err != nil {
		s.logger.Debug("dropping short chunk frame", slog.Int("size", len(data)))
		return
	}
	s.reasm.OnChunk(seq, payload)
	if s.metrics != nil {
		s.metrics.ChunksRx.Inc()
		s.metrics.BytesRx.Add(float64(len(payload)))
	}
}

// onDisconnect handles the transport's asynchronous disconnect signal.
// Outstanding requests are left to their own deadlines: a response can race
// the disconnect notification, and failing them here would lose it.
func (s *Supervisor) onDisconnect(err error) {
	s.mu.Lock()
	s.synced = false
	sid := s.sessionID
	s.mu.Unlock()
	s.setState(StateDisconnected)

	if err != nil {
		s.logger.Warn("disconnected",
			slog.String("session", sid),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("disconnected", slog.String("session", sid))
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionState.Set(float64(st))
	}
}

func (s *Supervisor) countSync(result string) {
	if s.metrics != nil {
		s.metrics.Syncs.WithLabelValues(result).Inc()
	}
}

// sleep waits for d or ctx, reporting false when ctx won.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// tzOffset formats t's zone offset as "+HH:MM" or "-HH:MM".
func tzOffset(t time.Time) string {
	_, offset := t.Zone()
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s%02d:%02d", sign, offset/3600, (offset%3600)/60)
}

// numberField reads a numeric payload field. JSON numbers decode as float64;
// ints appear in hand-built payloads.
func numberField(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
