// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/OpenTela/TelaOS/pkg/chunk"
	bridgeerr "github.com/OpenTela/TelaOS/pkg/errors"
)

// mockTransport is an in-memory device link. A responder function plays the
// role of the watch firmware, answering written command frames.
type mockTransport struct {
	mu         sync.Mutex
	frames     chan []byte
	chunks     chan []byte
	disc       chan error
	textOut    [][]byte
	binOut     [][]byte
	connects   int
	connectErr error
	responder  func(id int64, subsystem, command string)
}

func newMockTransport() *mockTransport {
	return &mockTransport{}
}

func (m *mockTransport) Connect(ctx context.Context, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connects++
	m.frames = make(chan []byte, 16)
	m.chunks = make(chan []byte, 64)
	m.disc = make(chan error, 1)
	return nil
}

func (m *mockTransport) Disconnect() error { return nil }

func (m *mockTransport) WriteFrame(ctx context.Context, data []byte) error {
	m.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.textOut = append(m.textOut, cp)
	responder := m.responder
	m.mu.Unlock()

	if responder != nil {
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err == nil && len(parts) >= 3 {
			var id int64
			var subsystem, command string
			_ = json.Unmarshal(parts[0], &id)
			_ = json.Unmarshal(parts[1], &subsystem)
			_ = json.Unmarshal(parts[2], &command)
			go responder(id, subsystem, command)
		}
	}
	return nil
}

func (m *mockTransport) WriteChunk(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.binOut = append(m.binOut, cp)
	return nil
}

func (m *mockTransport) Frames() <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func (m *mockTransport) Chunks() <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks
}

func (m *mockTransport) Disconnected() <-chan error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disc
}

func (m *mockTransport) pushFrame(data []byte) {
	m.mu.Lock()
	ch := m.frames
	m.mu.Unlock()
	ch <- data
}

func (m *mockTransport) pushChunk(data []byte) {
	m.mu.Lock()
	ch := m.chunks
	m.mu.Unlock()
	ch <- data
}

func (m *mockTransport) dropLink(err error) {
	m.mu.Lock()
	ch := m.disc
	m.mu.Unlock()
	ch <- err
}

func (m *mockTransport) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *mockTransport) answerSync(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = func(id int64, subsystem, command string) {
		if subsystem == "sys" && command == "sync" {
			m.pushFrame([]byte(fmt.Sprintf(`[%d,%q,{"protocol":"2.7","os":"1.0"}]`, id, status)))
		}
	}
}

func testConfig() Config {
	return Config{
		Address:            "AA:BB:CC:DD:EE:FF",
		CommandTimeout:     200 * time.Millisecond,
		ConnectRetryDelay:  20 * time.Millisecond,
		ReconnectDelay:     20 * time.Millisecond,
		ChunkDelay:         time.Millisecond,
		BinaryPollInterval: 5 * time.Millisecond,
		BinaryPollAttempts: 100,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectRunsSyncHandshake(t *testing.T) {
	tr := newMockTransport()
	tr.answerSync("ok")
	sup := New(testConfig(), tr, nil, nil, nil)

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer sup.Close()

	if got := sup.State(); got != StateSynced {
		t.Errorf("State() = %v, want StateSynced", got)
	}
	if !sup.Synced() {
		t.Error("Synced() = false after ok handshake")
	}

	// The sync command carries [version, utcIso, tzOffset].
	tr.mu.Lock()
	first := tr.textOut[0]
	tr.mu.Unlock()

	var parts []json.RawMessage
	if err := json.Unmarshal(first, &parts); err != nil || len(parts) != 4 {
		t.Fatalf("sync frame = %s", first)
	}
	var args []string
	if err := json.Unmarshal(parts[3], &args); err != nil || len(args) != 3 {
		t.Fatalf("sync args = %s", parts[3])
	}
	if args[0] != ProtocolVersion {
		t.Errorf("protocol version = %q, want %q", args[0], ProtocolVersion)
	}
	if !regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`).MatchString(args[1]) {
		t.Errorf("utc timestamp = %q", args[1])
	}
	if !regexp.MustCompile(`^[+-]\d{2}:\d{2}$`).MatchString(args[2]) {
		t.Errorf("tz offset = %q", args[2])
	}
}

func TestSyncFailureLeavesSessionUsable(t *testing.T) {
	tr := newMockTransport()
	tr.answerSync("error")
	sup := New(testConfig(), tr, nil, nil, nil)

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer sup.Close()

	if got := sup.State(); got != StateConnectedUnsynced {
		t.Errorf("State() = %v, want StateConnectedUnsynced", got)
	}
	if sup.Synced() {
		t.Error("Synced() = true after rejected handshake")
	}

	// Other commands still work.
	tr.mu.Lock()
	tr.responder = func(id int64, subsystem, command string) {
		if subsystem == "sys" && command == "info" {
			tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{"foo":1}]`, id)))
		}
	}
	tr.mu.Unlock()

	res, err := sup.Send(context.Background(), "sys", "info", nil, 0)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !res.OK() {
		t.Errorf("Send() status = %q", res.Status)
	}
}

func TestDisconnectResetsState(t *testing.T) {
	tr := newMockTransport()
	tr.answerSync("ok")
	sup := New(testConfig(), tr, nil, nil, nil)

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	tr.dropLink(errors.New("link lost"))

	waitFor(t, func() bool { return sup.State() == StateDisconnected },
		"state did not reach Disconnected after drop")
	if sup.Synced() {
		t.Error("Synced() = true after disconnect")
	}
}

func TestDaemonModeReconnects(t *testing.T) {
	tr := newMockTransport()
	tr.answerSync("ok")
	cfg := testConfig()
	cfg.Daemon = true
	sup := New(cfg, tr, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	waitFor(t, func() bool { return tr.connectCount() == 1 }, "first connect did not happen")
	waitFor(t, func() bool { return sup.State() == StateSynced }, "first session did not sync")

	tr.dropLink(errors.New("link lost"))

	waitFor(t, func() bool { return tr.connectCount() >= 2 },
		"daemon mode did not reconnect after disconnect")
}

func TestInteractiveModeDoesNotRetry(t *testing.T) {
	tr := newMockTransport()
	tr.connectErr = errors.New("no adapter")
	cfg := testConfig()
	cfg.Daemon = false
	sup := New(cfg, tr, nil, nil, nil)

	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("Run() returned nil on connect failure in interactive mode")
	}
	if n := tr.connectCount(); n != 0 {
		t.Errorf("connects = %d, want 0", n)
	}
}

func TestInteractiveModeEndsOnDisconnect(t *testing.T) {
	tr := newMockTransport()
	tr.answerSync("ok")
	sup := New(testConfig(), tr, nil, nil, nil)

	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(context.Background()) }()

	waitFor(t, func() bool { return sup.State() == StateSynced }, "session did not sync")

	tr.dropLink(nil)

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not end after disconnect in interactive mode")
	}
	if n := tr.connectCount(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestSendNotConnected(t *testing.T) {
	sup := New(testConfig(), newMockTransport(), nil, nil, nil)

	_, err := sup.Send(context.Background(), "sys", "info", nil, 0)
	if !errors.Is(err, bridgeerr.ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestPushBinaryChunking(t *testing.T) {
	tr := newMockTransport()
	tr.answerSync("ok")
	sup := New(testConfig(), tr, nil, nil, nil)

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer sup.Close()

	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	if err := sup.PushBinary(context.Background(), data); err != nil {
		t.Fatalf("PushBinary() error: %v", err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.binOut) != 5 {
		t.Fatalf("wrote %d chunks, want 5", len(tr.binOut))
	}
	wantLens := []int{250, 250, 250, 250, 24}
	for i, pkt := range tr.binOut {
		if seq := binary.LittleEndian.Uint16(pkt); seq != uint16(i) {
			t.Errorf("chunk %d seq = %d", i, seq)
		}
		if got := len(pkt) - chunk.HeaderSize; got != wantLens[i] {
			t.Errorf("chunk %d payload len = %d, want %d", i, got, wantLens[i])
		}
	}
}

func TestSendThenAwaitBinary(t *testing.T) {
	tr := newMockTransport()
	tr.mu.Lock()
	tr.responder = func(id int64, subsystem, command string) {
		switch {
		case subsystem == "sys" && command == "sync":
			tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{}]`, id)))
		case subsystem == "sys" && command == "screen":
			tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{"bytes":6,"w":2,"h":3}]`, id)))
			tr.pushChunk(chunk.Encode(0, []byte("abc")))
			tr.pushChunk(chunk.Encode(1, []byte("def")))
		}
	}
	tr.mu.Unlock()

	sup := New(testConfig(), tr, nil, nil, nil)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer sup.Close()

	res, err := sup.Send(context.Background(), "sys", "screen", []any{"rgb16"}, 0)
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if !res.OK() {
		t.Fatalf("Send() status = %q", res.Status)
	}

	data, err := sup.AwaitBinary(context.Background())
	if err != nil {
		t.Fatalf("AwaitBinary() error: %v", err)
	}
	if string(data) != "abcdef" {
		t.Errorf("binary = %q, want abcdef", data)
	}
}

func TestAwaitBinaryTimeoutDiscardsPartial(t *testing.T) {
	tr := newMockTransport()
	tr.mu.Lock()
	tr.responder = func(id int64, subsystem, command string) {
		switch {
		case subsystem == "sys" && command == "sync":
			tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{}]`, id)))
		case subsystem == "sys" && command == "screen":
			tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{"bytes":100}]`, id)))
			tr.pushChunk(chunk.Encode(0, []byte("partial")))
		}
	}
	tr.mu.Unlock()

	cfg := testConfig()
	cfg.BinaryPollAttempts = 5
	sup := New(cfg, tr, nil, nil, nil)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer sup.Close()

	if _, err := sup.Send(context.Background(), "sys", "screen", nil, 0); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	_, err := sup.AwaitBinary(context.Background())
	if !errors.Is(err, bridgeerr.ErrTransferTimeout) {
		t.Fatalf("AwaitBinary() error = %v, want ErrTransferTimeout", err)
	}
}

func TestPushFilesSingleAndMulti(t *testing.T) {
	tr := newMockTransport()
	tr.mu.Lock()
	tr.responder = func(id int64, subsystem, command string) {
		if subsystem == "sys" && command == "sync" {
			tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{}]`, id)))
			return
		}
		tr.pushFrame([]byte(fmt.Sprintf(`[%d,"ok",{}]`, id)))
	}
	tr.mu.Unlock()

	sup := New(testConfig(), tr, nil, nil, nil)
	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer sup.Close()

	err := sup.PushFiles(context.Background(), "clock", []File{{Name: "main.lua", Data: []byte("print(1)")}})
	if err != nil {
		t.Fatalf("PushFiles() single error: %v", err)
	}

	tr.mu.Lock()
	pushFrame := tr.textOut[len(tr.textOut)-1]
	tr.mu.Unlock()

	var parts []json.RawMessage
	if err := json.Unmarshal(pushFrame, &parts); err != nil || len(parts) != 4 {
		t.Fatalf("push frame = %s", pushFrame)
	}
	var args []string
	if err := json.Unmarshal(parts[3], &args); err != nil {
		t.Fatalf("push args = %s", parts[3])
	}
	want := []string{"clock", "main.lua", "8"}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("push args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	err = sup.PushFiles(context.Background(), "weather", []File{
		{Name: "main.lua", Data: []byte("abc")},
		{Name: "icon.png", Data: []byte("defgh")},
	})
	if err != nil {
		t.Fatalf("PushFiles() multi error: %v", err)
	}

	tr.mu.Lock()
	pushFrame = tr.textOut[len(tr.textOut)-1]
	blobLen := 0
	for _, pkt := range tr.binOut {
		blobLen += len(pkt) - chunk.HeaderSize
	}
	tr.mu.Unlock()

	if err := json.Unmarshal(pushFrame, &parts); err != nil || len(parts) != 4 {
		t.Fatalf("push frame = %s", pushFrame)
	}
	if err := json.Unmarshal(parts[3], &args); err != nil {
		t.Fatalf("push args = %s", parts[3])
	}
	if args[1] != "*" {
		t.Errorf("multi-file marker = %q, want *", args[1])
	}
	var sizes map[string]int
	if err := json.Unmarshal([]byte(args[2]), &sizes); err != nil {
		t.Fatalf("sizes json = %q", args[2])
	}
	if sizes["main.lua"] != 3 || sizes["icon.png"] != 5 {
		t.Errorf("sizes = %v", sizes)
	}
	if blobLen != 8+3+5 {
		t.Errorf("binary blob bytes = %d, want 16", blobLen)
	}
}
