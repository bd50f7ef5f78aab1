// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// echoDevice upgrades the request and echoes every message back, swapping
// text for binary and vice versa so both streams get exercised.
func echoDevice(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestFrameRoundTrip(t *testing.T) {
	srv := echoDevice(t)
	defer srv.Close()

	tr := New(nil)
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer tr.Disconnect()

	want := `[1,"sys","info"]`
	if err := tr.WriteFrame(context.Background(), []byte(want)); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	select {
	case got := <-tr.Frames():
		if string(got) != want {
			t.Errorf("frame = %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}

func TestChunkRoundTrip(t *testing.T) {
	srv := echoDevice(t)
	defer srv.Close()

	tr := New(nil)
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer tr.Disconnect()

	want := []byte{0x00, 0x00, 0xde, 0xad, 0xbe, 0xef}
	if err := tr.WriteChunk(context.Background(), want); err != nil {
		t.Fatalf("WriteChunk() error: %v", err)
	}

	select {
	case got := <-tr.Chunks():
		if string(got) != string(want) {
			t.Errorf("chunk = %x, want %x", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk received")
	}
}

func TestServerCloseFiresDisconnected(t *testing.T) {
	srv := echoDevice(t)

	tr := New(nil)
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	srv.CloseClientConnections()
	srv.Close()

	select {
	case <-tr.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnected did not fire")
	}
}

func TestWriteWhenNotConnected(t *testing.T) {
	tr := New(nil)
	if err := tr.WriteFrame(context.Background(), []byte("[]")); err == nil {
		t.Fatal("WriteFrame() on a disconnected transport returned nil")
	}
}

func TestReconnectRearmsStreams(t *testing.T) {
	srv := echoDevice(t)
	defer srv.Close()

	tr := New(nil)
	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("first Connect() error: %v", err)
	}
	first := tr.Frames()
	_ = tr.Disconnect()

	if err := tr.Connect(context.Background(), wsURL(srv)); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}
	defer tr.Disconnect()

	if tr.Frames() == first {
		t.Error("Frames() not re-armed by reconnect")
	}
}
