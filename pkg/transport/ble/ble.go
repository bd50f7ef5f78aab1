// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package ble is the production device link: a BLE central that speaks the
// watch's GATT service. It needs a working Bluetooth adapter, so nothing in
// here is covered by unit tests; the bridge core is tested against the
// in-memory and WebSocket transports instead.
package ble

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	bridgeerr "github.com/OpenTela/TelaOS/pkg/errors"
	"github.com/OpenTela/TelaOS/pkg/transport"
)

// The watch exposes one service with three characteristics: TX notifies text
// frames, RX accepts text frame writes, BIN carries binary chunks both ways.
const (
	serviceUUIDString = "12345678-1234-5678-1234-56789abcdef0"
	txUUIDString      = "12345678-1234-5678-1234-56789abcdef1"
	rxUUIDString      = "12345678-1234-5678-1234-56789abcdef2"
	binUUIDString     = "12345678-1234-5678-1234-56789abcdef3"
)

const (
	frameBuffer = 64
	chunkBuffer = 256
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a BLE central connected to one watch.
type Transport struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu     sync.Mutex
	device *bluetooth.Device
	rx     *bluetooth.DeviceCharacteristic
	bin    *bluetooth.DeviceCharacteristic

	frames chan []byte
	chunks chan []byte
	disc   chan error
}

// New enables the default adapter and returns a disconnected transport.
func New(logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, bridgeerr.Wrap(err, "enable bluetooth adapter")
	}

	t := &Transport{adapter: adapter, logger: logger}

	// The handler fires for every device this adapter talks to; the
	// transport holds at most one, so any disconnect event is ours.
	adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if connected {
			return
		}
		t.mu.Lock()
		disc := t.disc
		active := t.device != nil
		t.mu.Unlock()
		if !active || disc == nil {
			return
		}
		select {
		case disc <- bridgeerr.ErrDisconnected:
		default:
		}
	})
	return t, nil
}

// Connect connects to the watch at the given MAC address, discovers the
// protocol service, and subscribes to both notification characteristics.
func (t *Transport) Connect(ctx context.Context, addr string) error {
	mac, err := bluetooth.ParseMAC(addr)
	if err != nil {
		return bridgeerr.Wrap(err, "parse device address "+addr)
	}

	device, err := t.adapter.Connect(
		bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}},
		bluetooth.ConnectionParams{},
	)
	if err != nil {
		return bridgeerr.Wrap(err, "connect "+addr)
	}

	tx, rx, bin, err := t.discover(device)
	if err != nil {
		_ = device.Disconnect()
		return err
	}

	frames := make(chan []byte, frameBuffer)
	chunks := make(chan []byte, chunkBuffer)

	err = tx.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case frames <- data:
		default:
			t.logger.Warn("frame buffer full, dropping inbound frame")
		}
	})
	if err != nil {
		_ = device.Disconnect()
		return bridgeerr.Wrap(err, "subscribe text notifications")
	}

	err = bin.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		select {
		case chunks <- data:
		default:
			t.logger.Warn("chunk buffer full, dropping inbound chunk")
		}
	})
	if err != nil {
		_ = device.Disconnect()
		return bridgeerr.Wrap(err, "subscribe binary notifications")
	}

	t.mu.Lock()
	t.device = &device
	t.rx = rx
	t.bin = bin
	t.frames = frames
	t.chunks = chunks
	t.disc = make(chan error, 1)
	t.mu.Unlock()
	return nil
}

func (t *Transport) discover(device bluetooth.Device) (tx, rx, bin *bluetooth.DeviceCharacteristic, err error) {
	serviceUUID, _ := bluetooth.ParseUUID(serviceUUIDString)
	txUUID, _ := bluetooth.ParseUUID(txUUIDString)
	rxUUID, _ := bluetooth.ParseUUID(rxUUIDString)
	binUUID, _ := bluetooth.ParseUUID(binUUIDString)

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil {
		return nil, nil, nil, bridgeerr.Wrap(err, "discover protocol service")
	}
	if len(services) == 0 {
		return nil, nil, nil, bridgeerr.Wrap(bridgeerr.ErrDeviceNotFound, "protocol service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID, rxUUID, binUUID})
	if err != nil {
		return nil, nil, nil, bridgeerr.Wrap(err, "discover characteristics")
	}
	for i := range chars {
		c := &chars[i]
		switch c.UUID() {
		case txUUID:
			tx = c
		case rxUUID:
			rx = c
		case binUUID:
			bin = c
		}
	}
	if tx == nil || rx == nil || bin == nil {
		return nil, nil, nil, bridgeerr.Wrap(bridgeerr.ErrDeviceNotFound, "incomplete protocol service")
	}
	return tx, rx, bin, nil
}

// Disconnect tears the GATT connection down.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.rx = nil
	t.bin = nil
	t.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

// WriteFrame writes one text frame to the RX characteristic.
func (t *Transport) WriteFrame(ctx context.Context, data []byte) error {
	t.mu.Lock()
	rx := t.rx
	t.mu.Unlock()
	if rx == nil {
		return bridgeerr.ErrNotConnected
	}
	if _, err := rx.WriteWithoutResponse(data); err != nil {
		return bridgeerr.Wrap(err, "write frame")
	}
	return nil
}

// WriteChunk writes one chunk frame to the BIN characteristic.
func (t *Transport) WriteChunk(ctx context.Context, data []byte) error {
	t.mu.Lock()
	bin := t.bin
	t.mu.Unlock()
	if bin == nil {
		return bridgeerr.ErrNotConnected
	}
	if _, err := bin.WriteWithoutResponse(data); err != nil {
		return bridgeerr.Wrap(err, "write chunk")
	}
	return nil
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

var _ transport.Discoverer = (*Scanner)(nil)

// Scanner discovers watches by BLE advertisement.
type Scanner struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger
}

// NewScanner enables the default adapter and returns a scanner. A Transport
// from New shares the same adapter, so both can be used together.
func NewScanner(logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, bridgeerr.Wrap(err, "enable bluetooth adapter")
	}
	return &Scanner{adapter: adapter, logger: logger}, nil
}

// Scan collects advertisements for the given duration, one entry per address.
func (s *Scanner) Scan(ctx context.Context, timeout time.Duration) ([]transport.Device, error) {
	var (
		mu      sync.Mutex
		seen    = map[string]bool{}
		devices []transport.Device
	)

	timer := time.AfterFunc(timeout, func() { _ = s.adapter.StopScan() })
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() { _ = s.adapter.StopScan() })
	defer stop()

	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, transport.Device{
			Address: addr,
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	if err != nil {
		return nil, bridgeerr.Wrap(err, "ble scan")
	}
	if ctx.Err() != nil {
		return devices, ctx.Err()
	}
	return devices, nil
}

// FindByName resolves the address of the first advertisement carrying the
// given local name and stops scanning as soon as it is seen.
func (s *Scanner) FindByName(ctx context.Context, name string, timeout time.Duration) (string, error) {
	var (
		mu    sync.Mutex
		found string
	)

	timer := time.AfterFunc(timeout, func() { _ = s.adapter.StopScan() })
	defer timer.Stop()

	stop := context.AfterFunc(ctx, func() { _ = s.adapter.StopScan() })
	defer stop()

	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.LocalName() != name {
			return
		}
		mu.Lock()
		found = result.Address.String()
		mu.Unlock()
		_ = adapter.StopScan()
	})
	if err != nil {
		return "", bridgeerr.Wrap(err, "ble scan")
	}

	mu.Lock()
	defer mu.Unlock()
	if found == "" {
		return "", bridgeerr.New("scan", "", bridgeerr.ErrDeviceNotFound)
	}
	return found, nil
}
