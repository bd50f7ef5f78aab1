// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package session supervises the bridge's connection to one watch.
//
// # Lifecycle
//
//	Disconnected ──connect()──▶ Connecting ──ok──▶ ConnectedUnsynced
//	      ▲                         │                     │
//	      │                       fail              sys sync ok
//	      │                         │                     ▼
//	      └──────── disconnect ─────┴───────────────── Synced
//
// A transport disconnect from any connected state returns the session to
// Disconnected and clears the synced flag, so the next connect re-runs the
// handshake. In daemon mode the run loop retries forever with a fixed
// backoff; in interactive mode the first failure ends it and the caller
// decides.
//
// # Dispatcher
//
// Each session runs one dispatcher goroutine that drains the transport's
// notification streams and fans out synchronously:
//
//	text frames  ──decode──▶ response      ──▶ correlator
//	                         fetch request ──▶ fetch proxy (own goroutine)
//	                         unknown       ──▶ log, drop
//	binary frames ──decode──▶ reassembler
//
// Shared state (the pending-request table, the chunk buffer, the session
// state) is mutex-guarded: the dispatcher mutates it concurrently with
// callers of Send, PushBinary, and AwaitBinary.
//
// # Binary Transfers
//
// One transfer is active at a time; the protocol serializes one per command.
// Send arms the reassembler before writing, because the watch starts
// streaming chunks the moment it answers a command whose response declares a
// "bytes" payload. Outgoing pushes mirror the inbound side: fixed-size
// chunks, sequence numbers from 0, and a pacing delay per write so the
// watch's BLE stack can drain.
package session
