// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package correlator matches asynchronous command responses to their
// requests over the notification-based device link.
//
// # Overview
//
// The watch answers commands out of order, and several commands may be in
// flight at once (a foreground command, a fetch proxy reply, automation).
// The Correlator assigns each outgoing command a fresh id, registers a
// pending slot, and parks the caller until the dispatcher resolves the slot
// with the matching response or the deadline fires.
//
//	caller ──Submit──▶ [encode frame] ──▶ transport
//	                         │
//	                   pending[id] ◀──Resolve── dispatcher ◀── transport
//
// # Timeouts
//
// A fired deadline removes only that request's bookkeeping and resolves the
// waiter with ("error", {"code": "timeout"}). It does not cancel the
// already-sent write and does not notify the watch; a late response for a
// timed-out id is logged and dropped.
//
// # Concurrency
//
// The pending table is guarded by a mutex: Submit runs on caller goroutines
// while Resolve runs on the session dispatcher goroutine. Slots are buffered
// channels, so Resolve never blocks on a slow caller.
package correlator
