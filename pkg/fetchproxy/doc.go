// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package fetchproxy bridges the watch's fetch() calls onto real HTTP.
//
// # Overview
//
// The watch has no network stack of its own. A watch app calling fetch()
// makes the firmware emit a fetch-request frame over the text channel; the
// bridge performs the HTTP call and writes the result back as a
// fetch-response frame carrying the same id:
//
//	watch ──{id, method, url, ...}──▶ bridge ──HTTP──▶ internet
//	watch ◀──{id, status, body}────── bridge ◀────────┘
//
// # Field Filtering
//
// Large API responses waste the narrow link. A request with format "json"
// and a non-empty fields list gets its response body reduced to just those
// keys, values verbatim. Filtering is best-effort and never fatal: a body
// that does not parse as a JSON object, or one missing a listed key, is
// returned unchanged.
//
// # Failure Mapping
//
// The proxy never leaves a request unanswered. HTTP timeouts reply with
// status 408 and {"error":"timeout"}; every other failure (DNS, refused
// connection, TLS, rate limit, open circuit) replies with status 0 and the
// error message. Status 0 tells the firmware the failure was on the
// transport, not the remote server.
//
// # Guards
//
// An optional per-host token bucket and per-host circuit breaker sit in
// front of the HTTP client, so one watch app stuck in a fetch loop cannot
// hammer a remote API from the host's connection.
package fetchproxy
