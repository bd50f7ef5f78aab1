// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the TelaOS v2 wire codec for the text channel.
//
// # Frame Shapes
//
// All text frames are UTF-8 JSON. Three shapes travel over the link:
//
//	Command (host → watch):        [id, "subsystem", "command", [args...]]
//	Response (watch → host):       [id, "ok"|"error", {payload}]
//	Fetch request (watch → host):  {"id": N, "method": "GET", "url": "...",
//	                                "body": "...", "format": "json",
//	                                "fields": ["a", "b"]}
//	Fetch response (host → watch): {"id": N, "status": 200, "body": "..."}
//
// # Classification
//
// Inbound frames carry no explicit type tag. Decode classifies them
// structurally and returns a tagged Message so downstream code switches on
// Kind instead of re-inspecting field presence:
//
//   - a JSON array of at least two elements is a Response
//   - a JSON object with both "method" and "url" is a FetchRequest
//   - everything else is KindUnknown and gets logged and dropped
//
// Binary chunk framing for the binary channel lives in package chunk.
package frame
