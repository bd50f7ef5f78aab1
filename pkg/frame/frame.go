// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Status values carried by response frames.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Kind classifies a decoded inbound frame.
type Kind int

const (
	// KindUnknown is a frame that is neither a response nor a fetch request.
	// Unknown frames are logged and dropped by the dispatcher.
	KindUnknown Kind = iota

	// KindResponse is a command response: [id, "ok"|"error", payload?].
	KindResponse

	// KindFetchRequest is an HTTP fetch request issued by the device:
	// {"id": N, "method": "GET", "url": "...", ...}.
	KindFetchRequest
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindFetchRequest:
		return "fetch_request"
	default:
		return "unknown"
	}
}

// Command is an outbound command frame. It encodes as a JSON array
// [id, subsystem, command, args?]; the args element is omitted when empty,
// matching what the firmware parser expects.
type Command struct {
	ID        int64
	Subsystem string
	Command   string
	Args      []any
}

// Encode serializes the command to its wire form.
func (c Command) Encode() ([]byte, error) {
	parts := []any{c.ID, c.Subsystem, c.Command}
	if len(c.Args) > 0 {
		parts = append(parts, c.Args)
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return data, nil
}

// Response is an inbound command response frame.
type Response struct {
	ID      int64
	Status  string
	Payload map[string]any
}

// FetchRequest is an inbound HTTP fetch request from the device. It is
// distinguished from other object-shaped frames structurally: a frame with
// both a "method" and a "url" field is a fetch request. There is no type tag
// on the wire.
type FetchRequest struct {
	ID     int64
	Method string
	URL    string
	Body   string
	Format string
	Fields []string
}

// FetchResponse is the reply frame written back for a FetchRequest.
// Status carries the HTTP status code, or 0 on transport-level failure.
type FetchResponse struct {
	ID     int64  `json:"id"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Encode serializes the fetch response to its wire form.
func (r FetchResponse) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode fetch response: %w", err)
	}
	return data, nil
}

// Message is the tagged result of decoding one inbound text frame.
// Exactly one of Response and Fetch is set, according to Kind.
type Message struct {
	Kind     Kind
	Response *Response
	Fetch    *FetchRequest
}

// Decode parses and classifies one inbound text frame.
// Malformed JSON and unrecognized shapes yield KindUnknown without error;
// only a frame that matches a known shape but cannot be read returns one.
func Decode(data []byte) Message {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Message{Kind: KindUnknown}
	}

	switch trimmed[0] {
	case '[':
		return decodeResponse(trimmed)
	case '{':
		return decodeObject(trimmed)
	default:
		return Message{Kind: KindUnknown}
	}
}

func decodeResponse(data []byte) Message {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
		return Message{Kind: KindUnknown}
	}

	var resp Response
	if err := json.Unmarshal(parts[0], &resp.ID); err != nil {
		return Message{Kind: KindUnknown}
	}
	if err := json.Unmarshal(parts[1], &resp.Status); err != nil {
		return Message{Kind: KindUnknown}
	}

	// Payload defaults to an empty mapping when absent.
	resp.Payload = map[string]any{}
	if len(parts) > 2 {
		if err := json.Unmarshal(parts[2], &resp.Payload); err != nil {
			return Message{Kind: KindUnknown}
		}
	}

	return Message{Kind: KindResponse, Response: &resp}
}

func decodeObject(data []byte) Message {
	var probe struct {
		ID     int64    `json:"id"`
		Method *string  `json:"method"`
		URL    *string  `json:"url"`
		Body   string   `json:"body"`
		Format string   `json:"format"`
		Fields []string `json:"fields"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return Message{Kind: KindUnknown}
	}
	if probe.Method == nil || probe.URL == nil {
		return Message{Kind: KindUnknown}
	}

	return Message{
		Kind: KindFetchRequest,
		Fetch: &FetchRequest{
			ID:     probe.ID,
			Method: *probe.Method,
			URL:    *probe.URL,
			Body:   probe.Body,
			Format: probe.Format,
			Fields: probe.Fields,
		},
	}
}
