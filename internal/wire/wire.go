// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire defines Helios's on-the-wire Message envelope — the three
// genres multiplexed over a single transport (Request, Response, Event) —
// and implements the strict/permissive/passthrough decoding policies the
// Server Coordinator selects between via its parseMode configuration.
//
// The wire codec is, per spec, an external collaborator specified only at
// its interface; this package is that interface's concrete default
// implementation, kept separate from package helios so it can be swapped.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	segjson "github.com/segmentio/encoding/json"
)

// Kind identifies which of the three message genres a Message carries.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// ErrorPayload is the shape of a Response's error field, used both for
// handler (method dispatcher) failures and for internally synthesized
// error Responses.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Message is Helios's wire envelope. Exactly one of the genre-specific
// field groups is populated, selected by Kind. Every outgoing Message must
// carry a non-empty ID, per spec §4.3.
type Message struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Request fields.
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Response fields. RequestID correlates to the originating Request's ID.
	RequestID string          `json:"requestId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`

	// Event fields.
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode serializes a Message using the fast steady-state codec.
func Encode(m *Message) ([]byte, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("wire: outgoing message must carry a non-empty id")
	}
	return segjson.Marshal(m)
}

// ProtocolError reports a wire-parse failure, distinguished from other
// errors so the Coordinator can apply its parseMode policy.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "wire: protocol error: " + e.Reason }

// DecodeStrict parses data as a Message, rejecting unknown fields and any
// case-variant field-name smuggling. This backs parseMode "strict".
func DecodeStrict(data []byte) (*Message, error) {
	if err := validateNoDuplicateKeys(data); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	if err := validateFieldCase(data, &Message{}); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	if m.Kind == "" {
		return nil, &ProtocolError{Reason: "missing kind"}
	}
	return &m, nil
}

// DecodeLoose parses data as a Message with the fast codec and no
// strictness checks. This backs parseMode "permissive" for text frames
// that parse as JSON; parseMode "passthrough" does not call it.
func DecodeLoose(data []byte) (*Message, error) {
	var m Message
	if err := segjson.Unmarshal(data, &m); err != nil {
		return nil, &ProtocolError{Reason: err.Error()}
	}
	if m.Kind == "" {
		return nil, &ProtocolError{Reason: "missing kind"}
	}
	return &m, nil
}

// LooksLikeJSON reports whether data parses as a JSON value at all (not
// necessarily a valid Message), used by the Coordinator's permissive
// parseMode to decide whether a text frame should be treated as JSON or as
// plain text.
func LooksLikeJSON(data []byte) bool {
	var v any
	return json.Unmarshal(data, &v) == nil
}

// --- strict-mode field validation, adapted from a case-sensitive JSON-RPC
// field-smuggling guard: Go's encoding/json matches field names
// case-insensitively by default, which would let an attacker send "Kind"
// instead of "kind" to smuggle a field past naive validation. ---

func validateNoDuplicateKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil // not an object; nothing to check
	}
	return checkCaseVariants(raw)
}

func checkCaseVariants(obj map[string]json.RawMessage) error {
	seen := make(map[string]string, len(obj))
	for key := range obj {
		lower := strings.ToLower(key)
		if original, ok := seen[lower]; ok && original != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
		}
		seen[lower] = key
	}
	for key, val := range obj {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(val, &nested); err == nil {
			if err := checkCaseVariants(nested); err != nil {
				return fmt.Errorf("in field %q: %w", key, err)
			}
		}
	}
	return nil
}

func validateFieldCase(data []byte, v any) error {
	expected := expectedFields(v)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for key := range raw {
		if expected[key] {
			continue
		}
		lower := strings.ToLower(key)
		for name := range expected {
			if strings.ToLower(name) == lower {
				return fmt.Errorf("field name case mismatch: got %q, expected %q", key, name)
			}
		}
	}
	return nil
}

func expectedFields(v any) map[string]bool {
	fields := make(map[string]bool)
	t := reflect.TypeOf(v)
	if t == nil {
		return fields
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fields
	}
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if name, _, _ := strings.Cut(tag, ","); name != "" {
			fields[name] = true
		}
	}
	return fields
}
