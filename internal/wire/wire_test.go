// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import "testing"

func TestEncodeRequiresID(t *testing.T) {
	_, err := Encode(&Message{Kind: KindEvent, Topic: "x"})
	if err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{ID: "1", Kind: KindEvent, Topic: "room:1", Data: []byte(`{"hi":1}`)}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeLoose(data)
	if err != nil {
		t.Fatalf("DecodeLoose: %v", err)
	}
	if got.Topic != "room:1" || got.ID != "1" {
		t.Fatalf("got %+v", got)
	}
}

func TestDecodeStrictRejectsUnknownFields(t *testing.T) {
	_, err := DecodeStrict([]byte(`{"id":"1","kind":"event","topic":"x","bogus":1}`))
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestDecodeStrictRejectsCaseSmuggling(t *testing.T) {
	_, err := DecodeStrict([]byte(`{"ID":"1","kind":"event","topic":"x"}`))
	if err == nil {
		t.Fatalf("expected error for case-variant field name")
	}
}

func TestDecodeStrictRejectsMissingKind(t *testing.T) {
	_, err := DecodeStrict([]byte(`{"id":"1"}`))
	if err == nil {
		t.Fatalf("expected error for missing kind")
	}
}

func TestLooksLikeJSON(t *testing.T) {
	if !LooksLikeJSON([]byte(`{"a":1}`)) {
		t.Fatalf("expected JSON object to be recognized")
	}
	if LooksLikeJSON([]byte(`not json`)) {
		t.Fatalf("expected non-JSON to be rejected")
	}
}
