// Copyright 2026 The Helios Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pattern

import (
	"reflect"
	"testing"
)

func TestMatchLiteral(t *testing.T) {
	m, ok := Match("user:123", "user:123")
	if !ok || len(m.Captures) != 0 {
		t.Fatalf("got %+v, %v", m, ok)
	}
	if _, ok := Match("user:124", "user:123"); ok {
		t.Fatalf("expected no match")
	}
}

func TestMatchSingleWildcard(t *testing.T) {
	m, ok := Match("user:123", "user:*")
	if !ok {
		t.Fatalf("expected match")
	}
	if !reflect.DeepEqual(m.Captures, []string{"123"}) {
		t.Fatalf("captures = %v", m.Captures)
	}
	if _, ok := Match("user:123:extra", "user:*"); ok {
		t.Fatalf("* must not span multiple segments")
	}
}

func TestMatchDoubleStarTrailing(t *testing.T) {
	m, ok := Match("chat:room:1:msg:5", "chat:**")
	if !ok {
		t.Fatalf("expected match")
	}
	if !reflect.DeepEqual(m.Captures, []string{"room:1:msg:5"}) {
		t.Fatalf("captures = %v", m.Captures)
	}

	m, ok = Match("chat", "chat:**")
	if !ok {
		t.Fatalf("** must match zero segments")
	}
	if !reflect.DeepEqual(m.Captures, []string{""}) {
		t.Fatalf("captures = %v", m.Captures)
	}
}

func TestMatchPlusPlusRequiresAtLeastOne(t *testing.T) {
	if _, ok := Match("chat", "chat:++"); ok {
		t.Fatalf("++ must require at least one segment")
	}
	m, ok := Match("chat:a:b", "chat:++")
	if !ok {
		t.Fatalf("expected match")
	}
	if !reflect.DeepEqual(m.Captures, []string{"a:b"}) {
		t.Fatalf("captures = %v", m.Captures)
	}
}

func TestMatchMultipleCapturesInOrder(t *testing.T) {
	m, ok := Match("org:42:user:7", "org:*:user:*")
	if !ok {
		t.Fatalf("expected match")
	}
	if !reflect.DeepEqual(m.Captures, []string{"42", "7"}) {
		t.Fatalf("captures = %v", m.Captures)
	}
}

func TestSpecificityOrdering(t *testing.T) {
	patterns := []string{"user:**", "user:++", "user:*", "user:123"}
	for i := 0; i < len(patterns)-1; i++ {
		if Specificity(patterns[i]) >= Specificity(patterns[i+1]) {
			t.Fatalf("expected %q to be less specific than %q", patterns[i], patterns[i+1])
		}
	}
}

func TestHasWildcard(t *testing.T) {
	cases := map[string]bool{
		"user:123": false,
		"user:*":   true,
		"user:++":  true,
		"user:**":  true,
	}
	for p, want := range cases {
		if got := HasWildcard(p); got != want {
			t.Errorf("HasWildcard(%q) = %v, want %v", p, got, want)
		}
	}
}
